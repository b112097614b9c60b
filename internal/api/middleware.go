package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"vaultgate/internal/metrics"
	"vaultgate/internal/x402"
	"vaultgate/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// visitor 单个客户端 IP 的限流器
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按客户端 IP 限流
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
}

// NewRateLimiter 创建限流器，rps<=0 时不限流
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  3 * time.Minute,
	}
}

func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup 清理长时间未出现的 IP
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for ip, v := range rl.visitors {
		if time.Since(v.lastSeen) > rl.idleTTL {
			delete(rl.visitors, ip)
			removed++
		}
	}
	return removed
}

// RunCleanup 每分钟清理一次直到 ctx 结束
func (rl *RateLimiter) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// Middleware gin 中间件
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rps <= 0 {
			c.Next()
			return
		}
		if !rl.limiterFor(c.ClientIP()).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "请求过于频繁"})
			return
		}
		c.Next()
	}
}

// metricsMiddleware 按路由模板统计请求
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// ContextPaymentRef gin 上下文中的支付引用键
const ContextPaymentRef = "x402.paymentRef"

// PaywallOptions 付费墙参数
type PaywallOptions struct {
	// Price 为每个请求生成挑战参数，只能来自服务端配置；
	// 携带支付的请求按同样参数核对挑战
	Price func(c *gin.Context) x402.BuildRequest
}

// Paywall 只读取支付头，请求体留给业务处理器。
// 要求请求携带已结算的支付：没有支付返回 402 与挑战；挑战不是本路由的价格、
// 被拒绝或已兑换过返回 402 与原因；链上未终结返回 202；
// 每笔结算只放行一次并写入 paymentRef。
func Paywall(f *x402.Facilitator, codec *x402.Codec, opts PaywallOptions, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := codec.FromHeaders(c.Request.Header)
		if err != nil {
			writeCarrierError(c, err)
			return
		}
		if req == nil {
			issueChallenge(c, f, opts, logger)
			return
		}

		ref := x402.PaymentRef(req.Payment.ReplayKey)
		var price x402.BuildRequest
		if opts.Price != nil {
			price = opts.Price(c)
		}
		if !f.Builder().Matches(req.Challenge, price) {
			logger.WithFields(logrus.Fields{
				"challenge_id": req.Challenge.ChallengeID,
				"recipient":    req.Challenge.Recipient,
				"path":         c.FullPath(),
			}).Warn("支付挑战与路由价格不符")
			denyAccess(c, ref, models.CodePolicyDenied)
			return
		}

		ctx := c.Request.Context()
		result, err := f.Settle(ctx, req.Challenge, req.Payment)
		if err != nil {
			logger.Errorf("付费墙结算失败: %v", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "结算失败"})
			return
		}

		switch result.Status {
		case models.ResultSettled:
			claimed, err := f.ClaimAccess(ctx, req.Payment.ReplayKey)
			if err != nil {
				logger.Errorf("付费墙兑换失败: %v", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "结算失败"})
				return
			}
			if !claimed {
				denyAccess(c, ref, models.CodeReplayDetected)
				return
			}
			setResultHeader(c, result)
			c.Set(ContextPaymentRef, result.PaymentRef)
			c.Next()
		case models.ResultPending:
			setResultHeader(c, result)
			c.AbortWithStatusJSON(http.StatusAccepted, result)
		default:
			setResultHeader(c, result)
			c.AbortWithStatusJSON(http.StatusPaymentRequired, result)
		}
	}
}

func setResultHeader(c *gin.Context, result *models.FacilitatorResult) {
	if header, err := x402.EncodeHeader(result); err == nil {
		c.Header(x402.HeaderResponse, header)
	}
}

// denyAccess 402 拒绝，不写账本
func denyAccess(c *gin.Context, ref string, code models.ReasonCode) {
	result := &models.FacilitatorResult{
		Status:     models.ResultRejected,
		ReasonCode: code,
		Retryable:  x402.IsRetryable(code),
		PaymentRef: ref,
	}
	setResultHeader(c, result)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, result)
}

// issueChallenge 返回 402 与新挑战
func issueChallenge(c *gin.Context, f *x402.Facilitator, opts PaywallOptions, logger *logrus.Logger) {
	var build x402.BuildRequest
	if opts.Price != nil {
		build = opts.Price(c)
	}
	ch, err := f.Builder().Build(build)
	if err != nil {
		logger.Errorf("签发挑战失败: %v", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "签发挑战失败"})
		return
	}
	if header, err := x402.EncodeHeader(ch); err == nil {
		c.Header(x402.HeaderChallenge, header)
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"x402Version": models.X402Version1,
		"challenge":   ch,
		"expiresIn":   int64(x402.ExpiresIn(ch, time.Now()).Seconds()),
	})
}

// readPaymentRequest 先看请求头，没有再读请求体；请求体不设上限
func readPaymentRequest(c *gin.Context, codec *x402.Codec) (*x402.PaymentRequest, error) {
	req, err := codec.FromHeaders(c.Request.Header)
	if err != nil || req != nil {
		return req, err
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	return codec.FromBody(data)
}

// writeCarrierError 载体错误按建议状态码返回
func writeCarrierError(c *gin.Context, err error) {
	var ce *x402.CarrierError
	if errors.As(err, &ce) {
		c.AbortWithStatusJSON(ce.Status, gin.H{
			"status":     models.ResultRejected,
			"reasonCode": ce.ReasonCode,
			"retryable":  false,
			"error":      ce.Message,
		})
		return
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"status":     models.ResultRejected,
		"reasonCode": models.CodeInvalidPayload,
		"retryable":  false,
		"error":      err.Error(),
	})
}
