package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	apperrors "vaultgate/internal/errors"

	"github.com/sirupsen/logrus"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts         int           `json:"max_attempts"`         // 最大尝试次数（含首次）
	InitialInterval     time.Duration `json:"initial_interval"`     // 初始重试间隔
	MaxInterval         time.Duration `json:"max_interval"`         // 最大重试间隔
	BackoffFactor       float64       `json:"backoff_factor"`       // 退避因子
	RandomizationFactor float64       `json:"randomization_factor"` // 抖动比例
}

// DefaultRetryConfig 默认重试配置
var DefaultRetryConfig = &RetryConfig{
	MaxAttempts:         5,
	InitialInterval:     100 * time.Millisecond,
	MaxInterval:         30 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.1,
}

// RPCRetryConfig 链上回执查询重试配置，对账周期内必须尽快返回
var RPCRetryConfig = &RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     200 * time.Millisecond,
	MaxInterval:         2 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
}

// PublishRetryConfig 事件发送重试配置
var PublishRetryConfig = &RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     50 * time.Millisecond,
	MaxInterval:         time.Second,
	BackoffFactor:       1.5,
	RandomizationFactor: 0.15,
}

// transientMarkers 传输层的临时错误特征
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"bad gateway",
	"too many requests",
	"rate limit",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"eof",
}

// permanentMarkers 重试也不会改变结果的错误，优先于 transientMarkers
var permanentMarkers = []string{
	"not found",
	"unknown transaction",
	"invalid",
	"reverted",
}

// IsRetryable 判断错误是否值得重试：类型化错误以其标记为准，其余只重试传输层错误
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var svcErr *apperrors.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Retrier 重试器
type Retrier struct {
	config *RetryConfig
	logger *logrus.Logger
	mu     sync.Mutex
	rand   *rand.Rand
}

// NewRetrier 创建重试器
func NewRetrier(config *RetryConfig, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = DefaultRetryConfig
	}
	return &Retrier{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute 执行 fn，可重试错误按指数退避重试
func (r *Retrier) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempts := r.config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return nil
		}

		if !IsRetryable(err) {
			return err
		}
		if attempt >= attempts {
			r.logger.Warnf("操作 '%s' 在 %d 次尝试后仍失败: %v", operation, attempt, err)
			return fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.delay(attempt)
		r.logger.Debugf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Do 带返回值的 Execute
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Execute(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// delay 第 attempt 次失败后的等待时间
func (r *Retrier) delay(attempt int) time.Duration {
	d := float64(r.config.InitialInterval) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	if max := float64(r.config.MaxInterval); max > 0 && d > max {
		d = max
	}

	if f := r.config.RandomizationFactor; f > 0 {
		r.mu.Lock()
		jitter := (r.rand.Float64()*2 - 1) * f * d
		r.mu.Unlock()
		d += jitter
	}
	if d < 0 {
		d = float64(r.config.InitialInterval)
	}
	return time.Duration(d)
}

// Config 当前配置
func (r *Retrier) Config() *RetryConfig {
	return r.config
}
