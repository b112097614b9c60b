package x402

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"vaultgate/internal/config"
	"vaultgate/internal/metrics"
	"vaultgate/pkg/models"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// MinChallengeTTL 挑战的最短有效期
const MinChallengeTTL = 10 * time.Second

// BuildRequest 签发挑战的参数，除 Recipient 外都可省略
type BuildRequest struct {
	Recipient  string                 `json:"recipient" binding:"required"`
	Token      string                 `json:"token,omitempty"`
	MinAmount  string                 `json:"minAmount,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	TTLSeconds int                    `json:"ttlSeconds,omitempty"`
}

// ChallengeBuilder 挑战签发与签名校验
type ChallengeBuilder struct {
	secret           []byte
	network          string
	defaultToken     string
	defaultMinAmount string
	defaultTTL       time.Duration
	now              func() time.Time
}

// NewChallengeBuilder 创建挑战签发器，密钥缺失或为占位值时直接失败
func NewChallengeBuilder(cfg *config.X402Config) (*ChallengeBuilder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("x402 配置为空")
	}
	if err := config.ValidateSigningSecret(cfg.SigningSecret); err != nil {
		return nil, err
	}

	defaultMin := cfg.DefaultMinAmount
	if defaultMin == "" {
		defaultMin = "1"
	}
	if _, err := parsePositiveInt(defaultMin); err != nil {
		return nil, fmt.Errorf("默认最小金额无效: %w", err)
	}

	return &ChallengeBuilder{
		secret:           []byte(cfg.SigningSecret),
		network:          cfg.Network,
		defaultToken:     normalizeToken(cfg.DefaultToken),
		defaultMinAmount: defaultMin,
		defaultTTL:       time.Duration(cfg.ChallengeTTLSeconds) * time.Second,
		now:              time.Now,
	}, nil
}

// Build 签发挑战
func (b *ChallengeBuilder) Build(req BuildRequest) (*models.X402Challenge, error) {
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return nil, fmt.Errorf("recipient 不能为空")
	}

	token := normalizeToken(req.Token)
	if token == "" {
		token = b.defaultToken
	}
	if token == "" {
		return nil, fmt.Errorf("未指定 token 且没有默认值")
	}

	minAmount := strings.TrimSpace(req.MinAmount)
	if minAmount == "" {
		minAmount = b.defaultMinAmount
	}
	amount, err := parsePositiveInt(minAmount)
	if err != nil {
		return nil, fmt.Errorf("minAmount 无效: %w", err)
	}

	contextHash, err := ContextHash(req.Context)
	if err != nil {
		return nil, err
	}

	ttl := b.defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl < MinChallengeTTL {
		ttl = MinChallengeTTL
	}

	ch := &models.X402Challenge{
		X402Version: models.X402Version1,
		Scheme:      models.SchemeTongoShielded,
		ChallengeID: uuid.NewString(),
		Network:     b.network,
		Token:       token,
		MinAmount:   amount.String(),
		Recipient:   recipient,
		ContextHash: contextHash,
		ExpiresAt:   b.now().Add(ttl).Unix(),
	}
	ch.Signature = b.sign(ch)

	metrics.ChallengesIssued.Inc()
	return ch, nil
}

// Verify 校验挑战签名是否由当前密钥签发
func (b *ChallengeBuilder) Verify(ch *models.X402Challenge) bool {
	if ch == nil || ch.Signature == "" {
		return false
	}
	provided, err := hex.DecodeString(ch.Signature)
	if err != nil {
		return false
	}
	expected, _ := hex.DecodeString(b.sign(ch))
	return hmac.Equal(expected, provided)
}

// Matches 挑战的收款方、token、最小金额与上下文是否与 req 按 Build 的规则生成的一致
func (b *ChallengeBuilder) Matches(ch *models.X402Challenge, req BuildRequest) bool {
	if ch == nil || ch.Recipient != strings.TrimSpace(req.Recipient) {
		return false
	}
	token := normalizeToken(req.Token)
	if token == "" {
		token = b.defaultToken
	}
	if ch.Token != token {
		return false
	}
	minAmount := strings.TrimSpace(req.MinAmount)
	if minAmount == "" {
		minAmount = b.defaultMinAmount
	}
	amount, err := parsePositiveInt(minAmount)
	if err != nil || ch.MinAmount != amount.String() {
		return false
	}
	contextHash, err := ContextHash(req.Context)
	return err == nil && ch.ContextHash == contextHash
}

// Expired 挑战是否已过期
func (b *ChallengeBuilder) Expired(ch *models.X402Challenge) bool {
	return !b.now().Before(time.Unix(ch.ExpiresAt, 0))
}

// sign 对除签名外的全部字段做 HMAC-SHA256
func (b *ChallengeBuilder) sign(ch *models.X402Challenge) string {
	mac := hmac.New(sha256.New, b.secret)
	_, _ = mac.Write([]byte(canonicalString(ch)))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalString 签名输入，字段顺序固定
func canonicalString(ch *models.X402Challenge) string {
	return strings.Join([]string{
		strconv.Itoa(ch.X402Version),
		ch.Scheme,
		ch.ChallengeID,
		ch.Network,
		ch.Token,
		ch.MinAmount,
		ch.Recipient,
		ch.ContextHash,
		strconv.FormatInt(ch.ExpiresAt, 10),
	}, "|")
}

// ContextHash 对上下文做 RFC 8785 规范化后取 SHA-256，键顺序不影响结果
func ContextHash(fields map[string]interface{}) (string, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("序列化上下文失败: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("规范化上下文失败: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

// parsePositiveInt 解析正整数字符串
func parsePositiveInt(s string) (*big.Int, error) {
	n, ok := parseInteger(s)
	if !ok {
		return nil, fmt.Errorf("%q 不是整数", s)
	}
	if n.Sign() <= 0 {
		return nil, fmt.Errorf("%q 必须大于 0", s)
	}
	return n, nil
}

// parseInteger 任意精度十进制整数，不接受小数、指数或前缀
func parseInteger(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	for i, c := range s {
		if c == '-' && i == 0 && len(s) > 1 {
			continue
		}
		if c < '0' || c > '9' {
			return nil, false
		}
	}
	return new(big.Int).SetString(s, 10)
}
