package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"vaultgate/internal/validation"
	"vaultgate/pkg/models"
)

// HTTP 头
const (
	HeaderChallenge = "X-PAYMENT-CHALLENGE"
	HeaderPayment   = "X-PAYMENT"
	HeaderResponse  = "X-PAYMENT-RESPONSE"
)

// DefaultMaxHeaderBytes 头部载体的默认上限
const DefaultMaxHeaderBytes = 32 * 1024

// CarrierError 载体解析失败，Status 为建议的 HTTP 状态码
type CarrierError struct {
	Status     int
	ReasonCode models.ReasonCode
	Message    string
}

func (e *CarrierError) Error() string {
	return fmt.Sprintf("%s: %s", e.ReasonCode, e.Message)
}

func invalidPayload(format string, args ...interface{}) *CarrierError {
	return &CarrierError{
		Status:     http.StatusBadRequest,
		ReasonCode: models.CodeInvalidPayload,
		Message:    fmt.Sprintf(format, args...),
	}
}

// envelope 协议版本判别字段
type envelope struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
}

// PaymentRequest 一次支付提交：挑战 + 载荷
type PaymentRequest struct {
	Challenge *models.X402Challenge      `json:"challenge"`
	Payment   *models.X402PaymentPayload `json:"payment"`
}

// Codec 协议边界的解码与形状校验
type Codec struct {
	validator      *validation.Validator
	maxHeaderBytes int
}

// NewCodec 创建协议编解码器
func NewCodec(maxHeaderBytes int, validator *validation.Validator) *Codec {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	return &Codec{validator: validator, maxHeaderBytes: maxHeaderBytes}
}

// MaxHeaderBytes 头部上限
func (c *Codec) MaxHeaderBytes() int {
	return c.maxHeaderBytes
}

// checkEnvelope 只接受已知的版本与方案
func checkEnvelope(raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return invalidPayload("JSON 格式错误: %v", err)
	}
	if env.X402Version != models.X402Version1 {
		return invalidPayload("不支持的协议版本: %d", env.X402Version)
	}
	if env.Scheme != models.SchemeTongoShielded {
		return invalidPayload("不支持的方案: %q", env.Scheme)
	}
	return nil
}

// DecodeChallenge 解码并校验挑战
func (c *Codec) DecodeChallenge(raw []byte) (*models.X402Challenge, error) {
	if err := checkEnvelope(raw); err != nil {
		return nil, err
	}
	var ch models.X402Challenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, invalidPayload("解码挑战失败: %v", err)
	}
	if c.validator != nil {
		if result := c.validator.ValidateChallenge(&ch); !result.Valid {
			return nil, invalidPayload("挑战格式无效: %v", result.Err())
		}
	}
	return &ch, nil
}

// DecodePayment 解码并校验支付载荷
func (c *Codec) DecodePayment(raw []byte) (*models.X402PaymentPayload, error) {
	if err := checkEnvelope(raw); err != nil {
		return nil, err
	}
	var p models.X402PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidPayload("解码支付载荷失败: %v", err)
	}
	if c.validator != nil {
		if result := c.validator.ValidatePayment(&p); !result.Valid {
			return nil, invalidPayload("支付载荷格式无效: %v", result.Err())
		}
	}
	return &p, nil
}

// FromHeaders 从请求头提取；两个头都不存在时返回 nil, nil
func (c *Codec) FromHeaders(h http.Header) (*PaymentRequest, error) {
	rawChallenge := strings.TrimSpace(h.Get(HeaderChallenge))
	rawPayment := strings.TrimSpace(h.Get(HeaderPayment))
	if rawChallenge == "" && rawPayment == "" {
		return nil, nil
	}
	if rawChallenge == "" || rawPayment == "" {
		return nil, invalidPayload("%s 与 %s 必须同时提供", HeaderChallenge, HeaderPayment)
	}
	if len(rawChallenge)+len(rawPayment) > c.maxHeaderBytes {
		return nil, &CarrierError{
			Status:     http.StatusRequestEntityTooLarge,
			ReasonCode: models.CodeInvalidPayload,
			Message:    fmt.Sprintf("支付头超过 %d 字节，请改用请求体提交", c.maxHeaderBytes),
		}
	}

	challengeJSON, err := decodeHeaderValue(rawChallenge)
	if err != nil {
		return nil, invalidPayload("%s 解码失败: %v", HeaderChallenge, err)
	}
	paymentJSON, err := decodeHeaderValue(rawPayment)
	if err != nil {
		return nil, invalidPayload("%s 解码失败: %v", HeaderPayment, err)
	}

	return c.decodePair(challengeJSON, paymentJSON)
}

// FromBody 从请求体 {challenge, payment} 提取，不设大小上限
func (c *Codec) FromBody(body []byte) (*PaymentRequest, error) {
	var parts struct {
		Challenge json.RawMessage `json:"challenge"`
		Payment   json.RawMessage `json:"payment"`
	}
	if err := json.Unmarshal(body, &parts); err != nil {
		return nil, invalidPayload("请求体格式错误: %v", err)
	}
	if len(parts.Challenge) == 0 || len(parts.Payment) == 0 {
		return nil, invalidPayload("请求体必须包含 challenge 与 payment")
	}
	return c.decodePair(parts.Challenge, parts.Payment)
}

func (c *Codec) decodePair(challengeJSON, paymentJSON []byte) (*PaymentRequest, error) {
	ch, err := c.DecodeChallenge(challengeJSON)
	if err != nil {
		return nil, err
	}
	p, err := c.DecodePayment(paymentJSON)
	if err != nil {
		return nil, err
	}
	return &PaymentRequest{Challenge: ch, Payment: p}, nil
}

// decodeHeaderValue 头部值可以是原始 JSON 或 base64url 编码的 JSON
func decodeHeaderValue(v string) ([]byte, error) {
	if strings.HasPrefix(v, "{") {
		return []byte(v), nil
	}
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		if decoded, err := enc.DecodeString(v); err == nil {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("既不是 JSON 也不是 base64")
}

// EncodeHeader 编码为 base64url JSON 头部值
func EncodeHeader(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// 证明信封中可能出现的结算哈希字段
var settlementHashKeys = []string{"settlement_tx_hash", "settlementTxHash", "tx_hash", "txHash"}

// SettlementTxHash 解析结算哈希：优先载荷字段，其次证明信封（JSON 或 base64 JSON）
func SettlementTxHash(p *models.X402PaymentPayload) (string, bool) {
	if p == nil {
		return "", false
	}
	if h := strings.TrimSpace(p.SettlementTxHash); h != "" && validation.IsTxHash(h) {
		return h, true
	}

	proof := strings.TrimSpace(p.Proof)
	candidates := [][]byte{[]byte(proof)}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(proof); err == nil {
			candidates = append(candidates, decoded)
			break
		}
	}

	for _, raw := range candidates {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			continue
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			continue
		}
		for _, key := range settlementHashKeys {
			if h, ok := fields[key].(string); ok && validation.IsTxHash(strings.TrimSpace(h)) {
				return strings.TrimSpace(h), true
			}
		}
	}
	return "", false
}
