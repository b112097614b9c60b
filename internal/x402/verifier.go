package x402

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"vaultgate/pkg/models"
)

// 校验模式
const (
	ModeLenient = "lenient"
	ModeStrict  = "strict"
)

const (
	lenientMinProofLen = 16
	strictMinProofLen  = 32
	strictMaxProofLen  = 64 * 1024
)

var strictProofCharset = regexp.MustCompile(`^[A-Za-z0-9+/=_:.\-]+$`)

// VerifyResult 证明校验结果
type VerifyResult struct {
	OK         bool
	ReasonCode models.ReasonCode
	Detail     string
}

func accept() VerifyResult { return VerifyResult{OK: true} }

func reject(code models.ReasonCode, detail string) VerifyResult {
	return VerifyResult{ReasonCode: code, Detail: detail}
}

// ProofVerifier 可插拔的证明校验器
type ProofVerifier interface {
	VerifyProof(ctx context.Context, ch *models.X402Challenge, p *models.X402PaymentPayload) VerifyResult
	Mode() string
}

// ShieldedVerifier 外部零知识转账校验，只消费通过/不通过
type ShieldedVerifier interface {
	VerifyShieldedTransfer(ctx context.Context, ch *models.X402Challenge, p *models.X402PaymentPayload) (bool, error)
}

// LenientVerifier 只检查最小长度，仅用于演示环境
type LenientVerifier struct{}

// VerifyProof 实现 ProofVerifier
func (LenientVerifier) VerifyProof(_ context.Context, _ *models.X402Challenge, p *models.X402PaymentPayload) VerifyResult {
	if len(strings.TrimSpace(p.Proof)) < lenientMinProofLen {
		return reject(models.CodeInvalidPayload, "proof 过短")
	}
	return accept()
}

// Mode 实现 ProofVerifier
func (LenientVerifier) Mode() string { return ModeLenient }

// StrictVerifier 校验证明的字符集与长度，密码学校验交给 ShieldedVerifier
type StrictVerifier struct {
	Shielded ShieldedVerifier
}

// VerifyProof 实现 ProofVerifier
func (v *StrictVerifier) VerifyProof(ctx context.Context, ch *models.X402Challenge, p *models.X402PaymentPayload) VerifyResult {
	proof := p.Proof
	if len(proof) < strictMinProofLen || len(proof) > strictMaxProofLen {
		return reject(models.CodeInvalidPayload, fmt.Sprintf("proof 长度 %d 不在 [%d, %d] 内", len(proof), strictMinProofLen, strictMaxProofLen))
	}
	if !strictProofCharset.MatchString(proof) {
		return reject(models.CodeInvalidPayload, "proof 含有非法字符")
	}
	if strings.TrimSpace(p.TongoAddress) == "" {
		return reject(models.CodeInvalidPayload, "缺少 tongoAddress")
	}

	if v.Shielded == nil {
		return accept()
	}
	ok, err := v.Shielded.VerifyShieldedTransfer(ctx, ch, p)
	if err != nil {
		return reject(models.CodeRPCFailure, err.Error())
	}
	if !ok {
		return reject(models.CodeInvalidPayload, "零知识证明校验未通过")
	}
	return accept()
}

// Mode 实现 ProofVerifier
func (v *StrictVerifier) Mode() string { return ModeStrict }

// NewProofVerifier 按配置选择校验器
func NewProofVerifier(mode string, shielded ShieldedVerifier) (ProofVerifier, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeLenient:
		return LenientVerifier{}, nil
	case ModeStrict, "":
		return &StrictVerifier{Shielded: shielded}, nil
	default:
		return nil, fmt.Errorf("未知的证明校验模式: %s", mode)
	}
}
