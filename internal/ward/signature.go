package ward

import (
	"fmt"

	"vaultgate/pkg/models"
)

// SignatureSet 各方的部分签名
type SignatureSet struct {
	Ward        []string `json:"ward"`
	Ward2FA     []string `json:"ward_2fa,omitempty"`
	Guardian    []string `json:"guardian,omitempty"`
	Guardian2FA []string `json:"guardian_2fa,omitempty"`
}

// AssembleSignatures 按链上验证器要求的固定顺序拼接签名：
// ward → ward 2fa → guardian → guardian 2fa。顺序不可调整。
func AssembleSignatures(ward, ward2fa, guardian, guardian2fa []string) []string {
	out := make([]string, 0, len(ward)+len(ward2fa)+len(guardian)+len(guardian2fa))
	out = append(out, ward...)
	out = append(out, ward2fa...)
	out = append(out, guardian...)
	out = append(out, guardian2fa...)
	return out
}

// Assemble 按决策检查必需签名是否齐全后拼接；决策不需要的签名不会被带上
func (s *SignatureSet) Assemble(decision *models.WardExecutionDecision) ([]string, error) {
	if len(s.Ward) == 0 {
		return nil, fmt.Errorf("缺少 ward 签名")
	}

	var ward2fa, guardian, guardian2fa []string
	needsGuardian := decision != nil && decision.NeedsGuardian

	if decision != nil && decision.NeedsWard2FA {
		if len(s.Ward2FA) == 0 {
			return nil, fmt.Errorf("缺少 ward 第二因子签名")
		}
		ward2fa = s.Ward2FA
	}
	if needsGuardian {
		if len(s.Guardian) == 0 {
			return nil, fmt.Errorf("缺少 guardian 签名")
		}
		guardian = s.Guardian
		if decision.NeedsGuardian2FA {
			if len(s.Guardian2FA) == 0 {
				return nil, fmt.Errorf("缺少 guardian 第二因子签名")
			}
			guardian2fa = s.Guardian2FA
		}
	}

	return AssembleSignatures(s.Ward, ward2fa, guardian, guardian2fa), nil
}
