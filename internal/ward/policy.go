package ward

import (
	"math/big"

	"vaultgate/pkg/models"

	"github.com/sirupsen/logrus"
)

// PolicyEngine 策略引擎
type PolicyEngine struct {
	registry *TokenRegistry
	logger   *logrus.Logger
}

// NewPolicyEngine 创建策略引擎
func NewPolicyEngine(registry *TokenRegistry, logger *logrus.Logger) *PolicyEngine {
	if registry == nil {
		registry = NewTokenRegistry()
	}
	return &PolicyEngine{
		registry: registry,
		logger:   logger,
	}
}

// Registry 返回合约注册表
func (e *PolicyEngine) Registry() *TokenRegistry {
	return e.registry
}

// Evaluate 根据快照和调用批次计算路由决策
func (e *PolicyEngine) Evaluate(snapshot *models.WardPolicySnapshot, calls []models.Call) *models.WardExecutionDecision {
	decision := Evaluate(snapshot, calls, e.registry)
	if e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"calls":          len(calls),
			"needs_guardian": decision.NeedsGuardian,
			"needs_ward_2fa": decision.NeedsWard2FA,
			"reasons":        decision.Reasons,
		}).Debug("策略评估完成")
	}
	return decision
}

// Evaluate 无状态版本，registry 为 nil 时所有外部合约都视为未知
func Evaluate(snapshot *models.WardPolicySnapshot, calls []models.Call, registry *TokenRegistry) *models.WardExecutionDecision {
	if snapshot == nil {
		snapshot = &models.WardPolicySnapshot{}
	}

	decision := &models.WardExecutionDecision{
		NeedsWard2FA: snapshot.WardHas2FA,
		Reasons:      []models.PolicyReason{},
	}

	spend := ParseSpend(snapshot, calls, registry)
	if spend.Unknown {
		decision.NeedsGuardian = true
		decision.Reasons = append(decision.Reasons, models.ReasonUnknownSpend)
		decision.NeedsGuardian2FA = snapshot.GuardianHas2FA
		return decision
	}

	maxPerTxn := orZero(snapshot.MaxPerTxn)
	dailyLimit := orZero(snapshot.DailyLimit24h)
	spent := orZero(snapshot.Spent24h)

	decision.EvaluatedSpend = spend.Amount
	decision.ProjectedSpent24h = new(big.Int).Add(spent, spend.Amount)

	// 0 表示不限；等于上限不算超限
	if maxPerTxn.Sign() > 0 && spend.Amount.Cmp(maxPerTxn) > 0 {
		decision.NeedsGuardian = true
		decision.Reasons = append(decision.Reasons, models.ReasonExceedsMaxPerTxn)
	}
	if dailyLimit.Sign() > 0 && decision.ProjectedSpent24h.Cmp(dailyLimit) > 0 {
		decision.NeedsGuardian = true
		decision.Reasons = append(decision.Reasons, models.ReasonExceedsDailyLimit)
	}
	if snapshot.RequireGuardianForAll && !spend.AllSelfCalls {
		decision.NeedsGuardian = true
		decision.Reasons = append(decision.Reasons, models.ReasonRequireGuardianForAll)
	}

	decision.NeedsGuardian2FA = decision.NeedsGuardian && snapshot.GuardianHas2FA
	return decision
}

func orZero(v *big.Int) *big.Int {
	if v == nil || v.Sign() < 0 {
		return new(big.Int)
	}
	return v
}
