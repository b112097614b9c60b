package ward

import (
	"math/big"
	"strconv"
	"testing"

	"vaultgate/pkg/models"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotWith(maxPerTxn, daily, spent int64) *models.WardPolicySnapshot {
	return &models.WardPolicySnapshot{
		WardAddress:     wardAddress,
		GuardianAddress: "0x999",
		MaxPerTxn:       big.NewInt(maxPerTxn),
		DailyLimit24h:   big.NewInt(daily),
		Spent24h:        big.NewInt(spent),
	}
}

func spendCalls(amount int64) []models.Call {
	return []models.Call{transferCall(strkToken, strconv.FormatInt(amount, 10), "0")}
}

func TestEvaluate_WithinLimits(t *testing.T) {
	engine := NewPolicyEngine(testRegistry(), logrus.New())
	decision := engine.Evaluate(snapshotWith(100, 500, 100), spendCalls(50))

	assert.False(t, decision.NeedsGuardian)
	assert.Empty(t, decision.Reasons)
	require.NotNil(t, decision.EvaluatedSpend)
	assert.Equal(t, int64(50), decision.EvaluatedSpend.Int64())
	assert.Equal(t, int64(150), decision.ProjectedSpent24h.Int64())
}

func TestEvaluate_ExceedsMaxPerTxn(t *testing.T) {
	engine := NewPolicyEngine(testRegistry(), logrus.New())
	decision := engine.Evaluate(snapshotWith(40, 500, 100), spendCalls(50))

	assert.True(t, decision.NeedsGuardian)
	assert.Contains(t, decision.Reasons, models.ReasonExceedsMaxPerTxn)
	assert.False(t, decision.HasReason(models.ReasonExceedsDailyLimit))
}

func TestEvaluate_Reasons(t *testing.T) {
	tests := []struct {
		name     string
		snapshot *models.WardPolicySnapshot
		calls    []models.Call
		guardian bool
		reasons  []models.PolicyReason
	}{
		{
			name:     "daily limit exceeded",
			snapshot: snapshotWith(0, 100, 90),
			calls:    spendCalls(11),
			guardian: true,
			reasons:  []models.PolicyReason{models.ReasonExceedsDailyLimit},
		},
		{
			name:     "both limits exceeded in order",
			snapshot: snapshotWith(10, 100, 95),
			calls:    spendCalls(11),
			guardian: true,
			reasons:  []models.PolicyReason{models.ReasonExceedsMaxPerTxn, models.ReasonExceedsDailyLimit},
		},
		{
			name:     "unknown spend short circuits",
			snapshot: func() *models.WardPolicySnapshot { s := snapshotWith(10, 100, 95); s.RequireGuardianForAll = true; return s }(),
			calls:    []models.Call{transferCall("0xbad", "1", "0")},
			guardian: true,
			reasons:  []models.PolicyReason{models.ReasonUnknownSpend},
		},
		{
			name:     "require guardian for all",
			snapshot: func() *models.WardPolicySnapshot { s := snapshotWith(0, 0, 0); s.RequireGuardianForAll = true; return s }(),
			calls:    spendCalls(1),
			guardian: true,
			reasons:  []models.PolicyReason{models.ReasonRequireGuardianForAll},
		},
		{
			name:     "self calls exempt from require guardian for all",
			snapshot: func() *models.WardPolicySnapshot { s := snapshotWith(0, 0, 0); s.RequireGuardianForAll = true; return s }(),
			calls:    []models.Call{selfCall()},
			guardian: false,
			reasons:  []models.PolicyReason{},
		},
		{
			name:     "nil limits treated as unlimited",
			snapshot: &models.WardPolicySnapshot{WardAddress: wardAddress},
			calls:    spendCalls(1_000_000),
			guardian: false,
			reasons:  []models.PolicyReason{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := Evaluate(tt.snapshot, tt.calls, testRegistry())
			assert.Equal(t, tt.guardian, decision.NeedsGuardian)
			assert.Equal(t, tt.reasons, decision.Reasons)
		})
	}
}

func TestEvaluate_UnknownSpendHasNilEvaluatedSpend(t *testing.T) {
	decision := Evaluate(snapshotWith(0, 0, 0), []models.Call{transferCall("0xbad", "1", "0")}, testRegistry())
	assert.Nil(t, decision.EvaluatedSpend)
	assert.Nil(t, decision.ProjectedSpent24h)
	assert.True(t, decision.HasReason(models.ReasonUnknownSpend))
}

func TestEvaluate_SecondFactorFlags(t *testing.T) {
	s := snapshotWith(10, 0, 0)
	s.WardHas2FA = true
	s.GuardianHas2FA = true

	// 未升级：ward 2fa 依然需要，guardian 2fa 不需要
	decision := Evaluate(s, spendCalls(5), testRegistry())
	assert.False(t, decision.NeedsGuardian)
	assert.True(t, decision.NeedsWard2FA)
	assert.False(t, decision.NeedsGuardian2FA)
	assert.True(t, decision.NeedsEscalation())

	// 升级：两个 2fa 都需要
	decision = Evaluate(s, spendCalls(11), testRegistry())
	assert.True(t, decision.NeedsGuardian)
	assert.True(t, decision.NeedsWard2FA)
	assert.True(t, decision.NeedsGuardian2FA)

	s.GuardianHas2FA = false
	decision = Evaluate(s, spendCalls(11), testRegistry())
	assert.False(t, decision.NeedsGuardian2FA)
}

func TestEvaluate_BoundaryProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	registry := testRegistry()

	properties.Property("spend equal to maxPerTxn never exceeds, one over does", prop.ForAll(
		func(limit int64) bool {
			atLimit := Evaluate(snapshotWith(limit, 0, 0), spendCalls(limit), registry)
			over := Evaluate(snapshotWith(limit, 0, 0), spendCalls(limit+1), registry)
			return !atLimit.HasReason(models.ReasonExceedsMaxPerTxn) &&
				over.HasReason(models.ReasonExceedsMaxPerTxn) && over.NeedsGuardian
		},
		gen.Int64Range(1, 1<<40),
	))

	properties.Property("projected equal to dailyLimit never exceeds, one over does", prop.ForAll(
		func(spent, spend int64) bool {
			limit := spent + spend
			atLimit := Evaluate(snapshotWith(0, limit, spent), spendCalls(spend), registry)
			over := Evaluate(snapshotWith(0, limit, spent+1), spendCalls(spend), registry)
			return !atLimit.HasReason(models.ReasonExceedsDailyLimit) &&
				over.HasReason(models.ReasonExceedsDailyLimit)
		},
		gen.Int64Range(0, 1<<40),
		gen.Int64Range(1, 1<<40),
	))

	properties.Property("zero limits never trigger EXCEEDS reasons", prop.ForAll(
		func(spent, spend int64) bool {
			d := Evaluate(snapshotWith(0, 0, spent), spendCalls(spend), registry)
			return !d.HasReason(models.ReasonExceedsMaxPerTxn) &&
				!d.HasReason(models.ReasonExceedsDailyLimit) && !d.NeedsGuardian
		},
		gen.Int64Range(0, 1<<50),
		gen.Int64Range(0, 1<<50),
	))

	properties.Property("require guardian for all: self calls exempt, one external call is not", prop.ForAll(
		func(selfCount int, external bool) bool {
			s := snapshotWith(0, 0, 0)
			s.RequireGuardianForAll = true
			calls := make([]models.Call, 0, selfCount+1)
			for i := 0; i < selfCount; i++ {
				calls = append(calls, selfCall())
			}
			if external {
				calls = append(calls, spendCalls(1)...)
			}
			d := Evaluate(s, calls, registry)
			if external {
				return d.NeedsGuardian && d.HasReason(models.ReasonRequireGuardianForAll)
			}
			return !d.NeedsGuardian && len(d.Reasons) == 0
		},
		gen.IntRange(1, 8),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
