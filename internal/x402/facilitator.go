package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"vaultgate/internal/logging"
	"vaultgate/internal/metrics"
	"vaultgate/pkg/models"

	"github.com/sirupsen/logrus"
)

// PaymentRefPrefix paymentRef = "pay_" + replayKey
const PaymentRefPrefix = "pay_"

// ReplayStore 幂等账本；每个键上的写入必须原子
type ReplayStore interface {
	Get(ctx context.Context, replayKey string) (*models.ReplayRecord, error)
	UpsertPending(ctx context.Context, record *models.ReplayRecord) (*models.ReplayRecord, error)
	MarkSettled(ctx context.Context, replayKey, txHash string, mode models.ExecutionMode) (*models.ReplayRecord, error)
	MarkRejected(ctx context.Context, record *models.ReplayRecord, code models.ReasonCode) (*models.ReplayRecord, error)
	ClaimAccess(ctx context.Context, replayKey string) (bool, error)
}

// SettlementChecker 链上结算查询
type SettlementChecker interface {
	VerifySettlementTxHash(ctx context.Context, txHash string) *models.SettlementCheck
}

// PaymentEventSink 支付事件输出
type PaymentEventSink interface {
	PublishPayment(ctx context.Context, record *models.ReplayRecord) error
}

// FacilitatorOptions 可选依赖
type FacilitatorOptions struct {
	Checker                SettlementChecker // 为 nil 时不做链上校验
	Events                 PaymentEventSink
	LegacySettlementCompat bool
}

// Facilitator verify/settle 编排
type Facilitator struct {
	builder  *ChallengeBuilder
	store    ReplayStore
	verifier ProofVerifier
	opts     FacilitatorOptions
	logger   *logrus.Logger
}

// NewFacilitator 创建 Facilitator
func NewFacilitator(builder *ChallengeBuilder, store ReplayStore, verifier ProofVerifier, opts FacilitatorOptions, logger *logrus.Logger) *Facilitator {
	return &Facilitator{
		builder:  builder,
		store:    store,
		verifier: verifier,
		opts:     opts,
		logger:   logger,
	}
}

// Builder 返回挑战签发器
func (f *Facilitator) Builder() *ChallengeBuilder {
	return f.builder
}

// PaymentRef 由 replayKey 派生支付引用
func PaymentRef(replayKey string) string {
	return PaymentRefPrefix + replayKey
}

// Verify 按顺序校验，不写账本
func (f *Facilitator) Verify(ctx context.Context, ch *models.X402Challenge, p *models.X402PaymentPayload) (*models.FacilitatorResult, error) {
	if bad := malformed(ch, p); bad != nil {
		return f.observe("verify", bad), nil
	}

	existing, err := f.store.Get(ctx, p.ReplayKey)
	if err != nil {
		return nil, fmt.Errorf("查询重放记录失败: %w", err)
	}
	return f.observe("verify", f.verify(ctx, existing, ch, p)), nil
}

// verify 纯校验逻辑，existing 为已查询到的账本记录
func (f *Facilitator) verify(ctx context.Context, existing *models.ReplayRecord, ch *models.X402Challenge, p *models.X402PaymentPayload) *models.FacilitatorResult {
	ref := PaymentRef(p.ReplayKey)

	// 1. 已结算的键不能再次使用；已拒绝的键保持原拒绝结果
	if existing != nil {
		switch existing.Status {
		case models.ReplaySettled:
			return rejected(ref, models.CodeReplayDetected)
		case models.ReplayRejected:
			return rejected(ref, existing.ReasonCode)
		}
	}

	// 2. 挑战签名
	if !f.builder.Verify(ch) {
		return rejected(ref, models.CodeInvalidPayload)
	}

	// 3. 过期
	if f.builder.Expired(ch) {
		return rejected(ref, models.CodeExpiredPayment)
	}

	// 4. 上下文绑定
	if p.ContextHash != ch.ContextHash || (p.ChallengeID != "" && p.ChallengeID != ch.ChallengeID) {
		return rejected(ref, models.CodeContextMismatch)
	}

	// 5. token 与金额
	if normalizeToken(p.Token) != ch.Token {
		return rejected(ref, models.CodePolicyDenied)
	}
	amount, ok := parseInteger(p.Amount)
	if !ok {
		return rejected(ref, models.CodeInvalidPayload)
	}
	minAmount, ok := parseInteger(ch.MinAmount)
	if !ok {
		return rejected(ref, models.CodeInvalidPayload)
	}
	if amount.Cmp(minAmount) < 0 {
		return rejected(ref, models.CodePolicyDenied)
	}

	// 6. 证明
	if res := f.verifier.VerifyProof(ctx, ch, p); !res.OK {
		code := res.ReasonCode
		if code == "" {
			code = models.CodeInvalidPayload
		}
		logging.NewPaymentLogger(f.logger, p.ReplayKey, ch.ChallengeID).
			WithField("detail", res.Detail).Debug("证明校验未通过")
		return rejected(ref, code)
	}

	return &models.FacilitatorResult{Status: models.ResultAccepted, PaymentRef: ref}
}

// Settle 幂等结算；已结算的键直接返回原结果，已登记哈希的 pending 键不再校验
func (f *Facilitator) Settle(ctx context.Context, ch *models.X402Challenge, p *models.X402PaymentPayload) (*models.FacilitatorResult, error) {
	if bad := malformed(ch, p); bad != nil {
		return f.observe("settle", bad), nil
	}

	log := logging.NewPaymentLogger(f.logger, p.ReplayKey, ch.ChallengeID)

	existing, err := f.store.Get(ctx, p.ReplayKey)
	if err != nil {
		return nil, fmt.Errorf("查询重放记录失败: %w", err)
	}
	if existing != nil && existing.Status.IsTerminal() {
		return f.observe("settle", resultFromRecord(existing)), nil
	}
	// 已登记哈希的 pending 记录只看链上状态，挑战过期不影响已提交的交易
	if existing != nil && existing.SettlementTxHash != "" {
		return f.confirm(ctx, log, existing)
	}

	template := &models.ReplayRecord{
		ReplayKey:   p.ReplayKey,
		PaymentRef:  PaymentRef(p.ReplayKey),
		ChallengeID: ch.ChallengeID,
		Token:       normalizeToken(p.Token),
		Amount:      strings.TrimSpace(p.Amount),
	}

	verdict := f.verify(ctx, existing, ch, p)
	if !verdict.OK() {
		return f.reject(ctx, log, template, verdict.ReasonCode)
	}

	txHash, found := SettlementTxHash(p)
	mode := models.ExecutionReal
	if !found {
		if !f.opts.LegacySettlementCompat {
			log.Warn("支付缺少结算哈希")
			return f.reject(ctx, log, template, models.CodeSettlementFailed)
		}
		txHash = SimulatedTxHash(p.ReplayKey, ch.ChallengeID)
		mode = models.ExecutionSimulated
	}

	template.Status = models.ReplayPending
	template.SettlementTxHash = txHash
	template.ExecutionMode = mode
	pending, err := f.store.UpsertPending(ctx, template)
	if err != nil {
		return nil, fmt.Errorf("登记待结算记录失败: %w", err)
	}
	if pending.Status.IsTerminal() {
		// 并发的另一次结算已经完成
		return f.observe("settle", resultFromRecord(pending)), nil
	}
	return f.confirm(ctx, log, pending)
}

// confirm 按账本中登记的哈希确认链上状态并推进记录
func (f *Facilitator) confirm(ctx context.Context, log *logrus.Entry, pending *models.ReplayRecord) (*models.FacilitatorResult, error) {
	txHash := pending.SettlementTxHash
	mode := pending.ExecutionMode
	if mode == models.ExecutionReal && f.opts.Checker != nil {
		check := f.opts.Checker.VerifySettlementTxHash(ctx, txHash)
		switch check.State {
		case models.SettlementPending:
			log.WithField("tx_hash", txHash).Info("结算交易尚未终结，等待对账")
			return f.observe("settle", resultFromRecord(pending)), nil
		case models.SettlementFailed:
			return f.reject(ctx, log, pending, check.ReasonCode)
		}
	}

	settled, err := f.store.MarkSettled(ctx, pending.ReplayKey, txHash, mode)
	if err != nil {
		return nil, fmt.Errorf("标记结算失败: %w", err)
	}
	f.publish(ctx, log, settled)
	log.WithFields(logrus.Fields{"tx_hash": settled.SettlementTxHash, "mode": settled.ExecutionMode}).Info("支付已结算")
	return f.observe("settle", resultFromRecord(settled)), nil
}

// ClaimAccess 已结算支付兑换一次付费访问，重复兑换返回 false
func (f *Facilitator) ClaimAccess(ctx context.Context, replayKey string) (bool, error) {
	ok, err := f.store.ClaimAccess(ctx, replayKey)
	if err != nil {
		return false, fmt.Errorf("登记访问兑换失败: %w", err)
	}
	return ok, nil
}

// reject 持久化拒绝结果并返回
func (f *Facilitator) reject(ctx context.Context, log *logrus.Entry, template *models.ReplayRecord, code models.ReasonCode) (*models.FacilitatorResult, error) {
	if code == "" {
		code = models.CodeSettlementFailed
	}
	record, err := f.store.MarkRejected(ctx, template, code)
	if err != nil {
		return nil, fmt.Errorf("记录拒绝结果失败: %w", err)
	}
	f.publish(ctx, log, record)
	log.WithField("reason_code", record.ReasonCode).Info("支付被拒绝")
	return f.observe("settle", resultFromRecord(record)), nil
}

func (f *Facilitator) publish(ctx context.Context, log *logrus.Entry, record *models.ReplayRecord) {
	if f.opts.Events == nil {
		return
	}
	if err := f.opts.Events.PublishPayment(ctx, record); err != nil {
		log.Warnf("发送支付事件失败: %v", err)
	}
}

func (f *Facilitator) observe(op string, result *models.FacilitatorResult) *models.FacilitatorResult {
	metrics.FacilitatorResultTotal.WithLabelValues(op, result.Status, string(result.ReasonCode)).Inc()
	return result
}

// malformed 缺少基本字段时直接判为 INVALID_PAYLOAD
func malformed(ch *models.X402Challenge, p *models.X402PaymentPayload) *models.FacilitatorResult {
	if ch == nil || p == nil || strings.TrimSpace(p.ReplayKey) == "" {
		ref := ""
		if p != nil {
			ref = PaymentRef(p.ReplayKey)
		}
		return rejected(ref, models.CodeInvalidPayload)
	}
	return nil
}

func rejected(ref string, code models.ReasonCode) *models.FacilitatorResult {
	return &models.FacilitatorResult{
		Status:     models.ResultRejected,
		ReasonCode: code,
		Retryable:  IsRetryable(code),
		PaymentRef: ref,
	}
}

// IsRetryable 客户端换新挑战（新的 replayKey）后是否值得重试
func IsRetryable(code models.ReasonCode) bool {
	return code == models.CodeExpiredPayment
}

// resultFromRecord 由账本记录还原结果，重复提交得到完全相同的返回
func resultFromRecord(record *models.ReplayRecord) *models.FacilitatorResult {
	switch record.Status {
	case models.ReplaySettled:
		return &models.FacilitatorResult{
			Status:        models.ResultSettled,
			PaymentRef:    record.PaymentRef,
			TxHash:        record.SettlementTxHash,
			ExecutionMode: record.ExecutionMode,
		}
	case models.ReplayRejected:
		return rejected(record.PaymentRef, record.ReasonCode)
	default:
		return &models.FacilitatorResult{
			Status:        models.ResultPending,
			Retryable:     true,
			PaymentRef:    record.PaymentRef,
			TxHash:        record.SettlementTxHash,
			ExecutionMode: record.ExecutionMode,
		}
	}
}

// SimulatedTxHash 兼容模式下的确定性占位哈希
func SimulatedTxHash(replayKey, challengeID string) string {
	sum := sha256.Sum256([]byte("x402-simulated|" + replayKey + "|" + challengeID))
	return "0x" + hex.EncodeToString(sum[:])
}

// ExpiresIn 距离挑战过期的时间
func ExpiresIn(ch *models.X402Challenge, now time.Time) time.Duration {
	return time.Unix(ch.ExpiresAt, 0).Sub(now)
}
