package store

import (
	"context"
	"time"

	apperrors "vaultgate/internal/errors"
	"vaultgate/pkg/models"
)

// ReplayStore 重放账本。
// 状态只允许 pending→settled、pending→rejected，终态不会被覆盖；
// 每个键上的写入在各后端内原子完成。
type ReplayStore interface {
	// Get 不存在时返回 nil, nil
	Get(ctx context.Context, replayKey string) (*models.ReplayRecord, error)
	// GetByPaymentRef 不存在时返回 nil, nil
	GetByPaymentRef(ctx context.Context, paymentRef string) (*models.ReplayRecord, error)
	// UpsertPending 不存在则插入 pending；已是 pending 且没有哈希时补上哈希；终态原样返回
	UpsertPending(ctx context.Context, record *models.ReplayRecord) (*models.ReplayRecord, error)
	// MarkSettled pending→settled，txHash 为空时保留已有哈希；终态原样返回
	MarkSettled(ctx context.Context, replayKey, txHash string, mode models.ExecutionMode) (*models.ReplayRecord, error)
	// MarkRejected 不存在则直接插入 rejected；pending→rejected；终态原样返回
	MarkRejected(ctx context.Context, record *models.ReplayRecord, code models.ReasonCode) (*models.ReplayRecord, error)
	// ListPending 按创建时间升序
	ListPending(ctx context.Context, limit int) ([]*models.ReplayRecord, error)
	// ClaimAccess 已结算的键只能兑换一次访问，只有第一次调用返回 true
	ClaimAccess(ctx context.Context, replayKey string) (bool, error)
	Close() error
}

// RunStore 市场任务存储
type RunStore interface {
	Create(ctx context.Context, run *models.Run) error
	// Get 不存在时返回 nil, nil
	Get(ctx context.Context, id string) (*models.Run, error)
	ListByStatus(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error)
	// Update 仅当当前状态等于 expected 时整体写入，返回是否写入
	Update(ctx context.Context, run *models.Run, expected models.RunStatus) (bool, error)
}

// TransactionStore 交易记录存储
type TransactionStore interface {
	SaveTransaction(ctx context.Context, record *models.TransactionRecord) error
	ListTransactions(ctx context.Context, walletAddr string, limit int) ([]*models.TransactionRecord, error)
}

// Transition 条件状态转换：只有仍处于 run.Status 时才改为 to
func Transition(ctx context.Context, runs RunStore, run *models.Run, to models.RunStatus) (bool, error) {
	from := run.Status
	if from.IsTerminal() {
		return false, nil
	}
	run.Status = to
	run.UpdatedAt = time.Now()
	ok, err := runs.Update(ctx, run, from)
	if err != nil || !ok {
		run.Status = from
	}
	return ok, err
}

// applySettled 在记录副本上应用结算，终态返回 false
func applySettled(rec *models.ReplayRecord, txHash string, mode models.ExecutionMode, now time.Time) bool {
	if rec.Status.IsTerminal() {
		return false
	}
	rec.Status = models.ReplaySettled
	if txHash != "" {
		rec.SettlementTxHash = txHash
	}
	if mode != "" {
		rec.ExecutionMode = mode
	}
	rec.ReasonCode = ""
	rec.UpdatedAt = now
	return true
}

// applyRejected 在记录副本上应用拒绝，终态返回 false
func applyRejected(rec *models.ReplayRecord, code models.ReasonCode, now time.Time) bool {
	if rec.Status.IsTerminal() {
		return false
	}
	rec.Status = models.ReplayRejected
	rec.ReasonCode = code
	rec.UpdatedAt = now
	return true
}

// newRecord 由模板生成新记录
func newRecord(template *models.ReplayRecord, status models.ReplayStatus, now time.Time) *models.ReplayRecord {
	rec := *template
	rec.Status = status
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return &rec
}

func notFound(replayKey string) error {
	return apperrors.New(apperrors.ErrorTypeStore, apperrors.SeverityLow, apperrors.ErrNotFound.Code,
		"重放记录不存在").WithContext("replay_key", replayKey)
}

func storeError(err error, code, msg string) error {
	return apperrors.Wrap(err, apperrors.ErrorTypeStore, apperrors.SeverityHigh, code, msg).WithComponent("store")
}
