package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "vaultgate/internal/errors"
	"vaultgate/internal/logging"
	"vaultgate/internal/metrics"
	"vaultgate/internal/store"
	"vaultgate/pkg/models"

	"github.com/sirupsen/logrus"
)

// 任务失败原因
const (
	ReasonMissingPaymentRef = "missing payment reference"
	ReasonRuntimeFailed     = "AGENT_RUNTIME_FAILED"
)

// DefaultLimit 单轮每个阶段的处理上限
const DefaultLimit = 20

// ErrAlreadyRunning 上一轮对账仍在进行
var ErrAlreadyRunning = apperrors.New(apperrors.ErrorTypeConflict, apperrors.SeverityLow, "RECONCILE_RUNNING", "对账任务正在运行")

// ReplayLedger 对账需要的账本操作
type ReplayLedger interface {
	GetByPaymentRef(ctx context.Context, paymentRef string) (*models.ReplayRecord, error)
	MarkSettled(ctx context.Context, replayKey, txHash string, mode models.ExecutionMode) (*models.ReplayRecord, error)
	MarkRejected(ctx context.Context, record *models.ReplayRecord, code models.ReasonCode) (*models.ReplayRecord, error)
	ListPending(ctx context.Context, limit int) ([]*models.ReplayRecord, error)
}

// SettlementChecker 链上结算查询
type SettlementChecker interface {
	VerifySettlementTxHash(ctx context.Context, txHash string) *models.SettlementCheck
}

// RuntimeInput 代理运行时输入
type RuntimeInput struct {
	RunID      string                 `json:"run_id"`
	AgentID    string                 `json:"agent_id"`
	Action     string                 `json:"action"`
	Params     map[string]interface{} `json:"params,omitempty"`
	PaymentRef string                 `json:"payment_ref"`
}

// RuntimeOutput 代理运行时输出
type RuntimeOutput struct {
	Success  bool                   `json:"success"`
	TxHashes []string               `json:"tx_hashes,omitempty"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// AgentRuntime 外部代理运行时
type AgentRuntime interface {
	ExecuteAgentRuntime(ctx context.Context, input *RuntimeInput) (*RuntimeOutput, error)
}

// EventSink 对账事件输出
type EventSink interface {
	PublishPayment(ctx context.Context, record *models.ReplayRecord) error
	PublishRun(ctx context.Context, run *models.Run) error
}

// Deps 对账依赖
type Deps struct {
	Ledger   ReplayLedger
	Runs     store.RunStore
	Checker  SettlementChecker
	Identity *IdentityResolver
	Runtime  AgentRuntime
	Events   EventSink // 可选
}

// Summary 单轮对账统计
type Summary struct {
	PaymentsChecked     int       `json:"payments_checked"`
	PaymentsSettled     int       `json:"payments_settled"`
	PaymentsRejected    int       `json:"payments_rejected"`
	PaymentsPending     int       `json:"payments_pending"`
	PaymentsWithoutHash int       `json:"payments_without_hash"`
	RunsChecked         int       `json:"runs_checked"`
	RunsWaiting         int       `json:"runs_waiting"`
	RunsCompleted       int       `json:"runs_completed"`
	RunsFailed          int       `json:"runs_failed"`
	RunsConflicts       int       `json:"runs_conflicts"`
	Errors              int       `json:"errors"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
}

// Worker 对账任务：推进 pending 支付，再推进等待支付的任务。
// 同一进程内不重叠；跨进程依赖任务状态的条件更新。
type Worker struct {
	deps    Deps
	logger  *logrus.Logger
	errors  *apperrors.ErrorHandler
	running sync.Mutex
	mu      sync.RWMutex
	last    *Summary
	passes  int
}

// NewWorker 创建对账任务
func NewWorker(deps Deps, logger *logrus.Logger) *Worker {
	if deps.Identity == nil {
		deps.Identity = &IdentityResolver{}
	}
	return &Worker{
		deps:   deps,
		logger: logger,
		errors: apperrors.NewErrorHandler(logger),
	}
}

// Run 执行一轮对账，两个阶段分别以 limit 为上限
func (w *Worker) Run(ctx context.Context, limit int) (*Summary, error) {
	if !w.running.TryLock() {
		metrics.ReconcileRunsSkipped.Inc()
		return nil, ErrAlreadyRunning
	}
	defer w.running.Unlock()

	if limit <= 0 {
		limit = DefaultLimit
	}
	summary := &Summary{StartedAt: time.Now().UTC()}

	if err := w.reconcilePayments(ctx, limit, summary); err != nil {
		return summary, err
	}
	if err := w.reconcileRuns(ctx, limit, summary); err != nil {
		return summary, err
	}
	summary.FinishedAt = time.Now().UTC()

	w.mu.Lock()
	w.last = summary
	w.passes++
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"payments_checked": summary.PaymentsChecked,
		"payments_settled": summary.PaymentsSettled,
		"runs_checked":     summary.RunsChecked,
		"runs_completed":   summary.RunsCompleted,
		"runs_failed":      summary.RunsFailed,
		"errors":           summary.Errors,
	}).Info("对账完成")
	return summary, nil
}

// Start 按固定间隔对账直到 ctx 结束
func (w *Worker) Start(ctx context.Context, interval time.Duration, limit int) error {
	w.logger.Infof("对账任务启动，间隔 %s，每阶段上限 %d", interval, limit)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.Run(ctx, limit); err != nil {
				if apperrors.IsCode(err, ErrAlreadyRunning.Code) {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.errors.Handle("reconcile", err)
			}
		case <-ctx.Done():
			w.logger.Info("对账任务已停止")
			return ctx.Err()
		}
	}
}

// reconcilePayments 支付阶段
func (w *Worker) reconcilePayments(ctx context.Context, limit int, summary *Summary) error {
	pending, err := w.deps.Ledger.ListPending(ctx, limit)
	if err != nil {
		return fmt.Errorf("查询待结算支付失败: %w", err)
	}

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		summary.PaymentsChecked++
		log := logging.NewPaymentLogger(w.logger, rec.ReplayKey, rec.ChallengeID)

		if strings.TrimSpace(rec.SettlementTxHash) == "" {
			summary.PaymentsWithoutHash++
			metrics.ReconcileTotal.WithLabelValues("payments", "no_hash").Inc()
			continue
		}
		if w.deps.Checker == nil {
			summary.PaymentsPending++
			metrics.ReconcileTotal.WithLabelValues("payments", "pending").Inc()
			continue
		}

		check := w.deps.Checker.VerifySettlementTxHash(ctx, rec.SettlementTxHash)
		switch check.State {
		case models.SettlementSettled:
			txHash := check.TxHash
			if txHash == "" {
				txHash = rec.SettlementTxHash
			}
			updated, err := w.deps.Ledger.MarkSettled(ctx, rec.ReplayKey, txHash, check.ExecutionMode)
			if err != nil {
				w.recordError(summary, "payments", err)
				continue
			}
			summary.PaymentsSettled++
			metrics.ReconcileTotal.WithLabelValues("payments", "settled").Inc()
			log.WithField("tx_hash", txHash).Info("支付已结算")
			w.publishPayment(ctx, updated)

		case models.SettlementFailed:
			updated, err := w.deps.Ledger.MarkRejected(ctx, rec, check.ReasonCode)
			if err != nil {
				w.recordError(summary, "payments", err)
				continue
			}
			summary.PaymentsRejected++
			metrics.ReconcileTotal.WithLabelValues("payments", "rejected").Inc()
			log.WithFields(logrus.Fields{"reason_code": check.ReasonCode, "detail": check.Detail}).Warn("支付结算失败")
			w.publishPayment(ctx, updated)

		default:
			summary.PaymentsPending++
			metrics.ReconcileTotal.WithLabelValues("payments", "pending").Inc()
			log.Debugf("支付仍在等待链上确认: %s", check.Detail)
		}
	}
	return nil
}

// reconcileRuns 任务阶段；先处理 pending_payment，再接管上一轮停在 queued 的任务
func (w *Worker) reconcileRuns(ctx context.Context, limit int, summary *Summary) error {
	runs, err := w.deps.Runs.ListByStatus(ctx, models.RunPendingPayment, limit)
	if err != nil {
		return fmt.Errorf("查询等待支付的任务失败: %w", err)
	}
	if remaining := limit - len(runs); remaining > 0 {
		queued, err := w.deps.Runs.ListByStatus(ctx, models.RunQueued, remaining)
		if err != nil {
			return fmt.Errorf("查询排队任务失败: %w", err)
		}
		runs = append(runs, queued...)
	}

	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return err
		}
		summary.RunsChecked++
		if err := w.advanceRun(ctx, run, summary); err != nil {
			w.recordError(summary, "runs", apperrors.Wrap(err, apperrors.ErrorTypeStore, apperrors.SeverityMedium,
				"RUN_ADVANCE_FAILED", "推进任务失败").WithContext("run_id", run.ID))
		}
	}
	return nil
}

// advanceRun 推进单个任务
func (w *Worker) advanceRun(ctx context.Context, run *models.Run, summary *Summary) error {
	log := logging.NewRunLogger(w.logger, run.ID, run.AgentID)

	if run.Status == models.RunPendingPayment {
		paymentRef := strings.TrimSpace(run.PaymentRef)
		if paymentRef == "" {
			paymentRef = strings.TrimSpace(run.PaymentEvidence.PaymentRef)
		}
		if paymentRef == "" {
			return w.failRun(ctx, run, ReasonMissingPaymentRef, summary, log)
		}

		rec, err := w.deps.Ledger.GetByPaymentRef(ctx, paymentRef)
		if err != nil {
			return err
		}
		if rec == nil || rec.Status == models.ReplayPending {
			summary.RunsWaiting++
			metrics.ReconcileTotal.WithLabelValues("runs", "waiting").Inc()
			return nil
		}

		run.PaymentEvidence.PaymentRef = paymentRef
		run.PaymentEvidence.SettlementTxHash = rec.SettlementTxHash
		run.PaymentEvidence.UpdatedAt = time.Now().UTC()
		if rec.Status != models.ReplaySettled {
			run.PaymentEvidence.ReasonCode = rec.ReasonCode
			return w.failRun(ctx, run, string(rec.ReasonCode), summary, log)
		}

		run.PaymentEvidence.State = string(models.ReplaySettled)
		ok, err := store.Transition(ctx, w.deps.Runs, run, models.RunQueued)
		if err != nil {
			return err
		}
		if !ok {
			return w.conflict(summary, log)
		}
		log.Info("支付已结算，任务进入队列")
	}

	return w.executeQueued(ctx, run, summary, log)
}

// executeQueued 校验身份后执行 queued 任务
func (w *Worker) executeQueued(ctx context.Context, run *models.Run, summary *Summary, log *logrus.Entry) error {
	res, err := w.deps.Identity.Resolve(ctx, run.AgentID)
	if err != nil {
		// 协作方暂时不可用，任务留在 queued 由下一轮接管
		log.Warnf("解析代理身份失败: %v", err)
		return err
	}
	if res.Enforced() && !res.Verified {
		return w.failRun(ctx, run, string(models.CodeOnchainIdentityMismatch), summary, log)
	}
	if diff := ContextDiff(run.PaymentEvidence.IdentityContext, res.Context); len(diff) > 0 {
		log.WithField("fields", diff).Warn("身份快照与当前身份不一致")
		return w.failRun(ctx, run, string(models.CodeOnchainIdentityContextMismatch), summary, log)
	}

	ok, err := store.Transition(ctx, w.deps.Runs, run, models.RunRunning)
	if err != nil {
		return err
	}
	if !ok {
		return w.conflict(summary, log)
	}

	if w.deps.Runtime == nil {
		return w.finishRun(ctx, run, &RuntimeOutput{Error: "未配置代理运行时"}, summary, log)
	}
	out, err := w.deps.Runtime.ExecuteAgentRuntime(ctx, &RuntimeInput{
		RunID:      run.ID,
		AgentID:    run.AgentID,
		Action:     run.Action,
		Params:     run.Params,
		PaymentRef: run.PaymentRef,
	})
	if err != nil {
		out = &RuntimeOutput{Error: err.Error()}
	}
	if out == nil {
		out = &RuntimeOutput{Error: "代理运行时没有返回结果"}
	}
	return w.finishRun(ctx, run, out, summary, log)
}

// finishRun 写入执行结果，running→completed/failed
func (w *Worker) finishRun(ctx context.Context, run *models.Run, out *RuntimeOutput, summary *Summary, log *logrus.Entry) error {
	to := models.RunCompleted
	run.ExecutionTxHashes = out.TxHashes
	run.Result = out.Result
	if !out.Success {
		to = models.RunFailed
		run.ReasonCode = ReasonRuntimeFailed
		if out.Error != "" {
			if run.Result == nil {
				run.Result = map[string]interface{}{}
			}
			run.Result["error"] = out.Error
		}
	}
	run.PaymentEvidence.State = string(to)
	run.PaymentEvidence.UpdatedAt = time.Now().UTC()

	ok, err := store.Transition(ctx, w.deps.Runs, run, to)
	if err != nil {
		return err
	}
	if !ok {
		return w.conflict(summary, log)
	}

	if to == models.RunCompleted {
		summary.RunsCompleted++
		metrics.ReconcileTotal.WithLabelValues("runs", "completed").Inc()
		log.WithField("tx_hashes", run.ExecutionTxHashes).Info("任务执行完成")
	} else {
		summary.RunsFailed++
		metrics.ReconcileTotal.WithLabelValues("runs", "failed").Inc()
		log.Warnf("任务执行失败: %s", out.Error)
	}
	w.publishRun(ctx, run)
	return nil
}

// failRun 以原因码结束任务，结果同步到支付凭证
func (w *Worker) failRun(ctx context.Context, run *models.Run, reason string, summary *Summary, log *logrus.Entry) error {
	run.ReasonCode = reason
	run.PaymentEvidence.State = string(models.RunFailed)
	run.PaymentEvidence.UpdatedAt = time.Now().UTC()

	ok, err := store.Transition(ctx, w.deps.Runs, run, models.RunFailed)
	if err != nil {
		return err
	}
	if !ok {
		return w.conflict(summary, log)
	}

	summary.RunsFailed++
	metrics.ReconcileTotal.WithLabelValues("runs", "failed").Inc()
	log.WithField("reason_code", reason).Warn("任务失败")
	w.publishRun(ctx, run)
	return nil
}

func (w *Worker) conflict(summary *Summary, log *logrus.Entry) error {
	summary.RunsConflicts++
	metrics.ReconcileTotal.WithLabelValues("runs", "conflict").Inc()
	log.Info("任务状态已被其他进程推进，跳过")
	return nil
}

func (w *Worker) recordError(summary *Summary, phase string, err error) {
	summary.Errors++
	metrics.ReconcileTotal.WithLabelValues(phase, "error").Inc()
	w.errors.Handle("reconcile", err)
}

func (w *Worker) publishPayment(ctx context.Context, rec *models.ReplayRecord) {
	if w.deps.Events == nil || rec == nil {
		return
	}
	if err := w.deps.Events.PublishPayment(ctx, rec); err != nil {
		w.logger.Warnf("发送支付事件失败: %v", err)
	}
}

func (w *Worker) publishRun(ctx context.Context, run *models.Run) {
	if w.deps.Events == nil {
		return
	}
	if err := w.deps.Events.PublishRun(ctx, run); err != nil {
		w.logger.Warnf("发送任务事件失败: %v", err)
	}
}

// Stats 最近一轮统计与错误统计
func (w *Worker) Stats() map[string]interface{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return map[string]interface{}{
		"passes":       w.passes,
		"last_summary": w.last,
		"errors":       w.errors.Stats(),
	}
}
