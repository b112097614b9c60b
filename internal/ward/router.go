package ward

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "vaultgate/internal/errors"
	"vaultgate/internal/logging"
	"vaultgate/internal/metrics"
	"vaultgate/internal/validation"
	"vaultgate/pkg/models"

	"github.com/sirupsen/logrus"
)

// SnapshotProvider 外部策略快照来源
type SnapshotProvider interface {
	GetWardPolicySnapshot(ctx context.Context, wardAddress string) (*models.WardPolicySnapshot, error)
}

// TransactionStore 交易记录持久化
type TransactionStore interface {
	SaveTransaction(ctx context.Context, record *models.TransactionRecord) error
}

// Confirmer 交易确认
type Confirmer interface {
	ConfirmTransaction(ctx context.Context, txHash string) error
}

// EventSink 路由事件输出
type EventSink interface {
	PublishRoute(ctx context.Context, record *models.TransactionRecord) error
	PublishRouteFailure(ctx context.Context, failure *models.RouteFailure) error
}

// StrategyRequest 执行策略的输入
type StrategyRequest struct {
	WalletAddress string
	Calls         []models.Call
	Decision      *models.WardExecutionDecision // 非 ward 路径为 nil
	Snapshot      *models.WardPolicySnapshot    // 非 ward 路径为 nil
	Signatures    []string                      // 只在提交签名交易时填写，已按验证器顺序拼接
}

// StrategyResult 执行策略的输出，不同策略可能填不同的哈希字段。
// 审批策略可以不直接执行，只返回各方的部分签名，由路由器拼接后提交。
type StrategyResult struct {
	Approved        bool
	TxHash          string
	TransactionHash string
	Signatures      *SignatureSet
}

// Hash 归一化的交易哈希
func (r *StrategyResult) Hash() string {
	if r == nil {
		return ""
	}
	if h := strings.TrimSpace(r.TxHash); h != "" {
		return h
	}
	return strings.TrimSpace(r.TransactionHash)
}

// DirectExecutor 直接执行
type DirectExecutor interface {
	ExecuteDirect(ctx context.Context, req *StrategyRequest) (*StrategyResult, error)
}

// GuardianApprover guardian 审批（多方协签由外部完成）
type GuardianApprover interface {
	RequestGuardianApproval(ctx context.Context, req *StrategyRequest) (*StrategyResult, error)
}

// SecondFactorSigner 设备第二因子协签
type SecondFactorSigner interface {
	RequestSecondFactor(ctx context.Context, req *StrategyRequest) (*StrategyResult, error)
}

// SignedSubmitter 提交带完整签名的交易
type SignedSubmitter interface {
	SubmitSigned(ctx context.Context, req *StrategyRequest) (*StrategyResult, error)
}

// ExecuteRequest 路由请求
type ExecuteRequest struct {
	WalletAddress string                 `json:"wallet_address" binding:"required"`
	WardAddress   string                 `json:"ward_address,omitempty"`
	Has2FA        bool                   `json:"has_2fa"`
	Calls         []models.Call          `json:"calls" binding:"required"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
}

// ExecuteResult 路由结果
type ExecuteResult struct {
	Route    models.Route                  `json:"route"`
	TxHash   string                        `json:"tx_hash"`
	Decision *models.WardExecutionDecision `json:"decision,omitempty"`
	Record   *models.TransactionRecord     `json:"record"`
}

// RouterDeps 路由器依赖
type RouterDeps struct {
	Snapshots SnapshotProvider
	Direct    DirectExecutor
	Guardian  GuardianApprover
	TwoFactor SecondFactorSigner
	Submitter SignedSubmitter // 审批策略只返回部分签名时必需
	Store     TransactionStore
	Confirmer Confirmer             // 可选
	Events    EventSink             // 可选
	Validator *validation.Validator // 可选
}

// Router 交易路由器
type Router struct {
	engine         *PolicyEngine
	deps           RouterDeps
	logger         *logrus.Logger
	confirmTimeout time.Duration
	confirming     sync.WaitGroup
}

// NewRouter 创建交易路由器
func NewRouter(engine *PolicyEngine, deps RouterDeps, logger *logrus.Logger) *Router {
	return &Router{
		engine:         engine,
		deps:           deps,
		logger:         logger,
		confirmTimeout: 30 * time.Second,
	}
}

// SetConfirmTimeout 设置确认超时
func (r *Router) SetConfirmTimeout(d time.Duration) {
	if d > 0 {
		r.confirmTimeout = d
	}
}

// Execute 选择执行路径、执行并持久化交易记录
func (r *Router) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	isWard := strings.TrimSpace(req.WardAddress) != ""
	log := logging.NewRouteLogger(r.logger, req.WalletAddress, isWard)

	if r.deps.Validator != nil {
		if result := r.deps.Validator.ValidateCalls(req.Calls); !result.Valid {
			return nil, result.Err()
		}
	}

	strategyReq := &StrategyRequest{
		WalletAddress: req.WalletAddress,
		Calls:         req.Calls,
	}

	var (
		route    models.Route
		decision *models.WardExecutionDecision
	)

	if isWard {
		if r.deps.Snapshots == nil {
			return nil, apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical,
				"SNAPSHOT_PROVIDER_MISSING", "未配置策略快照来源").WithComponent("ward_router")
		}
		snapshot, err := r.deps.Snapshots.GetWardPolicySnapshot(ctx, req.WardAddress)
		if err == nil && snapshot == nil {
			err = fmt.Errorf("快照为空")
		}
		if err != nil {
			metrics.RouteTotal.WithLabelValues("ward", "snapshot_error").Inc()
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeCollaborator, apperrors.SeverityHigh,
				"SNAPSHOT_FAILED", "获取策略快照失败").WithComponent("ward_router")
		}
		if snapshot.WardAddress == "" {
			snapshot.WardAddress = req.WardAddress
		}

		decision = r.engine.Evaluate(snapshot, req.Calls)
		for _, reason := range decision.Reasons {
			metrics.PolicyReasonTotal.WithLabelValues(string(reason)).Inc()
		}
		strategyReq.Decision = decision
		strategyReq.Snapshot = snapshot

		route = models.RouteWardDirect
		if decision.NeedsEscalation() {
			route = models.RouteWardApproval
		}
	} else if req.Has2FA {
		route = models.Route2FA
	} else {
		route = models.RouteDirect
	}

	run, err := r.strategyFor(route)
	if err != nil {
		return nil, err
	}

	log = log.WithField("route", route)
	log.Info("开始执行路由")

	result, err := run(ctx, strategyReq)
	if err == nil && requiresApproval(route) && (result == nil || !result.Approved) {
		err = fmt.Errorf("审批被拒绝")
	}
	if err == nil && result != nil && result.Hash() == "" && result.Signatures != nil {
		result, err = r.submitSigned(ctx, route, strategyReq, result.Signatures)
	}
	if err == nil && result.Hash() == "" {
		err = fmt.Errorf("执行策略未返回交易哈希")
	}
	if err != nil {
		r.auditFailure(ctx, log, req, route, decision, err)
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeStrategy, apperrors.SeverityHigh,
			apperrors.ErrStrategy.Code, fmt.Sprintf("%s 执行失败", route)).WithComponent("ward_router")
	}

	txHash := result.Hash()
	accountType := models.AccountTypeNormal
	if isWard {
		accountType = models.AccountTypeWard
	}
	record := &models.TransactionRecord{
		AccountType: accountType,
		Route:       route,
		TxHash:      txHash,
		WalletAddr:  req.WalletAddress,
		Meta:        req.Meta,
		CreatedAt:   time.Now(),
	}

	if err := r.deps.Store.SaveTransaction(ctx, record); err != nil {
		metrics.RouteTotal.WithLabelValues(string(route), "store_error").Inc()
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeStore, apperrors.SeverityHigh,
			"SAVE_TRANSACTION_FAILED", "保存交易记录失败").WithComponent("ward_router").WithTxHash(txHash)
	}
	metrics.RouteTotal.WithLabelValues(string(route), "ok").Inc()

	if r.deps.Events != nil {
		if err := r.deps.Events.PublishRoute(ctx, record); err != nil {
			log.Warnf("发送路由事件失败: %v", err)
		}
	}

	r.confirm(ctx, log, txHash)
	log.WithField("tx_hash", txHash).Info("路由执行完成")

	return &ExecuteResult{
		Route:    route,
		TxHash:   txHash,
		Decision: decision,
		Record:   record,
	}, nil
}

// strategyFor 按路径选择执行策略
func (r *Router) strategyFor(route models.Route) (func(context.Context, *StrategyRequest) (*StrategyResult, error), error) {
	var run func(context.Context, *StrategyRequest) (*StrategyResult, error)
	switch route {
	case models.RouteWardApproval:
		if r.deps.Guardian != nil {
			run = r.deps.Guardian.RequestGuardianApproval
		}
	case models.Route2FA:
		if r.deps.TwoFactor != nil {
			run = r.deps.TwoFactor.RequestSecondFactor
		}
	default:
		if r.deps.Direct != nil {
			run = r.deps.Direct.ExecuteDirect
		}
	}
	if run == nil {
		return nil, apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical,
			"STRATEGY_NOT_CONFIGURED", fmt.Sprintf("未配置 %s 执行策略", route)).WithComponent("ward_router")
	}
	return run, nil
}

func requiresApproval(route models.Route) bool {
	return route == models.RouteWardApproval || route == models.Route2FA
}

// submitSigned 按决策拼接部分签名并提交。
// 非 ward 账户的 2FA 路径：账户签名在 Ward，设备签名在 Ward2FA。
func (r *Router) submitSigned(ctx context.Context, route models.Route, req *StrategyRequest, sigs *SignatureSet) (*StrategyResult, error) {
	if r.deps.Submitter == nil {
		return nil, fmt.Errorf("审批只返回了签名，未配置签名交易提交")
	}
	decision := req.Decision
	if route == models.Route2FA {
		decision = &models.WardExecutionDecision{NeedsWard2FA: true}
	}
	signatures, err := sigs.Assemble(decision)
	if err != nil {
		return nil, err
	}
	req.Signatures = signatures
	return r.deps.Submitter.SubmitSigned(ctx, req)
}

// confirm 在后台尽力确认，失败只记录日志，不阻塞路由返回
func (r *Router) confirm(ctx context.Context, log *logrus.Entry, txHash string) {
	if r.deps.Confirmer == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.confirmTimeout)
	r.confirming.Add(1)
	go func() {
		defer r.confirming.Done()
		defer cancel()
		if err := r.deps.Confirmer.ConfirmTransaction(cctx, txHash); err != nil {
			log.WithField("tx_hash", txHash).Warnf("交易确认失败（不影响结果）: %v", err)
			return
		}
		log.WithField("tx_hash", txHash).Debug("交易已确认")
	}()
}

// Wait 等待后台确认结束
func (r *Router) Wait() {
	r.confirming.Wait()
}

// auditFailure 记录策略失败的审计信息，不落交易表
func (r *Router) auditFailure(ctx context.Context, log *logrus.Entry, req ExecuteRequest, route models.Route,
	decision *models.WardExecutionDecision, cause error) {
	metrics.RouteTotal.WithLabelValues(string(route), "strategy_failed").Inc()

	failure := &models.RouteFailure{
		AccountType: models.AccountTypeNormal,
		Route:       route,
		WalletAddr:  req.WalletAddress,
		Error:       cause.Error(),
		FailedAt:    time.Now(),
	}
	if req.WardAddress != "" {
		failure.AccountType = models.AccountTypeWard
	}
	if decision != nil {
		failure.Reasons = decision.Reasons
	}

	log.WithError(cause).Warn("执行策略失败，未写入交易记录")
	if r.deps.Events != nil {
		if err := r.deps.Events.PublishRouteFailure(ctx, failure); err != nil {
			log.Warnf("发送路由失败审计事件失败: %v", err)
		}
	}
}
