package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "vaultgate/internal/errors"
	"vaultgate/internal/metrics"
	"vaultgate/pkg/models"

	"github.com/sirupsen/logrus"
)

// ReceiptSource 回执来源，NodePool 是生产实现
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, string, error)
}

// ExecutorOptions 执行器选项
type ExecutorOptions struct {
	// LegacySettlementCompat 空哈希时合成确定性的模拟结算
	LegacySettlementCompat bool
	// ConfirmTimeout ConfirmTransaction 的默认超时
	ConfirmTimeout time.Duration
	// PollInterval ConfirmTransaction 的轮询间隔
	PollInterval time.Duration
}

// Executor 链上结算查询
type Executor struct {
	source ReceiptSource
	opts   ExecutorOptions
	logger *logrus.Logger
}

// NewExecutor 创建执行器
func NewExecutor(source ReceiptSource, opts ExecutorOptions, logger *logrus.Logger) *Executor {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	return &Executor{source: source, opts: opts, logger: logger}
}

// VerifySettlementTxHash 查询哈希对应交易的结算状态
func (e *Executor) VerifySettlementTxHash(ctx context.Context, txHash string) *models.SettlementCheck {
	start := time.Now()
	check := e.verify(ctx, strings.TrimSpace(txHash))
	metrics.SettlementCheckLatency.Observe(time.Since(start).Seconds())
	metrics.SettlementCheckTotal.WithLabelValues(string(check.State), string(check.ReasonCode)).Inc()
	return check
}

func (e *Executor) verify(ctx context.Context, txHash string) *models.SettlementCheck {
	if txHash == "" {
		if e.opts.LegacySettlementCompat {
			return &models.SettlementCheck{
				State:         models.SettlementSettled,
				TxHash:        simulatedHash(),
				Detail:        "legacy compatibility: simulated settlement",
				ExecutionMode: models.ExecutionSimulated,
			}
		}
		return failed("", models.CodeSettlementFailed, "缺少结算哈希")
	}

	receipt, node, err := e.source.TransactionReceipt(ctx, txHash)
	if err != nil {
		if IsNotFound(err) {
			return pending(txHash, "交易尚未被节点索引")
		}
		e.logger.WithFields(logrus.Fields{"tx_hash": txHash, "node": node}).Warnf("查询结算回执失败: %v", err)
		return failed(txHash, models.CodeRPCFailure, err.Error())
	}

	return classify(txHash, receipt)
}

// classify 回执到结算状态的映射
func classify(txHash string, receipt *Receipt) *models.SettlementCheck {
	if strings.EqualFold(receipt.ExecutionStatus, ExecutionReverted) {
		detail := "交易执行被回滚"
		if receipt.RevertReason != "" {
			detail = fmt.Sprintf("%s: %s", detail, receipt.RevertReason)
		}
		return failed(txHash, models.CodeSettlementFailed, detail)
	}

	switch strings.ToUpper(receipt.FinalityStatus) {
	case FinalityAcceptedOnL2, FinalityAcceptedOnL1:
		return &models.SettlementCheck{State: models.SettlementSettled, TxHash: txHash, ExecutionMode: models.ExecutionReal}
	case FinalityReceived, FinalityPending, FinalityPreConfirmed:
		return pending(txHash, "finality="+receipt.FinalityStatus)
	default:
		return pending(txHash, fmt.Sprintf("未识别的终局状态 %q", receipt.FinalityStatus))
	}
}

func pending(txHash, detail string) *models.SettlementCheck {
	return &models.SettlementCheck{State: models.SettlementPending, TxHash: txHash, Detail: detail, ExecutionMode: models.ExecutionReal}
}

func failed(txHash string, code models.ReasonCode, detail string) *models.SettlementCheck {
	return &models.SettlementCheck{
		State:         models.SettlementFailed,
		TxHash:        txHash,
		ReasonCode:    code,
		Detail:        detail,
		ExecutionMode: models.ExecutionReal,
	}
}

// simulatedHash 兼容模式下没有上下文可用，固定值保证确定性
func simulatedHash() string {
	return "0x" + strings.Repeat("0", 63) + "1"
}

// ConfirmTransaction 轮询直到交易终结，供路由在写入交易记录后确认
func (e *Executor) ConfirmTransaction(ctx context.Context, txHash string) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		check := e.VerifySettlementTxHash(ctx, txHash)
		switch check.State {
		case models.SettlementSettled:
			return nil
		case models.SettlementFailed:
			if check.ReasonCode != models.CodeRPCFailure {
				return apperrors.New(apperrors.ErrorTypeChainRPC, apperrors.SeverityHigh, string(check.ReasonCode),
					check.Detail).WithTxHash(txHash).WithComponent("settlement")
			}
		}

		select {
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), apperrors.ErrorTypeTimeout, apperrors.SeverityMedium, "CONFIRM_TIMEOUT",
				"等待交易确认超时").WithTxHash(txHash).WithComponent("settlement")
		case <-ticker.C:
		}
	}
}
