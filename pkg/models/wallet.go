package models

import (
	"math/big"
	"time"
)

// AccountType 账户类型
type AccountType string

const (
	AccountTypeWard   AccountType = "ward"
	AccountTypeNormal AccountType = "normal"
)

// Route 执行路径
type Route string

const (
	RouteWardDirect   Route = "ward_direct"
	RouteWardApproval Route = "ward_approval"
	Route2FA          Route = "2fa"
	RouteDirect       Route = "direct"
)

// PolicyReason 策略升级原因（路由信号，不是请求错误）
type PolicyReason string

const (
	ReasonUnknownSpend          PolicyReason = "UNKNOWN_SPEND"
	ReasonExceedsMaxPerTxn      PolicyReason = "EXCEEDS_MAX_PER_TXN"
	ReasonExceedsDailyLimit     PolicyReason = "EXCEEDS_DAILY_LIMIT"
	ReasonRequireGuardianForAll PolicyReason = "REQUIRE_GUARDIAN_FOR_ALL"
)

// WardPolicySnapshot 受监护账户的策略快照，每次路由决策时从外部获取
type WardPolicySnapshot struct {
	WardAddress           string   `json:"ward_address" validate:"required"`
	GuardianAddress       string   `json:"guardian_address"`
	WardHas2FA            bool     `json:"ward_has_2fa"`
	GuardianHas2FA        bool     `json:"guardian_has_2fa"`
	RequireGuardianForAll bool     `json:"require_guardian_for_all"`
	MaxPerTxn             *big.Int `json:"max_per_txn"`     // 0 表示不限
	DailyLimit24h         *big.Int `json:"daily_limit_24h"` // 0 表示不限
	Spent24h              *big.Int `json:"spent_24h"`       // 过去24小时已花费
}

// Call 单个外发调用，一批调用要么全部执行要么全部不执行
type Call struct {
	ContractAddress string   `json:"contract_address" validate:"required,felt"`
	Entrypoint      string   `json:"entrypoint" validate:"required,max=128"`
	Calldata        []string `json:"calldata"`
}

// WardExecutionDecision 策略评估结果，不持久化
type WardExecutionDecision struct {
	NeedsGuardian     bool           `json:"needs_guardian"`
	NeedsWard2FA      bool           `json:"needs_ward_2fa"`
	NeedsGuardian2FA  bool           `json:"needs_guardian_2fa"`
	Reasons           []PolicyReason `json:"reasons"`
	EvaluatedSpend    *big.Int       `json:"evaluated_spend"` // nil 表示无法界定（unknown）
	ProjectedSpent24h *big.Int       `json:"projected_spent_24h"`
}

// HasReason 判断是否包含某个原因
func (d *WardExecutionDecision) HasReason(reason PolicyReason) bool {
	for _, r := range d.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// NeedsEscalation 是否需要走审批路径
func (d *WardExecutionDecision) NeedsEscalation() bool {
	return d.NeedsGuardian || d.NeedsWard2FA
}

// TransactionRecord 交易记录，仅在执行策略返回哈希后写入
type TransactionRecord struct {
	AccountType AccountType            `json:"account_type"`
	Route       Route                  `json:"route"`
	TxHash      string                 `json:"tx_hash"`
	WalletAddr  string                 `json:"wallet_address"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (r *TransactionRecord) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"type":           "route.executed",
		"account_type":   r.AccountType,
		"route":          r.Route,
		"tx_hash":        r.TxHash,
		"wallet_address": r.WalletAddr,
		"created_at":     r.CreatedAt.Unix(),
	}
}

// RouteFailure 执行策略失败的审计记录，不写入交易表
type RouteFailure struct {
	AccountType AccountType    `json:"account_type"`
	Route       Route          `json:"route"`
	WalletAddr  string         `json:"wallet_address"`
	Reasons     []PolicyReason `json:"reasons,omitempty"`
	Error       string         `json:"error"`
	FailedAt    time.Time      `json:"failed_at"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (f *RouteFailure) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"type":           "route.failed",
		"account_type":   f.AccountType,
		"route":          f.Route,
		"wallet_address": f.WalletAddr,
		"reasons":        f.Reasons,
		"error":          f.Error,
		"failed_at":      f.FailedAt.Unix(),
	}
}
