package models

import (
	"time"
)

// RunStatus 市场任务状态
type RunStatus string

const (
	RunPendingPayment RunStatus = "pending_payment"
	RunQueued         RunStatus = "queued"
	RunRunning        RunStatus = "running"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
)

// IsTerminal 是否终态
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// IdentityContext 授权时刻代理身份的快照，执行前重新比对
type IdentityContext struct {
	OperatorWallet     string `json:"operator_wallet"`
	ServiceWallet      string `json:"service_wallet"`
	OnchainStatus      string `json:"onchain_status"`
	OnchainOwner       string `json:"onchain_owner"`
	EnforcementEnabled bool   `json:"enforcement_enabled"`
}

// PaymentEvidence 任务的支付凭证，嵌入身份快照
type PaymentEvidence struct {
	PaymentRef       string           `json:"payment_ref"`
	State            string           `json:"state"`
	SettlementTxHash string           `json:"settlement_tx_hash,omitempty"`
	ReasonCode       ReasonCode       `json:"reason_code,omitempty"`
	IdentityContext  *IdentityContext `json:"identity_context,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Run 市场代理执行任务
type Run struct {
	ID                string                 `json:"id"`
	HireID            string                 `json:"hire_id"`
	AgentID           string                 `json:"agent_id"`
	Action            string                 `json:"action"`
	Params            map[string]interface{} `json:"params,omitempty"`
	PaymentRef        string                 `json:"payment_ref"`
	Status            RunStatus              `json:"status"`
	ReasonCode        string                 `json:"reason_code,omitempty"`
	PaymentEvidence   PaymentEvidence        `json:"payment_evidence"`
	ExecutionTxHashes []string               `json:"execution_tx_hashes,omitempty"`
	Result            map[string]interface{} `json:"result,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (r *Run) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"type":                "run." + string(r.Status),
		"run_id":              r.ID,
		"hire_id":             r.HireID,
		"agent_id":            r.AgentID,
		"action":              r.Action,
		"payment_ref":         r.PaymentRef,
		"status":              r.Status,
		"reason_code":         r.ReasonCode,
		"execution_tx_hashes": r.ExecutionTxHashes,
		"updated_at":          r.UpdatedAt.Unix(),
	}
}
