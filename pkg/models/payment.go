package models

import (
	"time"
)

// ReasonCode 跨边界的类型化原因码，调用方据此分支
type ReasonCode string

const (
	CodePolicyDenied                   ReasonCode = "POLICY_DENIED"
	CodeInvalidPayload                 ReasonCode = "INVALID_PAYLOAD"
	CodeExpiredPayment                 ReasonCode = "EXPIRED_PAYMENT"
	CodeContextMismatch                ReasonCode = "CONTEXT_MISMATCH"
	CodeReplayDetected                 ReasonCode = "REPLAY_DETECTED"
	CodeSettlementFailed               ReasonCode = "SETTLEMENT_FAILED"
	CodeRPCFailure                     ReasonCode = "RPC_FAILURE"
	CodeOnchainIdentityMismatch        ReasonCode = "ONCHAIN_IDENTITY_MISMATCH"
	CodeOnchainIdentityContextMismatch ReasonCode = "ONCHAIN_IDENTITY_CONTEXT_MISMATCH"
)

// 协议版本与方案
const (
	X402Version1        = 1
	SchemeTongoShielded = "tongo-shielded"
)

// X402Challenge 支付挑战，无状态，每次使用时重新校验
type X402Challenge struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	ChallengeID string `json:"challengeId" validate:"required"`
	Network     string `json:"network"`
	Token       string `json:"token" validate:"required"`
	MinAmount   string `json:"minAmount" validate:"required"`
	Recipient   string `json:"recipient" validate:"required"`
	ContextHash string `json:"contextHash"`
	ExpiresAt   int64  `json:"expiresAt" validate:"gt=0"` // unix 秒
	Signature   string `json:"signature" validate:"required"`
}

// X402PaymentPayload 客户端提交的支付载荷，提交后不可变
type X402PaymentPayload struct {
	X402Version      int    `json:"x402Version"`
	Scheme           string `json:"scheme"`
	ChallengeID      string `json:"challengeId" validate:"required"`
	TongoAddress     string `json:"tongoAddress"`
	Token            string `json:"token"`
	Amount           string `json:"amount"`
	Proof            string `json:"proof"`
	ReplayKey        string `json:"replayKey" validate:"required,max=256"`
	ContextHash      string `json:"contextHash"`
	Nonce            string `json:"nonce"`
	SettlementTxHash string `json:"settlementTxHash,omitempty" validate:"omitempty,txhash"`
}

// ReplayStatus 重放记录状态
type ReplayStatus string

const (
	ReplayPending  ReplayStatus = "pending"
	ReplaySettled  ReplayStatus = "settled"
	ReplayRejected ReplayStatus = "rejected"
)

// IsTerminal 是否终态
func (s ReplayStatus) IsTerminal() bool {
	return s == ReplaySettled || s == ReplayRejected
}

// ExecutionMode 结算哈希的来源，模拟哈希永远不能被当作真实结算
type ExecutionMode string

const (
	ExecutionReal      ExecutionMode = "real"
	ExecutionSimulated ExecutionMode = "simulated"
)

// ReplayRecord 幂等账本记录，以 replayKey 为主键
type ReplayRecord struct {
	ReplayKey        string        `json:"replay_key"`
	PaymentRef       string        `json:"payment_ref"`
	Status           ReplayStatus  `json:"status"`
	SettlementTxHash string        `json:"settlement_tx_hash,omitempty"`
	ReasonCode       ReasonCode    `json:"reason_code,omitempty"`
	ExecutionMode    ExecutionMode `json:"execution_mode,omitempty"`
	ChallengeID      string        `json:"challenge_id,omitempty"`
	Token            string        `json:"token,omitempty"`
	Amount           string        `json:"amount,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (r *ReplayRecord) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"type":               "payment." + string(r.Status),
		"replay_key":         r.ReplayKey,
		"payment_ref":        r.PaymentRef,
		"status":             r.Status,
		"settlement_tx_hash": r.SettlementTxHash,
		"reason_code":        r.ReasonCode,
		"execution_mode":     r.ExecutionMode,
		"updated_at":         r.UpdatedAt.Unix(),
	}
}

// 结果状态
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultSettled  = "settled"
	ResultPending  = "pending" // 链上尚未终结，由对账任务推进
)

// FacilitatorResult verify/settle 的返回结构
type FacilitatorResult struct {
	Status        string        `json:"status"`
	ReasonCode    ReasonCode    `json:"reasonCode,omitempty"`
	Retryable     bool          `json:"retryable"`
	PaymentRef    string        `json:"paymentRef"`
	TxHash        string        `json:"txHash,omitempty"`
	ExecutionMode ExecutionMode `json:"executionMode,omitempty"`
}

// OK 是否通过
func (r *FacilitatorResult) OK() bool {
	return r.Status == ResultAccepted || r.Status == ResultSettled
}

// SettlementState 链上结算查询结果
type SettlementState string

const (
	SettlementSettled SettlementState = "settled"
	SettlementPending SettlementState = "pending"
	SettlementFailed  SettlementState = "failed"
)

// SettlementCheck 结算哈希查询结果
type SettlementCheck struct {
	State         SettlementState `json:"state"`
	TxHash        string          `json:"tx_hash,omitempty"`
	ReasonCode    ReasonCode      `json:"reason_code,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	ExecutionMode ExecutionMode   `json:"execution_mode"`
}
