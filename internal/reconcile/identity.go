package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vaultgate/internal/store"
	"vaultgate/pkg/models"

	"github.com/google/uuid"
)

// AgentProfile 代理当前的钱包配置
type AgentProfile struct {
	AgentID        string `json:"agent_id"`
	OperatorWallet string `json:"operator_wallet"`
	ServiceWallet  string `json:"service_wallet"`
}

// IdentityQuery 链上身份查询参数
type IdentityQuery struct {
	AgentID        string
	OperatorWallet string
}

// IdentityCheck 链上身份查询结果
type IdentityCheck struct {
	Verified           bool   `json:"verified"`
	Status             string `json:"status"`
	Owner              string `json:"owner"`
	EnforcementEnabled bool   `json:"enforcement_enabled"`
}

// AgentProfiles 代理资料来源
type AgentProfiles interface {
	GetAgentProfile(ctx context.Context, agentID string) (*AgentProfile, error)
}

// IdentityChecker 链上身份注册表
type IdentityChecker interface {
	CheckAgentOnchainIdentity(ctx context.Context, query IdentityQuery) (*IdentityCheck, error)
}

// IdentityResolver 解析代理当前身份，授权与对账两侧共用同一套取值
type IdentityResolver struct {
	Profiles AgentProfiles
	Checker  IdentityChecker
	// Enforce 为 true 时无论注册表如何返回都强制校验
	Enforce bool
}

// Resolution 一次身份解析的结果
type Resolution struct {
	Context  *models.IdentityContext
	Verified bool
}

// Enforced 是否需要身份校验
func (r *Resolution) Enforced() bool {
	return r.Context != nil && r.Context.EnforcementEnabled
}

// Resolve 查询代理资料与链上身份，组合成身份快照
func (r *IdentityResolver) Resolve(ctx context.Context, agentID string) (*Resolution, error) {
	if r.Profiles == nil {
		return nil, fmt.Errorf("未配置代理资料来源")
	}
	profile, err := r.Profiles.GetAgentProfile(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("获取代理资料失败: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("代理不存在: %s", agentID)
	}

	identity := &models.IdentityContext{
		OperatorWallet:     normalizeWallet(profile.OperatorWallet),
		ServiceWallet:      normalizeWallet(profile.ServiceWallet),
		EnforcementEnabled: r.Enforce,
	}
	res := &Resolution{Context: identity, Verified: true}

	if r.Checker == nil {
		return res, nil
	}
	check, err := r.Checker.CheckAgentOnchainIdentity(ctx, IdentityQuery{AgentID: agentID, OperatorWallet: profile.OperatorWallet})
	if err != nil {
		return nil, fmt.Errorf("查询链上身份失败: %w", err)
	}
	identity.OnchainStatus = check.Status
	identity.OnchainOwner = normalizeWallet(check.Owner)
	identity.EnforcementEnabled = r.Enforce || check.EnforcementEnabled
	res.Verified = check.Verified
	return res, nil
}

// normalizeWallet 地址比较前统一大小写与前导零
func normalizeWallet(addr string) string {
	a := strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(a, "0x") {
		return a
	}
	a = strings.TrimLeft(a[2:], "0")
	if a == "" {
		return "0x0"
	}
	return "0x" + a
}

// ContextDiff 快照与当前身份不一致的字段
func ContextDiff(stored, current *models.IdentityContext) []string {
	if stored == nil || current == nil {
		return []string{"identity_context"}
	}
	var diff []string
	if normalizeWallet(stored.OperatorWallet) != normalizeWallet(current.OperatorWallet) {
		diff = append(diff, "operator_wallet")
	}
	if normalizeWallet(stored.ServiceWallet) != normalizeWallet(current.ServiceWallet) {
		diff = append(diff, "service_wallet")
	}
	if stored.OnchainStatus != current.OnchainStatus {
		diff = append(diff, "onchain_status")
	}
	if normalizeWallet(stored.OnchainOwner) != normalizeWallet(current.OnchainOwner) {
		diff = append(diff, "onchain_owner")
	}
	if stored.EnforcementEnabled != current.EnforcementEnabled {
		diff = append(diff, "enforcement_enabled")
	}
	return diff
}

// PendingRunRequest 授权时创建任务的输入
type PendingRunRequest struct {
	HireID     string                 `json:"hire_id"`
	AgentID    string                 `json:"agent_id" binding:"required"`
	Action     string                 `json:"action" binding:"required"`
	Params     map[string]interface{} `json:"params,omitempty"`
	PaymentRef string                 `json:"payment_ref" binding:"required"`
}

// NewPendingRun 创建 pending_payment 任务，并记录授权时刻的身份快照
func NewPendingRun(ctx context.Context, runs store.RunStore, resolver *IdentityResolver, req PendingRunRequest) (*models.Run, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, fmt.Errorf("agent_id 不能为空")
	}

	res, err := resolver.Resolve(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if res.Enforced() && !res.Verified {
		return nil, fmt.Errorf("代理链上身份校验未通过: %s", req.AgentID)
	}

	now := time.Now().UTC()
	run := &models.Run{
		ID:         uuid.NewString(),
		HireID:     req.HireID,
		AgentID:    req.AgentID,
		Action:     req.Action,
		Params:     req.Params,
		PaymentRef: strings.TrimSpace(req.PaymentRef),
		Status:     models.RunPendingPayment,
		PaymentEvidence: models.PaymentEvidence{
			PaymentRef:      strings.TrimSpace(req.PaymentRef),
			State:           string(models.ReplayPending),
			IdentityContext: res.Context,
			UpdatedAt:       now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}
	return run, nil
}
