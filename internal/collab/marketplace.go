package collab

import (
	"context"
	"errors"
	"net/url"
	"time"

	"vaultgate/internal/reconcile"

	"github.com/sirupsen/logrus"
)

// MarketplaceClient 代理市场：代理资料、链上身份、代理运行时
type MarketplaceClient struct {
	c *client
}

// NewMarketplaceClient 创建代理市场客户端
func NewMarketplaceClient(baseURL, token string, timeout time.Duration, logger *logrus.Logger) *MarketplaceClient {
	return &MarketplaceClient{c: newClient("marketplace", baseURL, token, timeout, logger)}
}

// GetAgentProfile 实现 reconcile.AgentProfiles，代理不存在时返回 nil, nil
func (m *MarketplaceClient) GetAgentProfile(ctx context.Context, agentID string) (*reconcile.AgentProfile, error) {
	var profile reconcile.AgentProfile
	if err := m.c.get(ctx, "/v1/agents/"+url.PathEscape(agentID), &profile); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if profile.AgentID == "" {
		profile.AgentID = agentID
	}
	return &profile, nil
}

// CheckAgentOnchainIdentity 实现 reconcile.IdentityChecker
func (m *MarketplaceClient) CheckAgentOnchainIdentity(ctx context.Context, query reconcile.IdentityQuery) (*reconcile.IdentityCheck, error) {
	var check reconcile.IdentityCheck
	path := "/v1/agents/" + url.PathEscape(query.AgentID) + "/identity?operator_wallet=" + url.QueryEscape(query.OperatorWallet)
	if err := m.c.get(ctx, path, &check); err != nil {
		return nil, err
	}
	return &check, nil
}

// ExecuteAgentRuntime 实现 reconcile.AgentRuntime
func (m *MarketplaceClient) ExecuteAgentRuntime(ctx context.Context, input *reconcile.RuntimeInput) (*reconcile.RuntimeOutput, error) {
	var out reconcile.RuntimeOutput
	if err := m.c.post(ctx, "/v1/runtime/execute", input, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
