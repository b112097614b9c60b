package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"vaultgate/internal/ward"
	"vaultgate/pkg/models"

	"github.com/sirupsen/logrus"
)

// WalletClient 钱包后端：策略快照与三种执行策略
type WalletClient struct {
	c *client
}

// NewWalletClient 创建钱包后端客户端
func NewWalletClient(baseURL, token string, timeout time.Duration, logger *logrus.Logger) *WalletClient {
	return &WalletClient{c: newClient("wallet", baseURL, token, timeout, logger)}
}

// snapshotWire 金额字段可能是数字、十进制字符串或 0x 十六进制
type snapshotWire struct {
	WardAddress           string          `json:"ward_address"`
	GuardianAddress       string          `json:"guardian_address"`
	WardHas2FA            bool            `json:"ward_has_2fa"`
	GuardianHas2FA        bool            `json:"guardian_has_2fa"`
	RequireGuardianForAll bool            `json:"require_guardian_for_all"`
	MaxPerTxn             json.RawMessage `json:"max_per_txn"`
	DailyLimit24h         json.RawMessage `json:"daily_limit_24h"`
	Spent24h              json.RawMessage `json:"spent_24h"`
}

// GetWardPolicySnapshot 实现 ward.SnapshotProvider
func (w *WalletClient) GetWardPolicySnapshot(ctx context.Context, wardAddress string) (*models.WardPolicySnapshot, error) {
	var wire snapshotWire
	if err := w.c.get(ctx, "/v1/wards/"+url.PathEscape(wardAddress)+"/policy", &wire); err != nil {
		return nil, err
	}

	snapshot := &models.WardPolicySnapshot{
		WardAddress:           wire.WardAddress,
		GuardianAddress:       wire.GuardianAddress,
		WardHas2FA:            wire.WardHas2FA,
		GuardianHas2FA:        wire.GuardianHas2FA,
		RequireGuardianForAll: wire.RequireGuardianForAll,
	}
	if snapshot.WardAddress == "" {
		snapshot.WardAddress = wardAddress
	}

	var err error
	if snapshot.MaxPerTxn, err = parseAmount(wire.MaxPerTxn); err != nil {
		return nil, fmt.Errorf("max_per_txn: %w", err)
	}
	if snapshot.DailyLimit24h, err = parseAmount(wire.DailyLimit24h); err != nil {
		return nil, fmt.Errorf("daily_limit_24h: %w", err)
	}
	if snapshot.Spent24h, err = parseAmount(wire.Spent24h); err != nil {
		return nil, fmt.Errorf("spent_24h: %w", err)
	}
	return snapshot, nil
}

// parseAmount 缺省为 0，负数视为错误
func parseAmount(raw json.RawMessage) (*big.Int, error) {
	s := strings.TrimSpace(string(bytes.Trim(bytes.TrimSpace(raw), `"`)))
	if s == "" || s == "null" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("无法解析金额 %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("金额不能为负: %s", s)
	}
	return v, nil
}

// strategyWire 执行策略请求体
type strategyWire struct {
	WalletAddress string                        `json:"wallet_address"`
	Calls         []models.Call                 `json:"calls"`
	Decision      *models.WardExecutionDecision `json:"decision,omitempty"`
	Snapshot      *models.WardPolicySnapshot    `json:"snapshot,omitempty"`
	Signatures    []string                      `json:"signatures,omitempty"`
}

type strategyResponse struct {
	Approved        bool               `json:"approved"`
	TxHash          string             `json:"tx_hash"`
	TransactionHash string             `json:"transactionHash"`
	Signatures      *ward.SignatureSet `json:"signatures,omitempty"`
}

func (w *WalletClient) strategy(ctx context.Context, path string, req *ward.StrategyRequest) (*ward.StrategyResult, error) {
	var resp strategyResponse
	err := w.c.post(ctx, path, &strategyWire{
		WalletAddress: req.WalletAddress,
		Calls:         req.Calls,
		Decision:      req.Decision,
		Snapshot:      req.Snapshot,
		Signatures:    req.Signatures,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &ward.StrategyResult{
		Approved:        resp.Approved,
		TxHash:          resp.TxHash,
		TransactionHash: resp.TransactionHash,
		Signatures:      resp.Signatures,
	}, nil
}

// ExecuteDirect 实现 ward.DirectExecutor
func (w *WalletClient) ExecuteDirect(ctx context.Context, req *ward.StrategyRequest) (*ward.StrategyResult, error) {
	return w.strategy(ctx, "/v1/execute/direct", req)
}

// RequestGuardianApproval 实现 ward.GuardianApprover
func (w *WalletClient) RequestGuardianApproval(ctx context.Context, req *ward.StrategyRequest) (*ward.StrategyResult, error) {
	return w.strategy(ctx, "/v1/execute/guardian", req)
}

// RequestSecondFactor 实现 ward.SecondFactorSigner
func (w *WalletClient) RequestSecondFactor(ctx context.Context, req *ward.StrategyRequest) (*ward.StrategyResult, error) {
	return w.strategy(ctx, "/v1/execute/2fa", req)
}

// SubmitSigned 实现 ward.SignedSubmitter
func (w *WalletClient) SubmitSigned(ctx context.Context, req *ward.StrategyRequest) (*ward.StrategyResult, error) {
	return w.strategy(ctx, "/v1/execute/submit", req)
}
