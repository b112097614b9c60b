package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// 执行状态
const (
	ExecutionSucceeded = "SUCCEEDED"
	ExecutionReverted  = "REVERTED"
)

// 终局状态
const (
	FinalityAcceptedOnL2 = "ACCEPTED_ON_L2"
	FinalityAcceptedOnL1 = "ACCEPTED_ON_L1"
	FinalityReceived     = "RECEIVED"
	FinalityPending      = "PENDING"
	FinalityPreConfirmed = "PRE_CONFIRMED"
)

// starknetTxNotFound TXN_HASH_NOT_FOUND
const starknetTxNotFound = 29

// ErrReceiptNotFound 节点尚未索引该交易
var ErrReceiptNotFound = errors.New("交易回执不存在")

// Receipt 与链无关的交易回执
type Receipt struct {
	TxHash          string `json:"transaction_hash"`
	ExecutionStatus string `json:"execution_status"`
	FinalityStatus  string `json:"finality_status"`
	RevertReason    string `json:"revert_reason,omitempty"`
	BlockNumber     uint64 `json:"block_number,omitempty"`
}

// ReceiptClient 单个节点的回执查询
type ReceiptClient interface {
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
	Close()
}

// notFoundMarkers 各节点实现对"尚未索引"的表述
var notFoundMarkers = []string{
	"not found",
	"unknown transaction",
	"not yet",
	"txn_hash_not_found",
	"no transaction",
}

// IsNotFound 错误是否表示交易尚未被节点知晓
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReceiptNotFound) || errors.Is(err, ethereum.NotFound) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == starknetTxNotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range notFoundMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// StarknetClient 通过 JSON-RPC 查询 Starknet 回执
type StarknetClient struct {
	rpc *rpc.Client
}

// DialStarknet 连接 Starknet 节点
func DialStarknet(ctx context.Context, url string) (*StarknetClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}
	return NewStarknetClient(c), nil
}

// NewStarknetClient 使用已有 RPC 客户端
func NewStarknetClient(c *rpc.Client) *StarknetClient {
	return &StarknetClient{rpc: c}
}

// TransactionReceipt 实现 ReceiptClient
func (c *StarknetClient) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	var raw *Receipt
	if err := c.rpc.CallContext(ctx, &raw, "starknet_getTransactionReceipt", txHash); err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %v", ErrReceiptNotFound, err)
		}
		return nil, err
	}
	if raw == nil || (raw.ExecutionStatus == "" && raw.FinalityStatus == "") {
		return nil, ErrReceiptNotFound
	}
	if raw.TxHash == "" {
		raw.TxHash = txHash
	}
	return raw, nil
}

// Close 实现 ReceiptClient
func (c *StarknetClient) Close() {
	c.rpc.Close()
}

// EVMClient 通过 ethclient 查询 EVM 回执，已打包即视为 L1 接受
type EVMClient struct {
	eth *ethclient.Client
}

// DialEVM 连接 EVM 节点
func DialEVM(ctx context.Context, url string) (*EVMClient, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}
	return &EVMClient{eth: c}, nil
}

// TransactionReceipt 实现 ReceiptClient
func (c *EVMClient) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %v", ErrReceiptNotFound, err)
		}
		return nil, err
	}
	return receiptFromEVM(txHash, receipt), nil
}

// Close 实现 ReceiptClient
func (c *EVMClient) Close() {
	c.eth.Close()
}

func receiptFromEVM(txHash string, receipt *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:          txHash,
		ExecutionStatus: ExecutionSucceeded,
		FinalityStatus:  FinalityAcceptedOnL1,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusFailed {
		out.ExecutionStatus = ExecutionReverted
		out.RevertReason = "receipt status 0"
	}
	return out
}

// Dial 按链类型连接节点
func Dial(ctx context.Context, kind, url string) (ReceiptClient, error) {
	switch kind {
	case "starknet", "":
		return DialStarknet(ctx, url)
	case "evm":
		return DialEVM(ctx, url)
	default:
		return nil, fmt.Errorf("不支持的链类型: %s", kind)
	}
}
