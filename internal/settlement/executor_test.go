package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"vaultgate/internal/config"
	apperrors "vaultgate/internal/errors"
	"vaultgate/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type fakeSource struct {
	receipt *Receipt
	err     error
	calls   int
}

func (f *fakeSource) TransactionReceipt(context.Context, string) (*Receipt, string, error) {
	f.calls++
	return f.receipt, "fake", f.err
}

func TestExecutor_VerifySettlementTxHash(t *testing.T) {
	tests := []struct {
		name    string
		receipt *Receipt
		err     error
		state   models.SettlementState
		code    models.ReasonCode
	}{
		{"L2 接受", &Receipt{ExecutionStatus: "SUCCEEDED", FinalityStatus: "ACCEPTED_ON_L2"}, nil, models.SettlementSettled, ""},
		{"L1 接受", &Receipt{ExecutionStatus: "SUCCEEDED", FinalityStatus: "ACCEPTED_ON_L1"}, nil, models.SettlementSettled, ""},
		{"已接收", &Receipt{ExecutionStatus: "SUCCEEDED", FinalityStatus: "RECEIVED"}, nil, models.SettlementPending, ""},
		{"预确认", &Receipt{FinalityStatus: "PRE_CONFIRMED"}, nil, models.SettlementPending, ""},
		{"未识别终局", &Receipt{ExecutionStatus: "SUCCEEDED", FinalityStatus: "SOMETHING_NEW"}, nil, models.SettlementPending, ""},
		{"回滚", &Receipt{ExecutionStatus: "REVERTED", FinalityStatus: "ACCEPTED_ON_L2", RevertReason: "u256_sub Overflow"}, nil, models.SettlementFailed, models.CodeSettlementFailed},
		{"尚未索引", nil, fmt.Errorf("%w: Transaction hash not found", ErrReceiptNotFound), models.SettlementPending, ""},
		{"节点报告未知", nil, errors.New("unknown transaction"), models.SettlementPending, ""},
		{"其他 RPC 错误", nil, errors.New("502 bad gateway"), models.SettlementFailed, models.CodeRPCFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(&fakeSource{receipt: tt.receipt, err: tt.err}, ExecutorOptions{}, quietLogger())
			check := e.VerifySettlementTxHash(context.Background(), "0xabc")
			assert.Equal(t, tt.state, check.State)
			assert.Equal(t, tt.code, check.ReasonCode)
			assert.Equal(t, "0xabc", check.TxHash)
			assert.Equal(t, models.ExecutionReal, check.ExecutionMode)
			if tt.state == models.SettlementPending {
				assert.NotEmpty(t, check.Detail)
			}
		})
	}
}

func TestExecutor_EmptyHash(t *testing.T) {
	source := &fakeSource{}
	strict := NewExecutor(source, ExecutorOptions{}, quietLogger())
	check := strict.VerifySettlementTxHash(context.Background(), "  ")
	assert.Equal(t, models.SettlementFailed, check.State)
	assert.Equal(t, models.CodeSettlementFailed, check.ReasonCode)

	legacy := NewExecutor(source, ExecutorOptions{LegacySettlementCompat: true}, quietLogger())
	a := legacy.VerifySettlementTxHash(context.Background(), "")
	b := legacy.VerifySettlementTxHash(context.Background(), "")
	assert.Equal(t, models.SettlementSettled, a.State)
	assert.Equal(t, models.ExecutionSimulated, a.ExecutionMode)
	assert.Equal(t, a.TxHash, b.TxHash)
	assert.Equal(t, 0, source.calls, "空哈希不查询节点")
}

type sequenceSource struct {
	mu     sync.Mutex
	states []string
}

func (s *sequenceSource) TransactionReceipt(context.Context, string) (*Receipt, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[0]
	if len(s.states) > 1 {
		s.states = s.states[1:]
	}
	if state == "REVERTED" {
		return &Receipt{ExecutionStatus: state, FinalityStatus: FinalityAcceptedOnL2}, "seq", nil
	}
	return &Receipt{ExecutionStatus: ExecutionSucceeded, FinalityStatus: state}, "seq", nil
}

func TestExecutor_ConfirmTransaction(t *testing.T) {
	opts := ExecutorOptions{ConfirmTimeout: time.Second, PollInterval: time.Millisecond}

	e := NewExecutor(&sequenceSource{states: []string{"RECEIVED", "RECEIVED", "ACCEPTED_ON_L2"}}, opts, quietLogger())
	require.NoError(t, e.ConfirmTransaction(context.Background(), "0x1"))

	e = NewExecutor(&sequenceSource{states: []string{"RECEIVED", "REVERTED"}}, opts, quietLogger())
	err := e.ConfirmTransaction(context.Background(), "0x2")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, string(models.CodeSettlementFailed)))

	opts.ConfirmTimeout = 20 * time.Millisecond
	e = NewExecutor(&sequenceSource{states: []string{"RECEIVED"}}, opts, quietLogger())
	err = e.ConfirmTransaction(context.Background(), "0x3")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "CONFIRM_TIMEOUT"))
}

type fakeClient struct {
	name    string
	receipt *Receipt
	err     error
	calls   *int
	closed  bool
}

func (c *fakeClient) TransactionReceipt(context.Context, string) (*Receipt, error) {
	*c.calls++
	return c.receipt, c.err
}

func (c *fakeClient) Close() { c.closed = true }

func chainConfig(urls ...string) *config.ChainConfig {
	cfg := &config.ChainConfig{Kind: "starknet", Timeout: "1s"}
	for i, u := range urls {
		cfg.Nodes = append(cfg.Nodes, &config.NodeConfig{Name: u, URL: u, Priority: len(urls) - i})
	}
	return cfg
}

func TestNodePool_FailsOverByPriority(t *testing.T) {
	calls := map[string]*int{"a": new(int), "b": new(int)}
	clients := map[string]*fakeClient{
		"a": {name: "a", err: errors.New("invalid response from node"), calls: calls["a"]},
		"b": {name: "b", receipt: &Receipt{ExecutionStatus: "SUCCEEDED", FinalityStatus: "ACCEPTED_ON_L2"}, calls: calls["b"]},
	}
	dial := func(_ context.Context, _ string, url string) (ReceiptClient, error) { return clients[url], nil }

	// 优先级数字越小越优先："b" 的 priority 为 1
	pool, err := NewNodePool(chainConfig("a", "b"), dial, quietLogger())
	require.NoError(t, err)

	receipt, node, err := pool.TransactionReceipt(context.Background(), "0x1")
	require.NoError(t, err)
	assert.Equal(t, "b", node)
	assert.Equal(t, FinalityAcceptedOnL2, receipt.FinalityStatus)
	assert.Equal(t, 0, *calls["a"])

	clients["b"].err = errors.New("invalid response")
	clients["b"].receipt = nil
	clients["a"].err = nil
	clients["a"].receipt = &Receipt{ExecutionStatus: "SUCCEEDED", FinalityStatus: "RECEIVED"}

	receipt, node, err = pool.TransactionReceipt(context.Background(), "0x1")
	require.NoError(t, err)
	assert.Equal(t, "a", node)
	assert.Equal(t, FinalityReceived, receipt.FinalityStatus)
	assert.True(t, clients["b"].closed, "失败节点的连接被关闭")

	stats := pool.Stats()
	assert.Equal(t, false, stats["b"].(map[string]interface{})["healthy"])
}

func TestNodePool_NotFoundDoesNotFailOver(t *testing.T) {
	calls := map[string]*int{"a": new(int), "b": new(int)}
	clients := map[string]*fakeClient{
		"a": {err: ErrReceiptNotFound, calls: calls["a"]},
		"b": {receipt: &Receipt{FinalityStatus: "ACCEPTED_ON_L2"}, calls: calls["b"]},
	}
	dial := func(_ context.Context, _ string, url string) (ReceiptClient, error) { return clients[url], nil }
	cfg := chainConfig("a", "b")
	cfg.Nodes[0].Priority, cfg.Nodes[1].Priority = 1, 2

	pool, err := NewNodePool(cfg, dial, quietLogger())
	require.NoError(t, err)

	_, node, err := pool.TransactionReceipt(context.Background(), "0x1")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "a", node)
	assert.Equal(t, 1, *calls["a"])
	assert.Equal(t, 0, *calls["b"])
}

func TestNodePool_RequiresNodes(t *testing.T) {
	_, err := NewNodePool(&config.ChainConfig{Nodes: []*config.NodeConfig{{Name: "empty"}}}, nil, quietLogger())
	assert.Error(t, err)
}

// rpcServer 最小 JSON-RPC 服务端
func rpcServer(t *testing.T, handle func(method string, params []interface{}) (interface{}, *rpcErrorBody)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params []interface{}   `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &req))

		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func TestStarknetClient_TransactionReceipt(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *rpcErrorBody) {
		assert.Equal(t, "starknet_getTransactionReceipt", method)
		switch params[0] {
		case "0xaccepted":
			return map[string]interface{}{
				"transaction_hash": "0xaccepted",
				"execution_status": "SUCCEEDED",
				"finality_status":  "ACCEPTED_ON_L2",
				"block_number":     12,
			}, nil
		case "0xreverted":
			return map[string]interface{}{
				"execution_status": "REVERTED",
				"finality_status":  "ACCEPTED_ON_L2",
				"revert_reason":    "insufficient balance",
			}, nil
		case "0xnull":
			return nil, nil
		case "0xmissing":
			return nil, &rpcErrorBody{Code: 29, Message: "Transaction hash not found"}
		default:
			return nil, &rpcErrorBody{Code: -32603, Message: "internal error"}
		}
	})
	defer srv.Close()

	client, err := DialStarknet(context.Background(), srv.URL)
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	r, err := client.TransactionReceipt(ctx, "0xaccepted")
	require.NoError(t, err)
	assert.Equal(t, FinalityAcceptedOnL2, r.FinalityStatus)
	assert.Equal(t, uint64(12), r.BlockNumber)

	r, err = client.TransactionReceipt(ctx, "0xreverted")
	require.NoError(t, err)
	assert.Equal(t, ExecutionReverted, r.ExecutionStatus)
	assert.Equal(t, "0xreverted", r.TxHash)
	assert.Equal(t, models.SettlementFailed, classify("0xreverted", r).State)

	_, err = client.TransactionReceipt(ctx, "0xnull")
	assert.ErrorIs(t, err, ErrReceiptNotFound)

	_, err = client.TransactionReceipt(ctx, "0xmissing")
	assert.ErrorIs(t, err, ErrReceiptNotFound)

	_, err = client.TransactionReceipt(ctx, "0xboom")
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestExecutor_WithNodePoolAndRPC(t *testing.T) {
	srv := rpcServer(t, func(string, []interface{}) (interface{}, *rpcErrorBody) {
		return map[string]interface{}{"execution_status": "SUCCEEDED", "finality_status": "ACCEPTED_ON_L1"}, nil
	})
	defer srv.Close()

	pool, err := NewNodePool(&config.ChainConfig{
		Kind:    "starknet",
		Timeout: "2s",
		Nodes:   []*config.NodeConfig{{Name: "local", URL: srv.URL, Priority: 1}},
	}, nil, quietLogger())
	require.NoError(t, err)
	defer pool.Close()

	e := NewExecutor(pool, ExecutorOptions{}, quietLogger())
	check := e.VerifySettlementTxHash(context.Background(), "0x5e771e")
	assert.Equal(t, models.SettlementSettled, check.State)
}
