package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vaultgate/internal/config"
	"vaultgate/internal/logging"
	"vaultgate/internal/retry"

	"github.com/sirupsen/logrus"
)

// DialFunc 创建单个节点的客户端
type DialFunc func(ctx context.Context, kind, url string) (ReceiptClient, error)

// nodeConn 单个节点的连接与健康状态
type nodeConn struct {
	cfg       *config.NodeConfig
	mu        sync.Mutex
	client    ReceiptClient
	healthy   bool
	lastError time.Time
	failures  int
}

// NodePool 按优先级选择节点的回执查询池。
// 节点在传输错误后进入冷却期，冷却期内跳过；全部节点都在冷却时仍会尝试优先级最高的节点。
type NodePool struct {
	kind     string
	nodes    []*nodeConn
	dial     DialFunc
	retrier  *retry.Retrier
	timeout  time.Duration
	cooldown time.Duration
	logger   *logrus.Logger
}

// NewNodePool 创建节点池，连接在首次使用时建立
func NewNodePool(cfg *config.ChainConfig, dial DialFunc, logger *logrus.Logger) (*NodePool, error) {
	if dial == nil {
		dial = Dial
	}

	var nodes []*nodeConn
	for _, n := range cfg.Nodes {
		if n == nil || n.URL == "" {
			continue
		}
		nodes = append(nodes, &nodeConn{cfg: n, healthy: true})
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("没有可用的节点配置")
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].cfg.Priority < nodes[j].cfg.Priority })

	return &NodePool{
		kind:     cfg.Kind,
		nodes:    nodes,
		dial:     dial,
		retrier:  retry.NewRetrier(retry.RPCRetryConfig, logger),
		timeout:  cfg.TimeoutDuration(),
		cooldown: 30 * time.Second,
		logger:   logger,
	}, nil
}

// candidates 可用节点，按优先级排序
func (p *NodePool) candidates() []*nodeConn {
	var out []*nodeConn
	for _, n := range p.nodes {
		n.mu.Lock()
		ok := n.healthy || time.Since(n.lastError) >= p.cooldown
		n.mu.Unlock()
		if ok {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		out = p.nodes[:1]
	}
	return out
}

// clientFor 获取或建立节点连接
func (p *NodePool) clientFor(ctx context.Context, n *nodeConn) (ReceiptClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client != nil {
		return n.client, nil
	}
	c, err := p.dial(ctx, p.kind, n.cfg.URL)
	if err != nil {
		return nil, err
	}
	n.client = c
	return c, nil
}

func (p *NodePool) markFailure(n *nodeConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.healthy = false
	n.lastError = time.Now()
	n.failures++
	// 连接可能已损坏，下次重新建立
	if n.client != nil {
		n.client.Close()
		n.client = nil
	}
}

func (p *NodePool) markHealthy(n *nodeConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.healthy = true
	n.failures = 0
}

// TransactionReceipt 依优先级查询回执，返回应答的节点名。
// "尚未索引"是节点的明确答复，不切换节点。
func (p *NodePool) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, string, error) {
	var lastErr error
	for _, n := range p.candidates() {
		log := logging.NewRPCLogger(p.logger, "TransactionReceipt", n.cfg.Name)

		receipt, err := retry.Do(ctx, p.retrier, "receipt:"+n.cfg.Name, func(ctx context.Context) (*Receipt, error) {
			client, err := p.clientFor(ctx, n)
			if err != nil {
				return nil, err
			}
			callCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			return client.TransactionReceipt(callCtx, txHash)
		})
		if err == nil || IsNotFound(err) {
			p.markHealthy(n)
			return receipt, n.cfg.Name, err
		}
		if ctx.Err() != nil {
			return nil, n.cfg.Name, ctx.Err()
		}

		log.WithField("tx_hash", txHash).Warnf("节点查询失败，尝试下一个节点: %v", err)
		p.markFailure(n)
		lastErr = err
	}
	return nil, "", fmt.Errorf("所有节点查询失败: %w", lastErr)
}

// Stats 节点状态
func (p *NodePool) Stats() map[string]interface{} {
	stats := make(map[string]interface{}, len(p.nodes))
	for _, n := range p.nodes {
		n.mu.Lock()
		stats[n.cfg.Name] = map[string]interface{}{
			"priority":   n.cfg.Priority,
			"healthy":    n.healthy,
			"connected":  n.client != nil,
			"failures":   n.failures,
			"last_error": n.lastError.Format(time.RFC3339),
		}
		n.mu.Unlock()
	}
	return stats
}

// Close 关闭所有连接
func (p *NodePool) Close() {
	for _, n := range p.nodes {
		n.mu.Lock()
		if n.client != nil {
			n.client.Close()
			n.client = nil
		}
		n.mu.Unlock()
	}
	p.logger.Info("节点连接已关闭")
}
