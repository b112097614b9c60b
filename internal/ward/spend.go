package ward

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"vaultgate/internal/validation"
	"vaultgate/pkg/models"
)

// spendKind 入口点类别
type spendKind int

const (
	kindUnknown spendKind = iota
	kindSpend
	kindRead
)

// 常见入口点，Cairo 0 与 Cairo 1 两种命名都要识别
var entrypoints = map[string]spendKind{
	"transfer":      kindSpend,
	"transfer_from": kindSpend,
	"transferfrom":  kindSpend,
	"approve":       kindSpend,
	"balance_of":    kindRead,
	"balanceof":     kindRead,
	"allowance":     kindRead,
	"decimals":      kindRead,
	"symbol":        kindRead,
	"name":          kindRead,
	"total_supply":  kindRead,
	"totalsupply":   kindRead,
}

// 金额在 calldata 中的起始位置（u256 为 low, high 两个 felt）
var amountOffset = map[string]int{
	"transfer":      1, // [recipient, low, high]
	"approve":       1, // [spender, low, high]
	"transfer_from": 2, // [sender, recipient, low, high]
	"transferfrom":  2,
}

var u128Bound = new(big.Int).Lsh(big.NewInt(1), 128)

// TokenRegistry 已知的价值转移合约
type TokenRegistry struct {
	mu    sync.RWMutex
	known map[string]struct{}
}

// NewTokenRegistry 创建合约注册表
func NewTokenRegistry(addresses ...string) *TokenRegistry {
	r := &TokenRegistry{known: make(map[string]struct{})}
	for _, addr := range addresses {
		r.Add(addr)
	}
	return r
}

// Add 注册合约地址
func (r *TokenRegistry) Add(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[validation.NormalizeFelt(address)] = struct{}{}
}

// IsKnown 是否为已知合约
func (r *TokenRegistry) IsKnown(address string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[validation.NormalizeFelt(address)]
	return ok
}

// Size 已注册合约数量
func (r *TokenRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.known)
}

// SpendResult 花费解析结果
type SpendResult struct {
	Amount       *big.Int // Unknown 时为 nil
	Unknown      bool
	AllSelfCalls bool
	Detail       string // 无法界定时的原因
}

// ParseSpend 计算一批调用的花费总额，任何无法识别的目标都使整批变为 unknown
func ParseSpend(snapshot *models.WardPolicySnapshot, calls []models.Call, registry *TokenRegistry) SpendResult {
	wardAddr := ""
	if snapshot != nil {
		wardAddr = validation.NormalizeFelt(snapshot.WardAddress)
	}

	total := new(big.Int)
	selfCalls := 0

	for i, call := range calls {
		target := validation.NormalizeFelt(call.ContractAddress)

		// 自管理调用（改设备密钥等）不算花费
		if wardAddr != "" && target == wardAddr {
			selfCalls++
			continue
		}

		if !registry.IsKnown(target) {
			return unknownSpend(fmt.Sprintf("call %d: 未知合约 %s", i, target))
		}

		entry := strings.ToLower(strings.TrimSpace(call.Entrypoint))
		switch entrypoints[entry] {
		case kindRead:
			continue
		case kindSpend:
			amount, err := decodeAmount(entry, call.Calldata)
			if err != nil {
				return unknownSpend(fmt.Sprintf("call %d: %v", i, err))
			}
			total.Add(total, amount)
		default:
			return unknownSpend(fmt.Sprintf("call %d: 未知入口点 %s", i, call.Entrypoint))
		}
	}

	return SpendResult{
		Amount:       total,
		AllSelfCalls: len(calls) > 0 && selfCalls == len(calls),
	}
}

func unknownSpend(detail string) SpendResult {
	return SpendResult{Unknown: true, Detail: detail}
}

// decodeAmount 从 calldata 末尾解码 u256 金额，单个 felt 视为完整金额
func decodeAmount(entry string, calldata []string) (*big.Int, error) {
	offset := amountOffset[entry]
	switch len(calldata) - offset {
	case 2:
		low, ok := validation.ParseFelt(calldata[offset])
		if !ok {
			return nil, fmt.Errorf("金额低位无效: %q", calldata[offset])
		}
		high, ok := validation.ParseFelt(calldata[offset+1])
		if !ok {
			return nil, fmt.Errorf("金额高位无效: %q", calldata[offset+1])
		}
		if low.Cmp(u128Bound) >= 0 || high.Cmp(u128Bound) >= 0 {
			return nil, fmt.Errorf("u256 分量超过 128 位")
		}
		return new(big.Int).Add(low, new(big.Int).Lsh(high, 128)), nil
	case 1:
		amount, ok := validation.ParseFelt(calldata[offset])
		if !ok {
			return nil, fmt.Errorf("金额无效: %q", calldata[offset])
		}
		return amount, nil
	default:
		return nil, fmt.Errorf("%s 的 calldata 长度 %d 不符合预期", entry, len(calldata))
	}
}
