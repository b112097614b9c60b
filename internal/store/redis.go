package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vaultgate/pkg/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// 键前缀
const (
	redisRecordPrefix = "vaultgate:x402:replay:"
	redisRefPrefix    = "vaultgate:x402:ref:"
	redisPendingKey   = "vaultgate:x402:pending"
	redisClaimPrefix  = "vaultgate:x402:claim:"
)

// upsertPendingScript 不存在则插入；pending 且无哈希时补哈希；否则原样返回
// KEYS[1] = 记录键, KEYS[2] = paymentRef 索引键, KEYS[3] = pending 有序集合
// ARGV[1] = 新记录 JSON, ARGV[2] = 哈希, ARGV[3] = 执行模式, ARGV[4] = 当前时间, ARGV[5] = 排序分值, ARGV[6] = replayKey
var upsertPendingScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    redis.call("SET", KEYS[1], ARGV[1])
    redis.call("SET", KEYS[2], ARGV[6])
    redis.call("ZADD", KEYS[3], ARGV[5], ARGV[6])
    return ARGV[1]
end
local rec = cjson.decode(cur)
local hash = rec.settlement_tx_hash
if rec.status == "pending" and (hash == nil or hash == "") and ARGV[2] ~= "" then
    rec.settlement_tx_hash = ARGV[2]
    rec.execution_mode = ARGV[3]
    rec.updated_at = ARGV[4]
    cur = cjson.encode(rec)
    redis.call("SET", KEYS[1], cur)
end
return cur
`)

// markSettledScript pending→settled；记录不存在返回 nil
// KEYS[1] = 记录键, KEYS[2] = pending 有序集合
// ARGV[1] = 哈希, ARGV[2] = 执行模式, ARGV[3] = 当前时间, ARGV[4] = replayKey
var markSettledScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    return false
end
local rec = cjson.decode(cur)
if rec.status ~= "pending" then
    return cur
end
rec.status = "settled"
if ARGV[1] ~= "" then rec.settlement_tx_hash = ARGV[1] end
if ARGV[2] ~= "" then rec.execution_mode = ARGV[2] end
rec.reason_code = nil
rec.updated_at = ARGV[3]
cur = cjson.encode(rec)
redis.call("SET", KEYS[1], cur)
redis.call("ZREM", KEYS[2], ARGV[4])
return cur
`)

// markRejectedScript 不存在则插入 rejected；pending→rejected；终态原样返回
// KEYS 同 upsertPendingScript
// ARGV[1] = 新记录 JSON, ARGV[2] = 原因码, ARGV[3] = 当前时间, ARGV[4] = replayKey
var markRejectedScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    redis.call("SET", KEYS[1], ARGV[1])
    redis.call("SET", KEYS[2], ARGV[4])
    return ARGV[1]
end
local rec = cjson.decode(cur)
if rec.status ~= "pending" then
    return cur
end
rec.status = "rejected"
rec.reason_code = ARGV[2]
rec.updated_at = ARGV[3]
cur = cjson.encode(rec)
redis.call("SET", KEYS[1], cur)
redis.call("ZREM", KEYS[3], ARGV[4])
return cur
`)

// RedisReplayStore 基于 Redis 的重放账本，写入由 Lua 脚本保证原子性
type RedisReplayStore struct {
	client *redis.Client
	logger *logrus.Logger
	now    func() time.Time
}

// NewRedisReplayStore 连接 Redis
func NewRedisReplayStore(addr, password string, db int, logger *logrus.Logger) (*RedisReplayStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis 连接测试失败: %w", err)
	}

	logger.Infof("Redis 重放账本已连接: %s", addr)
	return NewRedisReplayStoreFromClient(client, logger), nil
}

// NewRedisReplayStoreFromClient 使用已有客户端
func NewRedisReplayStoreFromClient(client *redis.Client, logger *logrus.Logger) *RedisReplayStore {
	return &RedisReplayStore{client: client, logger: logger, now: time.Now}
}

func decodeReplay(raw string) (*models.ReplayRecord, error) {
	var rec models.ReplayRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("解析重放记录失败: %w", err)
	}
	return &rec, nil
}

// timestamp 与 encoding/json 对 time.Time 的编码一致
func timestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// Get 实现 ReplayStore
func (s *RedisReplayStore) Get(ctx context.Context, replayKey string) (*models.ReplayRecord, error) {
	raw, err := s.client.Get(ctx, redisRecordPrefix+replayKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err, "REPLAY_QUERY_FAILED", "查询重放记录失败")
	}
	return decodeReplay(raw)
}

// GetByPaymentRef 实现 ReplayStore
func (s *RedisReplayStore) GetByPaymentRef(ctx context.Context, paymentRef string) (*models.ReplayRecord, error) {
	key, err := s.client.Get(ctx, redisRefPrefix+paymentRef).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err, "REPLAY_QUERY_FAILED", "查询重放记录失败")
	}
	return s.Get(ctx, key)
}

// UpsertPending 实现 ReplayStore
func (s *RedisReplayStore) UpsertPending(ctx context.Context, record *models.ReplayRecord) (*models.ReplayRecord, error) {
	now := s.now()
	fresh, err := json.Marshal(newRecord(record, models.ReplayPending, now))
	if err != nil {
		return nil, storeError(err, "REPLAY_ENCODE_FAILED", "序列化重放记录失败")
	}

	keys := []string{redisRecordPrefix + record.ReplayKey, redisRefPrefix + record.PaymentRef, redisPendingKey}
	raw, err := upsertPendingScript.Run(ctx, s.client, keys, string(fresh), record.SettlementTxHash,
		string(record.ExecutionMode), timestamp(now), now.UnixNano(), record.ReplayKey).Text()
	if err != nil {
		return nil, storeError(err, "REPLAY_WRITE_FAILED", "写入待结算记录失败")
	}
	return decodeReplay(raw)
}

// MarkSettled 实现 ReplayStore
func (s *RedisReplayStore) MarkSettled(ctx context.Context, replayKey, txHash string, mode models.ExecutionMode) (*models.ReplayRecord, error) {
	keys := []string{redisRecordPrefix + replayKey, redisPendingKey}
	raw, err := markSettledScript.Run(ctx, s.client, keys, txHash, string(mode), timestamp(s.now()), replayKey).Text()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(replayKey)
	}
	if err != nil {
		return nil, storeError(err, "REPLAY_WRITE_FAILED", "标记结算失败")
	}
	return decodeReplay(raw)
}

// MarkRejected 实现 ReplayStore
func (s *RedisReplayStore) MarkRejected(ctx context.Context, record *models.ReplayRecord, code models.ReasonCode) (*models.ReplayRecord, error) {
	now := s.now()
	rec := newRecord(record, models.ReplayRejected, now)
	rec.ReasonCode = code
	fresh, err := json.Marshal(rec)
	if err != nil {
		return nil, storeError(err, "REPLAY_ENCODE_FAILED", "序列化重放记录失败")
	}

	keys := []string{redisRecordPrefix + record.ReplayKey, redisRefPrefix + record.PaymentRef, redisPendingKey}
	raw, err := markRejectedScript.Run(ctx, s.client, keys, string(fresh), string(code), timestamp(now), record.ReplayKey).Text()
	if err != nil {
		return nil, storeError(err, "REPLAY_WRITE_FAILED", "记录拒绝结果失败")
	}
	return decodeReplay(raw)
}

// ListPending 实现 ReplayStore，有序集合按创建时间排序
func (s *RedisReplayStore) ListPending(ctx context.Context, limit int) ([]*models.ReplayRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	replayKeys, err := s.client.ZRange(ctx, redisPendingKey, 0, stop).Result()
	if err != nil {
		return nil, storeError(err, "REPLAY_QUERY_FAILED", "查询待结算记录失败")
	}
	out := make([]*models.ReplayRecord, 0, len(replayKeys))
	if len(replayKeys) == 0 {
		return out, nil
	}

	keys := make([]string, len(replayKeys))
	for i, k := range replayKeys {
		keys[i] = redisRecordPrefix + k
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeError(err, "REPLAY_QUERY_FAILED", "查询待结算记录失败")
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeReplay(raw)
		if err != nil {
			s.logger.Warnf("跳过无法解析的重放记录: %v", err)
			continue
		}
		if rec.Status == models.ReplayPending {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ClaimAccess 实现 ReplayStore；settled 是终态，先读后 SETNX 不会错放
func (s *RedisReplayStore) ClaimAccess(ctx context.Context, replayKey string) (bool, error) {
	rec, err := s.Get(ctx, replayKey)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.Status != models.ReplaySettled {
		return false, nil
	}
	ok, err := s.client.SetNX(ctx, redisClaimPrefix+replayKey, timestamp(s.now()), 0).Result()
	if err != nil {
		return false, storeError(err, "REPLAY_WRITE_FAILED", "登记访问兑换失败")
	}
	return ok, nil
}

// Close 关闭客户端
func (s *RedisReplayStore) Close() error {
	return s.client.Close()
}
