package store

import (
	"context"
	"testing"

	"vaultgate/pkg/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openMiniRedis 每个子测试一个独立实例，脚本由 miniredis 内置的 Lua 执行
func openMiniRedis(t *testing.T) (*RedisReplayStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisReplayStoreFromClient(client, testLogger())
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisReplayStore(t *testing.T) {
	replayStoreContract(t, func(t *testing.T) ReplayStore {
		s, _ := openMiniRedis(t)
		return s
	})
}

func TestRedisReplayStore_PendingIndex(t *testing.T) {
	s, mr := openMiniRedis(t)
	ctx := context.Background()

	_, err := s.UpsertPending(ctx, template("idx"))
	require.NoError(t, err)
	members, err := mr.ZMembers(redisPendingKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"idx"}, members)
	assert.Equal(t, "idx", mustGet(t, mr, redisRefPrefix+"pay_idx"))

	_, err = s.MarkSettled(ctx, "idx", "0x1", models.ExecutionReal)
	require.NoError(t, err)
	n, err := s.client.ZCard(ctx, redisPendingKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "终态记录移出待结算索引")
}

func TestRedisReplayStore_ClaimKeyWritten(t *testing.T) {
	s, mr := openMiniRedis(t)
	ctx := context.Background()

	_, err := s.UpsertPending(ctx, template("cl"))
	require.NoError(t, err)
	_, err = s.MarkSettled(ctx, "cl", "0x1", models.ExecutionReal)
	require.NoError(t, err)

	ok, err := s.ClaimAccess(ctx, "cl")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists(redisClaimPrefix+"cl"))
}

func TestRedisReplayStore_ConnectionError(t *testing.T) {
	s, mr := openMiniRedis(t)
	mr.Close()

	_, err := s.UpsertPending(context.Background(), template("down"))
	assert.Error(t, err)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestTimestampMatchesJSONEncoding(t *testing.T) {
	s := NewMemoryReplayStore()
	rec, err := s.UpsertPending(context.Background(), template("ts"))
	require.NoError(t, err)

	raw := `{"replay_key":"ts","payment_ref":"pay_ts","status":"pending","created_at":"` +
		timestamp(rec.CreatedAt) + `","updated_at":"` + timestamp(rec.UpdatedAt) + `"}`
	decoded, err := decodeReplay(raw)
	require.NoError(t, err)
	require.True(t, decoded.CreatedAt.Equal(rec.CreatedAt))
}
