package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 RedisKV 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisKV) {
	mr := miniredis.RunT(t)

	kv, err := NewRedisKV(RedisConfig{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	return mr, kv
}

func TestNewRedisKV_Unreachable(t *testing.T) {
	_, err := NewRedisKV(RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond}, nil)
	assert.Error(t, err)
}

func TestRedisKV_SetAndGet(t *testing.T) {
	mr, kv := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Minute))

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	assert.Equal(t, time.Minute, mr.TTL("k"))
}

func TestRedisKV_DefaultTTL(t *testing.T) {
	mr, kv := setupTestRedis(t)
	require.NoError(t, kv.Set(context.Background(), "k", []byte("v"), 0))
	assert.Equal(t, time.Minute, mr.TTL("k"))
}

func TestRedisKV_Expiry(t *testing.T) {
	mr, kv := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, err := kv.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestRedisKV_GetMissing(t *testing.T) {
	_, kv := setupTestRedis(t)
	_, err := kv.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisKV_Delete(t *testing.T) {
	_, kv := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, kv.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, kv.Delete(ctx, "a", "b", "c"))
	require.NoError(t, kv.Delete(ctx))

	_, err := kv.Get(ctx, "a")
	assert.True(t, IsCacheMiss(err))
}

func TestRedisKV_Sets(t *testing.T) {
	mr, kv := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, kv.AddToSet(ctx, "idx", time.Minute, "q1", "q2"))
	require.NoError(t, kv.AddToSet(ctx, "idx", time.Minute, "q2", "q3"))

	members, err := kv.SetMembers(ctx, "idx")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"q1", "q2", "q3"}, members)
	assert.Equal(t, time.Minute, mr.TTL("idx"))

	empty, err := kv.SetMembers(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisKV_DeletePrefixScansAllPages(t *testing.T) {
	mr, kv := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 450; i++ {
		require.NoError(t, kv.Set(ctx, fmt.Sprintf("ns:item:%d", i), []byte("x"), 0))
	}
	require.NoError(t, kv.Set(ctx, "other:item:1", []byte("x"), 0))

	n, err := kv.DeletePrefix(ctx, "ns:")
	require.NoError(t, err)
	assert.Equal(t, int64(450), n)
	assert.True(t, mr.Exists("other:item:1"))
}

func TestRedisKV_ServerDown(t *testing.T) {
	mr, kv := setupTestRedis(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := kv.Get(ctx, "k")
	require.Error(t, err)
	assert.False(t, IsCacheMiss(err))
	assert.Error(t, kv.Ping(ctx))
}

func TestRedisKV_HealthLoopTracksOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	kv, err := NewRedisKV(RedisConfig{
		Addr:                mr.Addr(),
		HealthCheckInterval: 10 * time.Millisecond,
		MaxRetries:          -1,
	}, nil)
	require.NoError(t, err)
	defer kv.Close()

	assert.True(t, kv.Healthy())
	mr.Close()
	assert.Eventually(t, func() bool { return !kv.Healthy() }, 2*time.Second, 10*time.Millisecond)
}

func TestRedisKV_Close(t *testing.T) {
	_, kv := setupTestRedis(t)

	require.NoError(t, kv.Close())
	require.NoError(t, kv.Close())

	_, err := kv.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, kv.Ping(context.Background()), ErrClosed)
	assert.False(t, kv.Healthy())
}

func TestRedisKV_Stats(t *testing.T) {
	_, kv := setupTestRedis(t)
	require.NoError(t, kv.Ping(context.Background()))

	stats := kv.Stats()
	assert.Contains(t, stats, "total_conns")
	assert.Contains(t, stats, "idle_conns")
}
