package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisLockStore, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), RedisConfig{URL: "redis://" + server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisLockStore(client), server
}

func TestRedisLockStoreContract(t *testing.T) {
	store, server := setupRedisStore(t)
	exerciseLockStore(t, store, server.FastForward)
}

func TestRedisLockStoreKeysAndTTL(t *testing.T) {
	store, server := setupRedisStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "thread-1", "alice", 30*time.Second)
	require.NoError(t, err)

	value, err := server.Get("threadsync:lock:thread-1")
	require.NoError(t, err)
	require.Equal(t, "alice", value)
	require.Equal(t, 30*time.Second, server.TTL("threadsync:lock:thread-1"))

	lease, err := store.Holder(ctx, "thread-1")
	require.NoError(t, err)
	require.Equal(t, "alice", lease.Holder)
	require.False(t, lease.ExpiresAt.IsZero())

	require.NoError(t, store.Ping(ctx))
}

func TestNewRedisClientWithAddress(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), RedisConfig{Address: server.Addr(), Timeout: time.Second})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	require.True(t, server.Exists("k"))
}

func TestNewRedisClientRequiresAddress(t *testing.T) {
	_, err := NewRedisClient(context.Background(), RedisConfig{})
	require.ErrorContains(t, err, "address is required")

	_, err = NewRedisClient(context.Background(), RedisConfig{URL: "://bad"})
	require.Error(t, err)
}
