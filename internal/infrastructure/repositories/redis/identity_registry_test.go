package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"rillchat/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *RedisIdentityRegistry {
	t.Helper()
	addr := os.Getenv("RILLCHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RILLCHAT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	r := NewRedisIdentityRegistry(client).(*RedisIdentityRegistry)
	r.prefix = "rillchat:test:" + t.Name() + ":"
	return r
}

func TestRedisIdentityRegistry_ClaimConflict(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	require.NoError(t, r.Claim(ctx, "room-host", "conn-1", time.Minute))
	assert.NoError(t, r.Claim(ctx, "room-host", "conn-1", time.Minute))
	assert.ErrorIs(t, r.Claim(ctx, "room-host", "conn-2", time.Minute), domain.ErrIdentityTaken)

	require.NoError(t, r.Release(ctx, "room-host", "conn-2"))
	bound, err := r.IsBound(ctx, "room-host")
	require.NoError(t, err)
	assert.True(t, bound, "release by non-owner is ignored")

	require.NoError(t, r.Release(ctx, "room-host", "conn-1"))
	bound, err = r.IsBound(ctx, "room-host")
	require.NoError(t, err)
	assert.False(t, bound)
}

func TestRedisIdentityRegistry_RefreshAndExpiry(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	require.NoError(t, r.Claim(ctx, "id", "a", 200*time.Millisecond))
	require.NoError(t, r.Refresh(ctx, "id", "a", 200*time.Millisecond))
	assert.ErrorIs(t, r.Refresh(ctx, "id", "b", time.Second), domain.ErrPeerNotFound)

	assert.Eventually(t, func() bool {
		bound, err := r.IsBound(ctx, "id")
		return err == nil && !bound
	}, 2*time.Second, 50*time.Millisecond)
	assert.NoError(t, r.Claim(ctx, "id", "b", time.Minute))
	require.NoError(t, r.Release(ctx, "id", "b"))
}
