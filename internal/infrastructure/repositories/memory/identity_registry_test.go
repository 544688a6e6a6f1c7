package memory

import (
	"context"
	"testing"
	"time"

	"rillchat/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIdentityRegistry_ClaimConflict(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryIdentityRegistry()

	require.NoError(t, r.Claim(ctx, "room-host", "conn-1", time.Minute))
	assert.NoError(t, r.Claim(ctx, "room-host", "conn-1", time.Minute), "same owner may re-claim")
	assert.ErrorIs(t, r.Claim(ctx, "room-host", "conn-2", time.Minute), domain.ErrIdentityTaken)

	bound, err := r.IsBound(ctx, "room-host")
	require.NoError(t, err)
	assert.True(t, bound)

	require.NoError(t, r.Release(ctx, "room-host", "conn-2"))
	bound, _ = r.IsBound(ctx, "room-host")
	assert.True(t, bound, "release by non-owner is ignored")

	require.NoError(t, r.Release(ctx, "room-host", "conn-1"))
	assert.NoError(t, r.Claim(ctx, "room-host", "conn-2", time.Minute))
}

func TestMemoryIdentityRegistry_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	r := newMemoryIdentityRegistry(func() time.Time { return now })

	require.NoError(t, r.Claim(ctx, "id", "a", 10*time.Second))
	now = now.Add(5 * time.Second)
	require.NoError(t, r.Refresh(ctx, "id", "a", 10*time.Second))
	assert.ErrorIs(t, r.Refresh(ctx, "id", "b", 10*time.Second), domain.ErrPeerNotFound)

	now = now.Add(11 * time.Second)
	bound, err := r.IsBound(ctx, "id")
	require.NoError(t, err)
	assert.False(t, bound)
	assert.NoError(t, r.Claim(ctx, "id", "b", 0))
}
