package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"
)

type claim struct {
	owner   string
	expires time.Time // zero means no expiry
}

type MemoryIdentityRegistry struct {
	claims map[domain.PeerID]claim
	mu     sync.RWMutex
	now    func() time.Time
}

func NewMemoryIdentityRegistry() ports.IdentityRegistry {
	return newMemoryIdentityRegistry(time.Now)
}

func newMemoryIdentityRegistry(now func() time.Time) *MemoryIdentityRegistry {
	return &MemoryIdentityRegistry{
		claims: make(map[domain.PeerID]claim),
		now:    now,
	}
}

func (r *MemoryIdentityRegistry) Claim(ctx context.Context, id domain.PeerID, owner string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, exists := r.claims[id]; exists && !r.expired(c) && c.owner != owner {
		return fmt.Errorf("%w: %s", domain.ErrIdentityTaken, id)
	}
	r.claims[id] = claim{owner: owner, expires: r.expiry(ttl)}
	return nil
}

func (r *MemoryIdentityRegistry) Refresh(ctx context.Context, id domain.PeerID, owner string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.claims[id]
	if !exists || r.expired(c) || c.owner != owner {
		return fmt.Errorf("%w: %s is not held by %s", domain.ErrPeerNotFound, id, owner)
	}
	c.expires = r.expiry(ttl)
	r.claims[id] = c
	return nil
}

func (r *MemoryIdentityRegistry) Release(ctx context.Context, id domain.PeerID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, exists := r.claims[id]; exists && c.owner == owner {
		delete(r.claims, id)
	}
	return nil
}

func (r *MemoryIdentityRegistry) IsBound(ctx context.Context, id domain.PeerID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.claims[id]
	return exists && !r.expired(c), nil
}

func (r *MemoryIdentityRegistry) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return r.now().Add(ttl)
}

func (r *MemoryIdentityRegistry) expired(c claim) bool {
	return !c.expires.IsZero() && r.now().After(c.expires)
}
