package ports

import (
	"context"
	"time"

	"rillchat/internal/core/domain"
)

// IdentityRegistry tracks which signaling connection owns an identity.
type IdentityRegistry interface {
	// Claim binds id to owner. Returns domain.ErrIdentityTaken if another owner holds it.
	Claim(ctx context.Context, id domain.PeerID, owner string, ttl time.Duration) error
	Refresh(ctx context.Context, id domain.PeerID, owner string, ttl time.Duration) error
	Release(ctx context.Context, id domain.PeerID, owner string) error
	IsBound(ctx context.Context, id domain.PeerID) (bool, error)
}
