package ports

import (
	"context"

	"rillchat/internal/core/domain"
)

// Link is one point-to-point channel to a remote peer.
// Send must not block and must not call back into the LinkHandler synchronously.
type Link interface {
	RemoteID() domain.PeerID
	Send(data []byte) error
	Close() error
}

// LinkHandler receives link lifecycle events. Events for a single link arrive in order.
type LinkHandler interface {
	OnLinkOpen(link Link)
	OnLinkData(link Link, data []byte)
	OnLinkClose(link Link)
	OnLinkError(link Link, err error)
}

type Transport interface {
	// Bind claims id for this process, or an anonymous identity when id is empty.
	// Returns domain.ErrIdentityTaken when another process already holds id.
	Bind(ctx context.Context, id domain.PeerID, handler LinkHandler) (domain.PeerID, error)
	// Connect opens an outbound link. Open is reported through the LinkHandler.
	Connect(ctx context.Context, id domain.PeerID) (Link, error)
	Close() error
}
