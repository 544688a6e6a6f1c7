package services

import (
	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"
)

// ConnectionRegistry owns the set of live peer links. It is not safe for
// concurrent use; the Session serializes access.
type ConnectionRegistry struct {
	links   map[domain.PeerID]ports.Link
	order   []domain.PeerID
	pending map[domain.PeerID][][]byte

	maxPending int
}

func NewConnectionRegistry(maxPending int) *ConnectionRegistry {
	if maxPending <= 0 {
		maxPending = 64
	}
	return &ConnectionRegistry{
		links:      make(map[domain.PeerID]ports.Link),
		pending:    make(map[domain.PeerID][][]byte),
		maxPending: maxPending,
	}
}

// Register marks link as the open link for id. A previous link for the same
// identity is returned so the caller can close it.
func (r *ConnectionRegistry) Register(id domain.PeerID, link ports.Link) ports.Link {
	old, exists := r.links[id]
	r.links[id] = link
	if !exists {
		r.order = append(r.order, id)
	}
	if old == link {
		return nil
	}
	return old
}

// Unregister removes id and returns its link, if any. Buffered data is discarded.
func (r *ConnectionRegistry) Unregister(id domain.PeerID) ports.Link {
	delete(r.pending, id)
	link, exists := r.links[id]
	if !exists {
		return nil
	}
	delete(r.links, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return link
}

func (r *ConnectionRegistry) Get(id domain.PeerID) (ports.Link, bool) {
	link, exists := r.links[id]
	return link, exists
}

// Owns reports whether link is the current registered link for its identity.
func (r *ConnectionRegistry) Owns(link ports.Link) bool {
	current, exists := r.links[link.RemoteID()]
	return exists && current == link
}

// ForEachOpen calls fn for every open link in registration order.
func (r *ConnectionRegistry) ForEachOpen(fn func(id domain.PeerID, link ports.Link)) {
	for _, id := range r.IDs() {
		fn(id, r.links[id])
	}
}

// IDs returns registered identities in registration order.
func (r *ConnectionRegistry) IDs() []domain.PeerID {
	ids := make([]domain.PeerID, len(r.order))
	copy(ids, r.order)
	return ids
}

func (r *ConnectionRegistry) Len() int {
	return len(r.links)
}

// Buffer holds data that arrived on a link before it was admitted.
// It returns false when the buffer for id is full and data was dropped.
func (r *ConnectionRegistry) Buffer(id domain.PeerID, data []byte) bool {
	if len(r.pending[id]) >= r.maxPending {
		return false
	}
	r.pending[id] = append(r.pending[id], data)
	return true
}

// TakePending returns and clears data buffered for id, in arrival order.
func (r *ConnectionRegistry) TakePending(id domain.PeerID) [][]byte {
	data := r.pending[id]
	delete(r.pending, id)
	return data
}

func (r *ConnectionRegistry) DropPending(id domain.PeerID) {
	delete(r.pending, id)
}

// Clear empties the registry and returns every link it held.
func (r *ConnectionRegistry) Clear() []ports.Link {
	links := make([]ports.Link, 0, len(r.links))
	for _, id := range r.order {
		links = append(links, r.links[id])
	}
	r.links = make(map[domain.PeerID]ports.Link)
	r.pending = make(map[domain.PeerID][][]byte)
	r.order = nil
	return links
}
