package services

import (
	"sort"

	"rillchat/internal/core/domain"
)

// TypingTracker is the set of identities currently composing a message.
// State is whatever the last TYPING event said; there are no timestamps.
type TypingTracker struct {
	typing map[domain.PeerID]struct{}
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{typing: make(map[domain.PeerID]struct{})}
}

// SetTyping reports whether the set changed.
func (t *TypingTracker) SetTyping(id domain.PeerID, isTyping bool) bool {
	_, was := t.typing[id]
	if isTyping == was {
		return false
	}
	if isTyping {
		t.typing[id] = struct{}{}
	} else {
		delete(t.typing, id)
	}
	return true
}

func (t *TypingTracker) IsTyping(id domain.PeerID) bool {
	_, exists := t.typing[id]
	return exists
}

func (t *TypingTracker) Remove(id domain.PeerID) bool {
	return t.SetTyping(id, false)
}

// Retain drops every identity for which keep returns false.
func (t *TypingTracker) Retain(keep func(domain.PeerID) bool) bool {
	changed := false
	for id := range t.typing {
		if !keep(id) {
			delete(t.typing, id)
			changed = true
		}
	}
	return changed
}

func (t *TypingTracker) List() []domain.PeerID {
	ids := make([]domain.PeerID, 0, len(t.typing))
	for id := range t.typing {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *TypingTracker) Clear() {
	t.typing = make(map[domain.PeerID]struct{})
}
