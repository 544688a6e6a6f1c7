package services

import (
	"sort"

	"rillchat/internal/core/domain"
)

// BanList holds identities banned for the lifetime of the room.
type BanList struct {
	banned map[domain.PeerID]struct{}
}

func NewBanList() *BanList {
	return &BanList{banned: make(map[domain.PeerID]struct{})}
}

func (b *BanList) Add(id domain.PeerID) {
	b.banned[id] = struct{}{}
}

func (b *BanList) Contains(id domain.PeerID) bool {
	_, exists := b.banned[id]
	return exists
}

func (b *BanList) List() []domain.PeerID {
	ids := make([]domain.PeerID, 0, len(b.banned))
	for id := range b.banned {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (b *BanList) Clear() {
	b.banned = make(map[domain.PeerID]struct{})
}
