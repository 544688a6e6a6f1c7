package services

import (
	"fmt"

	"rillchat/internal/core/domain"
)

// ParticipantDirectory maps identities to participants. On the Host it is
// authoritative; on a Guest it only changes through Replace.
type ParticipantDirectory struct {
	hostID  domain.PeerID
	bans    *BanList
	entries map[domain.PeerID]domain.Participant
	order   []domain.PeerID
}

func NewParticipantDirectory(hostID domain.PeerID, bans *BanList) *ParticipantDirectory {
	return &ParticipantDirectory{
		hostID:  hostID,
		bans:    bans,
		entries: make(map[domain.PeerID]domain.Participant),
	}
}

// Admit adds id with its default role and name. An existing entry is kept as is.
func (d *ParticipantDirectory) Admit(id domain.PeerID) (domain.Participant, error) {
	if d.bans != nil && d.bans.Contains(id) {
		return domain.Participant{}, domain.ErrBanned
	}
	if p, exists := d.entries[id]; exists {
		return p, nil
	}
	p := d.defaultEntry(id)
	d.put(p)
	return p, nil
}

// AdmitAs adds id with an explicit role, used for the local participant.
func (d *ParticipantDirectory) AdmitAs(id domain.PeerID, name string, role domain.Role) domain.Participant {
	p := domain.Participant{ID: id, DisplayName: name, Role: role}
	d.put(p)
	return p
}

func (d *ParticipantDirectory) Remove(id domain.PeerID) bool {
	if _, exists := d.entries[id]; !exists {
		return false
	}
	delete(d.entries, id)
	for i, existing := range d.order {
		if existing == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

func (d *ParticipantDirectory) Get(id domain.PeerID) (domain.Participant, bool) {
	p, exists := d.entries[id]
	return p, exists
}

func (d *ParticipantDirectory) SetRole(id domain.PeerID, role domain.Role) error {
	p, exists := d.entries[id]
	if !exists {
		return domain.ErrPeerNotFound
	}
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	if role == domain.RoleHost && id != d.hostID {
		return fmt.Errorf("%w: only %s can hold the host role", domain.ErrNotAuthorized, d.hostID)
	}
	p.Role = role
	d.entries[id] = p
	return nil
}

// Reconcile rebuilds the directory from the set of connected identities:
// the Host first, then connected peers in order. Known entries keep their
// names and roles, unknown connected peers get a default entry, and anything
// no longer connected is dropped.
func (d *ParticipantDirectory) Reconcile(connected []domain.PeerID) []domain.Participant {
	next := make(map[domain.PeerID]domain.Participant, len(connected)+1)
	order := make([]domain.PeerID, 0, len(connected)+1)

	host, exists := d.entries[d.hostID]
	if !exists {
		host = d.defaultEntry(d.hostID)
	}
	next[d.hostID] = host
	order = append(order, d.hostID)

	for _, id := range connected {
		if _, seen := next[id]; seen {
			continue
		}
		if d.bans != nil && d.bans.Contains(id) {
			continue
		}
		p, exists := d.entries[id]
		if !exists {
			p = d.defaultEntry(id)
		}
		next[id] = p
		order = append(order, id)
	}

	d.entries = next
	d.order = order
	return d.List()
}

// Replace wholly substitutes the directory with a replicated list.
func (d *ParticipantDirectory) Replace(participants []domain.Participant) {
	d.entries = make(map[domain.PeerID]domain.Participant, len(participants))
	d.order = make([]domain.PeerID, 0, len(participants))
	for _, p := range participants {
		if _, dup := d.entries[p.ID]; dup {
			continue
		}
		d.entries[p.ID] = p
		d.order = append(d.order, p.ID)
	}
}

func (d *ParticipantDirectory) List() []domain.Participant {
	out := make([]domain.Participant, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.entries[id])
	}
	return out
}

func (d *ParticipantDirectory) Len() int {
	return len(d.entries)
}

func (d *ParticipantDirectory) Clear() {
	d.entries = make(map[domain.PeerID]domain.Participant)
	d.order = nil
}

func (d *ParticipantDirectory) put(p domain.Participant) {
	if _, exists := d.entries[p.ID]; !exists {
		d.order = append(d.order, p.ID)
	}
	d.entries[p.ID] = p
}

func (d *ParticipantDirectory) defaultEntry(id domain.PeerID) domain.Participant {
	if id == d.hostID {
		return domain.Participant{ID: id, DisplayName: domain.HostDisplayName, Role: domain.RoleHost}
	}
	return domain.Participant{ID: id, DisplayName: domain.DefaultDisplayName(id), Role: domain.RoleGuest}
}
