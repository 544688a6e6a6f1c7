package services

import (
	"fmt"

	"rillchat/internal/core/domain"
)

// ModerationDecision is the authorized effect of an admin action.
type ModerationDecision struct {
	Action  domain.AdminAction
	Target  domain.PeerID
	NewRole domain.Role // set for promote/demote
	Evict   bool        // kick or ban
	Ban     bool
	Reason  string
	NoOp    bool // authorized but nothing changes
}

// ModerationEngine authorizes admin actions against the participant directory.
type ModerationEngine struct {
	directory *ParticipantDirectory
	bans      *BanList
}

func NewModerationEngine(directory *ParticipantDirectory, bans *BanList) *ModerationEngine {
	return &ModerationEngine{directory: directory, bans: bans}
}

// Authorize checks requester against target and returns the decision to execute.
func (m *ModerationEngine) Authorize(requester, target domain.PeerID, action domain.AdminAction) (ModerationDecision, error) {
	if !action.Valid() {
		return ModerationDecision{}, fmt.Errorf("%w: unknown action %q", domain.ErrMalformedMessage, action)
	}

	r, exists := m.directory.Get(requester)
	if !exists || (r.Role != domain.RoleHost && r.Role != domain.RoleManager) {
		return ModerationDecision{}, fmt.Errorf("%w: requester %s lacks moderation rights", domain.ErrNotAuthorized, requester)
	}

	t, exists := m.directory.Get(target)
	if !exists {
		return ModerationDecision{}, fmt.Errorf("%w: %s", domain.ErrPeerNotFound, target)
	}
	if t.Role == domain.RoleHost {
		return ModerationDecision{}, fmt.Errorf("%w: the host cannot be targeted", domain.ErrNotAuthorized)
	}
	if r.Role == domain.RoleManager && t.Role.Rank() >= r.Role.Rank() {
		return ModerationDecision{}, fmt.Errorf("%w: managers cannot act on %s", domain.ErrNotAuthorized, t.Role)
	}

	decision := ModerationDecision{Action: action, Target: target}
	switch action {
	case domain.ActionPromote:
		decision.NewRole = domain.RoleManager
		decision.NoOp = t.Role != domain.RoleGuest
	case domain.ActionDemote:
		decision.NewRole = domain.RoleGuest
		decision.NoOp = t.Role != domain.RoleManager
	case domain.ActionKick:
		decision.Evict = true
		decision.Reason = domain.KickReasonKicked
	case domain.ActionBan:
		decision.Evict = true
		decision.Ban = true
		decision.Reason = domain.KickReasonBanned
	}
	return decision, nil
}

// Apply executes the directory and ban list side of a decision.
// Closing the target's link is left to the caller.
func (m *ModerationEngine) Apply(decision ModerationDecision) error {
	if decision.NoOp {
		return nil
	}
	if decision.Ban {
		m.bans.Add(decision.Target)
	}
	if decision.Evict {
		m.directory.Remove(decision.Target)
		return nil
	}
	return m.directory.SetRole(decision.Target, decision.NewRole)
}
