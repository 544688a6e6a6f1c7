package domain

import (
	"fmt"
	"strings"
)

type RoomCode string

// HostIdentity is the well-known identity the Host of a room binds.
func HostIdentity(code RoomCode) PeerID {
	return PeerID(fmt.Sprintf("rillchat-%s-host", strings.ToLower(string(code))))
}

type SessionState string

const (
	StateIdle            SessionState = "idle"
	StateAttemptingHost  SessionState = "attempting_host"
	StateHostActive      SessionState = "host_active"
	StateAttemptingGuest SessionState = "attempting_guest"
	StateGuestActive     SessionState = "guest_active"
	StateKicked          SessionState = "kicked"
	StateBanned          SessionState = "banned"
	StateDisconnected    SessionState = "disconnected"
)

func (s SessionState) Active() bool {
	return s == StateHostActive || s == StateGuestActive
}

func (s SessionState) Terminal() bool {
	return s == StateKicked || s == StateBanned || s == StateDisconnected
}

type AdminAction string

const (
	ActionPromote AdminAction = "promote"
	ActionDemote  AdminAction = "demote"
	ActionKick    AdminAction = "kick"
	ActionBan     AdminAction = "ban"
)

func (a AdminAction) Valid() bool {
	switch a {
	case ActionPromote, ActionDemote, ActionKick, ActionBan:
		return true
	}
	return false
}

const (
	KickReasonKicked = "kicked"
	KickReasonBanned = "banned"
)
