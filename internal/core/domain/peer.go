package domain

type PeerID string

type Role string

const (
	RoleHost    Role = "host"
	RoleManager Role = "manager"
	RoleGuest   Role = "guest"
)

// Rank orders roles by moderation authority.
func (r Role) Rank() int {
	switch r {
	case RoleHost:
		return 2
	case RoleManager:
		return 1
	default:
		return 0
	}
}

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleManager || r == RoleGuest
}

type Participant struct {
	ID          PeerID `json:"id"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

const HostDisplayName = "Host"

// DefaultDisplayName names a participant from its identity prefix.
func DefaultDisplayName(id PeerID) string {
	s := string(id)
	if len(s) > 4 {
		s = s[:4]
	}
	return "User" + s
}

// Utterance is one line of conversation handed to the assistant as context.
type Utterance struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}
