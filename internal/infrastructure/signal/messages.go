package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"rillchat/internal/core/domain"
)

// Message types exchanged over the signaling websocket.
const (
	TypeBound        = "bound"
	TypeError        = "error"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
)

// Error codes carried in error messages.
const (
	CodeIdentityTaken = "id_taken"
	CodePeerNotFound  = "peer_not_found"
	CodeInvalidInput  = "invalid_input"
	CodeRateLimited   = "rate_limit_exceeded"
	CodeInternal      = "internal_error"
)

// Message is the signaling envelope. Clients set TargetPeer; the server
// replaces it with FromPeer when forwarding.
type Message struct {
	Type       string          `json:"type"`
	PeerID     domain.PeerID   `json:"peer_id,omitempty"`
	TargetPeer domain.PeerID   `json:"target_peer,omitempty"`
	FromPeer   domain.PeerID   `json:"from_peer,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidatePayload mirrors the browser RTCIceCandidateInit shape.
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// validateSDP validates SDP format
func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}

	// SDP should start with "v=" (version)
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}

	requiredFields := []string{"o=", "s=", "t="}
	for _, field := range requiredFields {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}

	return nil
}
