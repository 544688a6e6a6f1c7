package domain

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	TypeChat             MessageType = "CHAT"
	TypeReaction         MessageType = "REACTION"
	TypeTyping           MessageType = "TYPING"
	TypeSyncParticipants MessageType = "SYNC_PARTICIPANTS"
	TypeSyncHistory      MessageType = "SYNC_HISTORY"
	TypeAdminRequest     MessageType = "ADMIN_REQUEST"
	TypeKicked           MessageType = "KICKED"
)

// Replicable reports whether the Host relays this type to other links.
func (t MessageType) Replicable() bool {
	return t == TypeChat || t == TypeReaction || t == TypeTyping
}

// Envelope is the tagged payload carried on every peer link.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ReactionPayload struct {
	MessageID  string         `json:"messageId"`
	Emoji      string         `json:"emoji"`
	SenderID   PeerID         `json:"senderId"`
	SenderName string         `json:"senderName"`
	Action     ReactionAction `json:"action"`
}

type TypingPayload struct {
	UserID   PeerID `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type SyncParticipantsPayload struct {
	Participants []Participant `json:"participants"`
}

type SyncHistoryPayload struct {
	Messages []Message `json:"messages"`
}

type AdminRequestPayload struct {
	Action   AdminAction `json:"action"`
	TargetID PeerID      `json:"targetId"`
}

type KickedPayload struct {
	Reason string `json:"reason"`
}

// Encode wraps payload in an envelope of the given type.
func Encode(t MessageType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Decode parses an envelope. Unknown types and missing payloads are malformed.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch env.Type {
	case TypeChat, TypeReaction, TypeTyping, TypeSyncParticipants,
		TypeSyncHistory, TypeAdminRequest, TypeKicked:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
	if len(env.Payload) == 0 {
		return Envelope{}, fmt.Errorf("%w: %s without payload", ErrMalformedMessage, env.Type)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: invalid %s payload: %v", ErrMalformedMessage, e.Type, err)
	}
	return nil
}
