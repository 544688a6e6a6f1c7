package services

import (
	"fmt"

	"rillchat/internal/core/domain"
)

// MessageLog is the ordered chat history, deduplicated by message id.
type MessageLog struct {
	messages []domain.Message
	index    map[string]int
}

func NewMessageLog() *MessageLog {
	return &MessageLog{index: make(map[string]int)}
}

// Append adds msg unless an entry with the same id exists. It reports whether msg was added.
func (l *MessageLog) Append(msg domain.Message) bool {
	if msg.ID == "" {
		return false
	}
	if _, exists := l.index[msg.ID]; exists {
		return false
	}
	msg = msg.Clone()
	msg.Reactions = dedupReactions(msg.Reactions)
	l.index[msg.ID] = len(l.messages)
	l.messages = append(l.messages, msg)
	return true
}

// ToggleReaction resolves a local toggle into an explicit add or remove and applies it.
func (l *MessageLog) ToggleReaction(messageID, emoji string, actorID domain.PeerID, actorName string) (domain.ReactionAction, error) {
	i, exists := l.index[messageID]
	if !exists {
		return "", fmt.Errorf("%w: %s", domain.ErrMessageNotFound, messageID)
	}
	action := domain.ReactionAdd
	if findReaction(l.messages[i].Reactions, emoji, actorID) >= 0 {
		action = domain.ReactionRemove
	}
	l.apply(i, emoji, actorID, actorName, action)
	return action, nil
}

// ApplyReaction performs an already-resolved reaction mutation. It reports
// whether the log changed; unknown messages and no-op mutations return false.
func (l *MessageLog) ApplyReaction(p domain.ReactionPayload) bool {
	i, exists := l.index[p.MessageID]
	if !exists {
		return false
	}
	return l.apply(i, p.Emoji, p.SenderID, p.SenderName, p.Action)
}

func (l *MessageLog) apply(i int, emoji string, senderID domain.PeerID, senderName string, action domain.ReactionAction) bool {
	msg := &l.messages[i]
	at := findReaction(msg.Reactions, emoji, senderID)
	switch action {
	case domain.ReactionAdd:
		if at >= 0 {
			return false
		}
		msg.Reactions = append(msg.Reactions, domain.Reaction{Emoji: emoji, SenderID: senderID, SenderName: senderName})
		return true
	case domain.ReactionRemove:
		if at < 0 {
			return false
		}
		msg.Reactions = append(msg.Reactions[:at], msg.Reactions[at+1:]...)
		return true
	default:
		return false
	}
}

func (l *MessageLog) Get(id string) (domain.Message, bool) {
	i, exists := l.index[id]
	if !exists {
		return domain.Message{}, false
	}
	return l.messages[i].Clone(), true
}

func (l *MessageLog) List() []domain.Message {
	return l.Recent(len(l.messages))
}

// Recent returns up to n of the latest messages, oldest first.
func (l *MessageLog) Recent(n int) []domain.Message {
	if n <= 0 {
		return nil
	}
	start := len(l.messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]domain.Message, 0, len(l.messages)-start)
	for _, msg := range l.messages[start:] {
		out = append(out, msg.Clone())
	}
	return out
}

func (l *MessageLog) Len() int {
	return len(l.messages)
}

func (l *MessageLog) Clear() {
	l.messages = nil
	l.index = make(map[string]int)
}

func findReaction(reactions []domain.Reaction, emoji string, senderID domain.PeerID) int {
	for i, r := range reactions {
		if r.Emoji == emoji && r.SenderID == senderID {
			return i
		}
	}
	return -1
}

func dedupReactions(reactions []domain.Reaction) []domain.Reaction {
	if len(reactions) == 0 {
		return nil
	}
	out := reactions[:0]
	for _, r := range reactions {
		if findReaction(out, r.Emoji, r.SenderID) < 0 {
			out = append(out, r)
		}
	}
	return out
}
