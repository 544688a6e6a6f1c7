package domain

type MessageKind string

const (
	KindUser   MessageKind = "user"
	KindSystem MessageKind = "system"
	KindAI     MessageKind = "ai"
)

type Message struct {
	ID         string      `json:"id"`
	SenderID   PeerID      `json:"senderId"`
	SenderName string      `json:"senderName"`
	Text       string      `json:"text"`
	Timestamp  int64       `json:"timestamp"` // unix milliseconds
	Kind       MessageKind `json:"kind"`
	Reactions  []Reaction  `json:"reactions"`
}

type Reaction struct {
	Emoji      string `json:"emoji"`
	SenderID   PeerID `json:"senderId"`
	SenderName string `json:"senderName"`
}

type ReactionAction string

const (
	ReactionAdd    ReactionAction = "add"
	ReactionRemove ReactionAction = "remove"
)

// Clone returns a deep copy so callers cannot mutate the log through it.
func (m Message) Clone() Message {
	out := m
	if m.Reactions != nil {
		out.Reactions = make([]Reaction, len(m.Reactions))
		copy(out.Reactions, m.Reactions)
	}
	return out
}

// ReactionGroup aggregates reactions on one message by emoji, in first-seen order.
type ReactionGroup struct {
	Emoji   string
	Senders []PeerID
}

func (m Message) GroupReactions() []ReactionGroup {
	var groups []ReactionGroup
	index := make(map[string]int)
	for _, r := range m.Reactions {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji})
		}
		groups[i].Senders = append(groups[i].Senders, r.SenderID)
	}
	return groups
}
