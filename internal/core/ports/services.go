package ports

import (
	"context"
	"time"

	"rillchat/internal/core/domain"
)

// Assistant generates replies for @ai messages.
type Assistant interface {
	Respond(ctx context.Context, prompt string, history []domain.Utterance) (string, error)
}

// SessionMetrics records session-level counters. Implementations must be safe for concurrent use.
type SessionMetrics interface {
	SetParticipants(count int)
	SetOpenLinks(count int)
	IncMessages(direction string, msgType domain.MessageType)
	IncDropped(reason string)
	IncAdminRequests(action domain.AdminAction, outcome string)
	IncStateTransitions(to domain.SessionState)
	ObserveAssistantLatency(d time.Duration, ok bool)
}

type noopMetrics struct{}

func (noopMetrics) SetParticipants(int)                         {}
func (noopMetrics) SetOpenLinks(int)                            {}
func (noopMetrics) IncMessages(string, domain.MessageType)      {}
func (noopMetrics) IncDropped(string)                           {}
func (noopMetrics) IncAdminRequests(domain.AdminAction, string) {}
func (noopMetrics) IncStateTransitions(domain.SessionState)     {}
func (noopMetrics) ObserveAssistantLatency(time.Duration, bool) {}

// NoopSessionMetrics discards everything.
func NoopSessionMetrics() SessionMetrics { return noopMetrics{} }
