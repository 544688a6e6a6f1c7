package monitoring

import (
	"time"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionCollector exports one chat session's counters.
type SessionCollector struct {
	participants prometheus.Gauge
	openLinks    prometheus.Gauge

	messagesTotal    *prometheus.CounterVec
	droppedTotal     *prometheus.CounterVec
	adminRequests    *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec

	assistantLatency *prometheus.HistogramVec
}

var _ ports.SessionMetrics = (*SessionCollector)(nil)

func NewSessionCollector(reg prometheus.Registerer) *SessionCollector {
	factory := promauto.With(reg)
	return &SessionCollector{
		participants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillchat_session_participants",
			Help: "Participants in the local directory",
		}),

		openLinks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillchat_session_open_links",
			Help: "Open peer links held by this session",
		}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillchat_session_messages_total",
			Help: "Protocol messages by direction and type",
		}, []string{"direction", "type"}),

		droppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillchat_session_dropped_total",
			Help: "Inbound messages dropped, by reason",
		}, []string{"reason"}),

		adminRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillchat_session_admin_requests_total",
			Help: "Moderation requests by action and outcome",
		}, []string{"action", "outcome"}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillchat_session_state_transitions_total",
			Help: "Session state machine transitions by target state",
		}, []string{"state"}),

		assistantLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rillchat_assistant_latency_seconds",
			Help:    "Assistant round trip latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),
	}
}

func (c *SessionCollector) SetParticipants(count int) {
	c.participants.Set(float64(count))
}

func (c *SessionCollector) SetOpenLinks(count int) {
	c.openLinks.Set(float64(count))
}

func (c *SessionCollector) IncMessages(direction string, msgType domain.MessageType) {
	c.messagesTotal.WithLabelValues(direction, string(msgType)).Inc()
}

func (c *SessionCollector) IncDropped(reason string) {
	c.droppedTotal.WithLabelValues(reason).Inc()
}

func (c *SessionCollector) IncAdminRequests(action domain.AdminAction, outcome string) {
	c.adminRequests.WithLabelValues(string(action), outcome).Inc()
}

func (c *SessionCollector) IncStateTransitions(to domain.SessionState) {
	c.stateTransitions.WithLabelValues(string(to)).Inc()
}

func (c *SessionCollector) ObserveAssistantLatency(d time.Duration, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.assistantLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// SignalCollector exports signaling server counters.
type SignalCollector struct {
	connections   prometheus.Gauge
	messagesTotal *prometheus.CounterVec
	rejections    *prometheus.CounterVec
}

func NewSignalCollector(reg prometheus.Registerer) *SignalCollector {
	factory := promauto.With(reg)
	return &SignalCollector{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillchat_signal_connections",
			Help: "Websocket connections holding a bound identity",
		}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillchat_signal_messages_total",
			Help: "Signaling messages routed, by type",
		}, []string{"type"}),

		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillchat_signal_rejections_total",
			Help: "Rejected binds and signaling messages, by error code",
		}, []string{"code"}),
	}
}

func (c *SignalCollector) SetConnections(n int) {
	c.connections.Set(float64(n))
}

func (c *SignalCollector) IncMessages(msgType string) {
	c.messagesTotal.WithLabelValues(msgType).Inc()
}

func (c *SignalCollector) IncRejected(code string) {
	c.rejections.WithLabelValues(code).Inc()
}
