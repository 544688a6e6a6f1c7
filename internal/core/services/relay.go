package services

import (
	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"

	"go.uber.org/zap"
)

// BroadcastRelay sends encoded protocol messages over registered links.
// Send failures are logged and swallowed; delivery is best effort.
type BroadcastRelay struct {
	registry *ConnectionRegistry
	metrics  ports.SessionMetrics
	logger   *zap.SugaredLogger
}

func NewBroadcastRelay(registry *ConnectionRegistry, metrics ports.SessionMetrics, logger *zap.SugaredLogger) *BroadcastRelay {
	return &BroadcastRelay{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// Broadcast sends data to every open link except the one for except and
// returns how many links it was handed to.
func (r *BroadcastRelay) Broadcast(msgType domain.MessageType, data []byte, except domain.PeerID) int {
	sent := 0
	r.registry.ForEachOpen(func(id domain.PeerID, link ports.Link) {
		if id == except {
			return
		}
		if r.send(link, msgType, data) {
			sent++
		}
	})
	return sent
}

// SendTo sends data to a single registered identity. Unknown identities are a silent drop.
func (r *BroadcastRelay) SendTo(id domain.PeerID, msgType domain.MessageType, data []byte) bool {
	link, exists := r.registry.Get(id)
	if !exists {
		r.metrics.IncDropped("link_not_open")
		return false
	}
	return r.send(link, msgType, data)
}

// SendOn sends on a link that may not be registered, such as a rejected or evicted one.
func (r *BroadcastRelay) SendOn(link ports.Link, msgType domain.MessageType, data []byte) bool {
	return r.send(link, msgType, data)
}

func (r *BroadcastRelay) send(link ports.Link, msgType domain.MessageType, data []byte) bool {
	if err := link.Send(data); err != nil {
		r.logger.Debugw("dropping outbound message",
			"peer_id", link.RemoteID(),
			"type", msgType,
			"error", err,
		)
		r.metrics.IncDropped("send_failed")
		return false
	}
	r.metrics.IncMessages("out", msgType)
	return true
}
