package services

import (
	"time"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"
)

type guestHandlerFunc func(env domain.Envelope)

// guestRole talks only to the Host and mirrors whatever it replicates.
type guestRole struct {
	s        *Session
	st       *sessionState
	handlers map[domain.MessageType]guestHandlerFunc

	hostLink ports.Link
	linkOpen bool
}

func newGuestRole(s *Session, st *sessionState) *guestRole {
	g := &guestRole{s: s, st: st}
	g.handlers = map[domain.MessageType]guestHandlerFunc{
		domain.TypeChat:             g.handleChat,
		domain.TypeReaction:         g.handleReaction,
		domain.TypeTyping:           g.handleTyping,
		domain.TypeSyncParticipants: g.handleSyncParticipants,
		domain.TypeSyncHistory:      g.handleSyncHistory,
		domain.TypeKicked:           g.handleKicked,
	}
	return g
}

func (g *guestRole) role() domain.Role {
	return domain.RoleGuest
}

func (g *guestRole) onOpen(link ports.Link) {
	st := g.st
	if link.RemoteID() != st.hostID {
		g.s.logger.Debugw("refusing link from non-host peer", "peer_id", link.RemoteID())
		_ = link.Close()
		return
	}
	if old := st.registry.Register(st.hostID, link); old != nil {
		_ = old.Close()
	}
	g.hostLink = link
	g.linkOpen = true
	g.s.metrics.SetOpenLinks(st.registry.Len())
	g.s.logger.Infow("connected to host", "host_id", st.hostID)
	g.s.replayPending(st, st.hostID)
}

func (g *guestRole) onClose(link ports.Link) {
	st := g.st
	id := link.RemoteID()
	if !st.registry.Owns(link) {
		if _, registered := st.registry.Get(id); !registered {
			st.registry.DropPending(id)
		}
		if link == g.hostLink && !g.linkOpen {
			g.s.logger.Warnw("host link failed before opening", "host_id", st.hostID)
		}
		return
	}
	st.registry.Unregister(id)
	g.s.logger.Infow("host link closed", "host_id", st.hostID)
	g.s.deferred = g.s.terminate(domain.StateDisconnected, "host link closed")
}

func (g *guestRole) handle(origin domain.PeerID, env domain.Envelope, _ []byte) {
	if origin != g.st.hostID {
		g.s.metrics.IncDropped("not_from_host")
		return
	}
	fn, exists := g.handlers[env.Type]
	if !exists {
		g.s.logger.Debugw("ignoring message not accepted by guest", "type", env.Type)
		g.s.metrics.IncDropped("unexpected_type")
		return
	}
	fn(env)
}

func (g *guestRole) publish(msgType domain.MessageType, data []byte) {
	g.st.relay.SendTo(g.st.hostID, msgType, data)
}

// moderate forwards the request; the Host decides.
func (g *guestRole) moderate(action domain.AdminAction, target domain.PeerID) error {
	data, err := domain.Encode(domain.TypeAdminRequest, domain.AdminRequestPayload{Action: action, TargetID: target})
	if err != nil {
		return err
	}
	g.st.relay.SendTo(g.st.hostID, domain.TypeAdminRequest, data)
	return nil
}

// watchHostLink warns once if the host link has not opened within timeout.
func (g *guestRole) watchHostLink(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	st := g.st
	st.group.Go(func() error {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-st.ctx.Done():
			return nil
		}

		g.s.mu.Lock()
		defer g.s.mu.Unlock()
		if g.s.st != st || g.linkOpen {
			return nil
		}
		g.s.logger.Warnw("host did not answer, room appears empty", "host_id", st.hostID, "timeout", timeout)
		g.s.emit(EventHostUnreachable, "")
		return nil
	})
}

func (g *guestRole) handleChat(env domain.Envelope) {
	var msg domain.Message
	if err := env.DecodePayload(&msg); err != nil {
		g.s.metrics.IncDropped("malformed")
		return
	}
	if g.st.log.Append(msg) {
		g.s.emit(EventMessagesChanged, "")
	} else {
		g.s.metrics.IncDropped("duplicate")
	}
}

func (g *guestRole) handleReaction(env domain.Envelope) {
	var p domain.ReactionPayload
	if err := env.DecodePayload(&p); err != nil {
		g.s.metrics.IncDropped("malformed")
		return
	}
	if g.st.log.ApplyReaction(p) {
		g.s.emit(EventMessagesChanged, "")
	}
}

func (g *guestRole) handleTyping(env domain.Envelope) {
	var p domain.TypingPayload
	if err := env.DecodePayload(&p); err != nil {
		g.s.metrics.IncDropped("malformed")
		return
	}
	if p.UserID == g.st.selfID {
		return
	}
	if g.st.typing.SetTyping(p.UserID, p.IsTyping) {
		g.s.emit(EventTypingChanged, "")
	}
}

func (g *guestRole) handleSyncParticipants(env domain.Envelope) {
	var p domain.SyncParticipantsPayload
	if err := env.DecodePayload(&p); err != nil {
		g.s.metrics.IncDropped("malformed")
		return
	}
	st := g.st
	st.directory.Replace(p.Participants)
	g.s.metrics.SetParticipants(st.directory.Len())
	g.s.emit(EventParticipantsChanged, "")

	changed := st.typing.Retain(func(id domain.PeerID) bool {
		_, present := st.directory.Get(id)
		return present
	})
	if changed {
		g.s.emit(EventTypingChanged, "")
	}
}

func (g *guestRole) handleSyncHistory(env domain.Envelope) {
	var p domain.SyncHistoryPayload
	if err := env.DecodePayload(&p); err != nil {
		g.s.metrics.IncDropped("malformed")
		return
	}
	added := 0
	for _, msg := range p.Messages {
		if g.st.log.Append(msg) {
			added++
		}
	}
	if added > 0 {
		g.s.logger.Debugw("history received", "messages", added)
		g.s.emit(EventMessagesChanged, "")
	}
}

func (g *guestRole) handleKicked(env domain.Envelope) {
	var p domain.KickedPayload
	_ = env.DecodePayload(&p)

	to := domain.StateKicked
	if p.Reason == domain.KickReasonBanned {
		to = domain.StateBanned
	}
	g.s.logger.Infow("removed from room by host", "reason", p.Reason)
	g.s.deferred = g.s.terminate(to, p.Reason)
}
