package services

import (
	"fmt"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"
	"rillchat/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
)

type hostHandlerFunc func(origin domain.PeerID, env domain.Envelope, raw []byte)

// hostRole admits guests, validates their traffic and relays it to everyone else.
type hostRole struct {
	s        *Session
	st       *sessionState
	handlers map[domain.MessageType]hostHandlerFunc
}

func newHostRole(s *Session, st *sessionState) *hostRole {
	h := &hostRole{s: s, st: st}
	h.handlers = map[domain.MessageType]hostHandlerFunc{
		domain.TypeChat:         h.handleChat,
		domain.TypeReaction:     h.handleReaction,
		domain.TypeTyping:       h.handleTyping,
		domain.TypeAdminRequest: h.handleAdminRequest,
	}
	return h
}

func (h *hostRole) role() domain.Role {
	return domain.RoleHost
}

func (h *hostRole) onOpen(link ports.Link) {
	id := link.RemoteID()
	st := h.st

	if id == st.selfID || id == "" {
		_ = link.Close()
		return
	}
	if st.bans.Contains(id) {
		h.s.logger.Infow("refusing banned peer", "peer_id", id)
		h.s.metrics.IncDropped("banned_admission")
		st.rejected[link] = struct{}{}
		h.sendKicked(link, domain.KickReasonBanned)
		h.s.closeLater(st, link)
		return
	}

	if old := st.registry.Register(id, link); old != nil {
		h.s.logger.Debugw("replacing existing link", "peer_id", id)
		st.rejected[old] = struct{}{}
		_ = old.Close()
	}
	if _, err := st.directory.Admit(id); err != nil {
		h.s.logger.Warnw("failed to admit peer", "peer_id", id, "error", err)
		st.registry.Unregister(id)
		_ = link.Close()
		return
	}

	h.s.logger.Infow("peer joined", "peer_id", id)
	h.syncParticipants()
	h.sendHistory(id)
	h.s.replayPending(st, id)
}

func (h *hostRole) onClose(link ports.Link) {
	id := link.RemoteID()
	st := h.st

	if _, rejected := st.rejected[link]; rejected {
		delete(st.rejected, link)
		return
	}
	if !st.registry.Owns(link) {
		if _, registered := st.registry.Get(id); !registered {
			st.registry.DropPending(id)
		}
		return
	}

	st.registry.Unregister(id)
	st.directory.Remove(id)
	if st.typing.Remove(id) {
		h.s.emit(EventTypingChanged, "")
	}
	h.s.logger.Infow("peer left", "peer_id", id)
	h.syncParticipants()
}

func (h *hostRole) handle(origin domain.PeerID, env domain.Envelope, raw []byte) {
	fn, exists := h.handlers[env.Type]
	if !exists {
		h.s.logger.Debugw("ignoring message not accepted by host", "peer_id", origin, "type", env.Type)
		h.s.metrics.IncDropped("unexpected_type")
		return
	}
	fn(origin, env, raw)
}

func (h *hostRole) publish(msgType domain.MessageType, data []byte) {
	h.st.relay.Broadcast(msgType, data, "")
}

func (h *hostRole) moderate(action domain.AdminAction, target domain.PeerID) error {
	decision, err := h.st.moderation.Authorize(h.st.selfID, target, action)
	if err != nil {
		h.s.metrics.IncAdminRequests(action, "rejected")
		return err
	}
	h.s.metrics.IncAdminRequests(action, "accepted")
	return h.execute(decision)
}

func (h *hostRole) handleChat(origin domain.PeerID, env domain.Envelope, raw []byte) {
	var msg domain.Message
	if err := env.DecodePayload(&msg); err != nil || msg.ID == "" {
		h.drop(origin, env.Type, "malformed")
		return
	}
	switch msg.Kind {
	case domain.KindUser:
		if msg.SenderID != origin {
			h.drop(origin, env.Type, "spoofed_sender")
			return
		}
	case domain.KindAI:
	default:
		h.drop(origin, env.Type, "unexpected_kind")
		return
	}

	if !h.st.log.Append(msg) {
		h.s.metrics.IncDropped("duplicate")
		return
	}
	h.s.emit(EventMessagesChanged, "")
	h.st.relay.Broadcast(domain.TypeChat, raw, origin)
}

func (h *hostRole) handleReaction(origin domain.PeerID, env domain.Envelope, raw []byte) {
	var p domain.ReactionPayload
	if err := env.DecodePayload(&p); err != nil || p.Emoji == "" {
		h.drop(origin, env.Type, "malformed")
		return
	}
	if p.SenderID != origin {
		h.drop(origin, env.Type, "spoofed_sender")
		return
	}
	if !h.st.log.ApplyReaction(p) {
		return
	}
	h.s.emit(EventMessagesChanged, "")
	h.st.relay.Broadcast(domain.TypeReaction, raw, origin)
}

func (h *hostRole) handleTyping(origin domain.PeerID, env domain.Envelope, raw []byte) {
	var p domain.TypingPayload
	if err := env.DecodePayload(&p); err != nil {
		h.drop(origin, env.Type, "malformed")
		return
	}
	if p.UserID != origin {
		h.drop(origin, env.Type, "spoofed_sender")
		return
	}
	if !h.st.typing.SetTyping(p.UserID, p.IsTyping) {
		return
	}
	h.s.emit(EventTypingChanged, "")
	h.st.relay.Broadcast(domain.TypeTyping, raw, origin)
}

func (h *hostRole) handleAdminRequest(origin domain.PeerID, env domain.Envelope, _ []byte) {
	ctx, span := tracing.StartSpan(h.st.ctx, "session.admin_request")
	defer span.End()

	var req domain.AdminRequestPayload
	if err := env.DecodePayload(&req); err != nil {
		h.drop(origin, env.Type, "malformed")
		tracing.RecordError(ctx, err)
		return
	}
	tracing.AddSpanAttributes(ctx,
		tracing.PeerIDKey.String(string(origin)),
		attribute.String("admin.action", string(req.Action)),
		attribute.String("admin.target", string(req.TargetID)),
	)

	decision, err := h.st.moderation.Authorize(origin, req.TargetID, req.Action)
	if err != nil {
		h.s.logger.Infow("admin request rejected",
			"peer_id", origin,
			"action", req.Action,
			"target", req.TargetID,
			"error", err,
		)
		h.s.metrics.IncAdminRequests(req.Action, "rejected")
		tracing.RecordError(ctx, err)
		return
	}
	h.s.metrics.IncAdminRequests(req.Action, "accepted")
	if err := h.execute(decision); err != nil {
		h.s.logger.Warnw("failed to apply admin request", "peer_id", origin, "error", err)
		tracing.RecordError(ctx, err)
	}
}

// execute applies an authorized decision, evicting the target's link for kick and ban.
func (h *hostRole) execute(decision ModerationDecision) error {
	if decision.NoOp {
		return nil
	}
	st := h.st
	link, linked := st.registry.Get(decision.Target)

	if err := st.moderation.Apply(decision); err != nil {
		return fmt.Errorf("apply %s on %s: %w", decision.Action, decision.Target, err)
	}

	if decision.Evict {
		st.registry.Unregister(decision.Target)
		if st.typing.Remove(decision.Target) {
			h.s.emit(EventTypingChanged, "")
		}
		if linked {
			st.rejected[link] = struct{}{}
			h.sendKicked(link, decision.Reason)
			h.s.closeLater(st, link)
		}
	}

	h.s.logger.Infow("moderation action applied", "action", decision.Action, "target", decision.Target)
	h.syncParticipants()
	return nil
}

func (h *hostRole) syncParticipants() {
	st := h.st
	list := st.directory.Reconcile(st.registry.IDs())
	data, err := domain.Encode(domain.TypeSyncParticipants, domain.SyncParticipantsPayload{Participants: list})
	if err != nil {
		h.s.logger.Errorw("failed to encode participant list", "error", err)
		return
	}
	st.relay.Broadcast(domain.TypeSyncParticipants, data, "")

	h.s.metrics.SetParticipants(len(list))
	h.s.metrics.SetOpenLinks(st.registry.Len())
	h.s.emit(EventParticipantsChanged, "")
}

// sendHistory gives a newly admitted guest the recent replicated log.
func (h *hostRole) sendHistory(id domain.PeerID) {
	limit := h.s.cfg.HistoryLimit
	if limit <= 0 || h.st.log.Len() == 0 {
		return
	}
	var history []domain.Message
	for _, msg := range h.st.log.Recent(limit) {
		if msg.Kind != domain.KindSystem {
			history = append(history, msg)
		}
	}
	if len(history) == 0 {
		return
	}
	data, err := domain.Encode(domain.TypeSyncHistory, domain.SyncHistoryPayload{Messages: history})
	if err != nil {
		h.s.logger.Errorw("failed to encode history", "error", err)
		return
	}
	h.st.relay.SendTo(id, domain.TypeSyncHistory, data)
}

func (h *hostRole) sendKicked(link ports.Link, reason string) {
	data, err := domain.Encode(domain.TypeKicked, domain.KickedPayload{Reason: reason})
	if err != nil {
		h.s.logger.Errorw("failed to encode kick notice", "error", err)
		return
	}
	h.st.relay.SendOn(link, domain.TypeKicked, data)
}

func (h *hostRole) drop(origin domain.PeerID, msgType domain.MessageType, reason string) {
	h.s.logger.Debugw("dropping inbound message", "peer_id", origin, "type", msgType, "reason", reason)
	h.s.metrics.IncDropped(reason)
}
