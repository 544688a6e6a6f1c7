package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"
	"rillchat/pkg/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	AssistantID   domain.PeerID = "assistant"
	systemName                  = "System"
	aiMarker                    = "@ai"
	defaultEvents               = 256
)

type AssistantSettings struct {
	Keyword       string
	DisplayName   string
	ContextWindow int
	Timeout       time.Duration
}

type SessionConfig struct {
	Room              domain.RoomCode
	StrictHost        bool // fail instead of falling back to guest when the host identity is taken
	PendingBufferSize int
	HistoryLimit      int
	KickFlushDelay    time.Duration
	HostLinkTimeout   time.Duration
	EventBuffer       int
	Assistant         AssistantSettings
}

func DefaultSessionConfig(room domain.RoomCode) SessionConfig {
	return SessionConfig{
		Room:              room,
		PendingBufferSize: 64,
		HistoryLimit:      200,
		KickFlushDelay:    250 * time.Millisecond,
		HostLinkTimeout:   10 * time.Second,
		EventBuffer:       defaultEvents,
		Assistant: AssistantSettings{
			Keyword:       "@assistant",
			DisplayName:   "AI Assistant",
			ContextWindow: 20,
			Timeout:       30 * time.Second,
		},
	}
}

type StartOptions struct {
	// PreferHost is nil when the caller carries no hint; the session then tries Host first.
	PreferHost *bool
}

type EventKind string

const (
	EventStateChanged        EventKind = "state_changed"
	EventParticipantsChanged EventKind = "participants_changed"
	EventMessagesChanged     EventKind = "messages_changed"
	EventTypingChanged       EventKind = "typing_changed"
	EventHostUnreachable     EventKind = "host_unreachable"
)

// SessionEvent tells the UI layer which part of the snapshot changed.
type SessionEvent struct {
	Kind   EventKind
	State  domain.SessionState
	Reason string
}

type Snapshot struct {
	State        domain.SessionState
	SelfID       domain.PeerID
	HostID       domain.PeerID
	Role         domain.Role
	Participants []domain.Participant
	Messages     []domain.Message
	Typing       []domain.PeerID
	Banned       []domain.PeerID
}

type SessionOption func(*Session)

func WithAssistant(a ports.Assistant) SessionOption {
	return func(s *Session) { s.assistant = a }
}

func WithSessionMetrics(m ports.SessionMetrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

func WithLogger(l *zap.SugaredLogger) SessionOption {
	return func(s *Session) { s.logger = l }
}

func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

func WithIDGenerator(gen func() string) SessionOption {
	return func(s *Session) { s.newID = gen }
}

// roleHandler is the role-specific half of the session: each variant owns
// its own dispatch table and link admission rules.
type roleHandler interface {
	role() domain.Role
	onOpen(link ports.Link)
	onClose(link ports.Link)
	handle(origin domain.PeerID, env domain.Envelope, raw []byte)
	publish(msgType domain.MessageType, data []byte)
	moderate(action domain.AdminAction, target domain.PeerID) error
}

// sessionState is everything that lives for exactly one session.
type sessionState struct {
	selfID domain.PeerID
	hostID domain.PeerID

	registry   *ConnectionRegistry
	directory  *ParticipantDirectory
	log        *MessageLog
	typing     *TypingTracker
	bans       *BanList
	moderation *ModerationEngine
	relay      *BroadcastRelay
	role       roleHandler

	// links refused or evicted that may still deliver events
	rejected map[ports.Link]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Session is the per-process state machine that elects Host or Guest and
// drives the registry, directory, log, typing tracker and moderation engine.
type Session struct {
	cfg       SessionConfig
	transport ports.Transport
	assistant ports.Assistant
	metrics   ports.SessionMetrics
	logger    *zap.SugaredLogger
	now       func() time.Time
	newID     func() string
	keyword   *regexp.Regexp

	mu       sync.Mutex
	state    domain.SessionState
	st       *sessionState
	deferred *teardown
	tearing  chan struct{} // closed once the last teardown finished
	events   chan SessionEvent
}

func NewSession(cfg SessionConfig, transport ports.Transport, opts ...SessionOption) *Session {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEvents
	}
	s := &Session{
		cfg:       cfg,
		transport: transport,
		metrics:   ports.NoopSessionMetrics(),
		logger:    zap.NewNop().Sugar(),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
		state:     domain.StateIdle,
		events:    make(chan SessionEvent, cfg.EventBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if kw := strings.TrimSpace(cfg.Assistant.Keyword); kw != "" {
		s.keyword = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(kw))
	}
	s.logger = s.logger.With("room", cfg.Room)
	return s
}

// Events delivers change notifications. Events are dropped when the buffer
// is full; a terminal state change is always delivered.
func (s *Session) Events() <-chan SessionEvent {
	return s.events
}

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start elects the local role and brings the session to HOST_ACTIVE or GUEST_ACTIVE.
func (s *Session) Start(ctx context.Context, opts StartOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.tearing != nil {
		done := s.tearing
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			s.mu.Lock()
			return ctx.Err()
		}
		s.mu.Lock()
		if s.tearing == done {
			s.tearing = nil
		}
	}

	if s.st != nil || s.state == domain.StateAttemptingHost || s.state == domain.StateAttemptingGuest {
		return domain.ErrSessionActive
	}

	hostID := domain.HostIdentity(s.cfg.Room)
	preferHost := opts.PreferHost == nil || *opts.PreferHost

	ctx, span := tracing.StartSpan(ctx, "session.start")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RoomKey.String(string(s.cfg.Room)))

	if preferHost {
		s.setState(domain.StateAttemptingHost, "")
		st := s.newSessionState(hostID)
		id, err := s.transport.Bind(ctx, hostID, &linkHandler{s: s, st: st})
		if err == nil {
			tracing.AddSpanAttributes(ctx, attribute.String("session.role", "host"))
			s.becomeHost(st, id)
			return nil
		}
		st.cancel()
		if !errors.Is(err, domain.ErrIdentityTaken) || s.cfg.StrictHost {
			s.setState(domain.StateIdle, err.Error())
			tracing.RecordError(ctx, err)
			return fmt.Errorf("%w: %w", domain.ErrSessionEstablishment, err)
		}
		s.logger.Warnw("host identity already bound, joining as guest", "host_id", hostID)
	}

	s.setState(domain.StateAttemptingGuest, "")
	st := s.newSessionState(hostID)
	id, err := s.transport.Bind(ctx, "", &linkHandler{s: s, st: st})
	if err != nil {
		st.cancel()
		s.setState(domain.StateIdle, err.Error())
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: %w", domain.ErrSessionEstablishment, err)
	}
	tracing.AddSpanAttributes(ctx, attribute.String("session.role", "guest"))
	s.becomeGuest(ctx, st, id)
	return nil
}

func (s *Session) newSessionState(hostID domain.PeerID) *sessionState {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	registry := NewConnectionRegistry(s.cfg.PendingBufferSize)
	bans := NewBanList()
	directory := NewParticipantDirectory(hostID, bans)
	return &sessionState{
		hostID:     hostID,
		registry:   registry,
		directory:  directory,
		log:        NewMessageLog(),
		typing:     NewTypingTracker(),
		bans:       bans,
		moderation: NewModerationEngine(directory, bans),
		relay:      NewBroadcastRelay(registry, s.metrics, s.logger),
		rejected:   make(map[ports.Link]struct{}),
		ctx:        gctx,
		cancel:     cancel,
		group:      group,
	}
}

func (s *Session) becomeHost(st *sessionState, id domain.PeerID) {
	st.selfID = id
	st.role = newHostRole(s, st)
	st.directory.AdmitAs(id, domain.HostDisplayName, domain.RoleHost)
	s.st = st
	s.setState(domain.StateHostActive, "")
	s.logger.Infow("hosting room", "peer_id", id)
	s.metrics.SetParticipants(st.directory.Len())
	s.emit(EventParticipantsChanged, "")
}

func (s *Session) becomeGuest(ctx context.Context, st *sessionState, id domain.PeerID) {
	st.selfID = id
	guest := newGuestRole(s, st)
	st.role = guest
	st.directory.AdmitAs(id, domain.DefaultDisplayName(id), domain.RoleGuest)
	s.st = st
	s.setState(domain.StateGuestActive, "")
	s.emit(EventParticipantsChanged, "")
	s.logger.Infow("joined as guest", "peer_id", id, "host_id", st.hostID)

	link, err := s.transport.Connect(ctx, st.hostID)
	if err != nil {
		s.logger.Warnw("could not reach host, room is empty", "host_id", st.hostID, "error", err)
		return
	}
	guest.hostLink = link
	guest.watchHostLink(s.cfg.HostLinkTimeout)
}

// Leave tears the session down and returns to a state where Start may be called again.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.st == nil {
		s.mu.Unlock()
		return nil
	}
	td := s.terminate(domain.StateDisconnected, "left")
	s.mu.Unlock()
	td.run()
	return nil
}

// SendMessage appends a user message locally and hands it to the relay.
// Messages addressed to the assistant also trigger an asynchronous reply.
func (s *Session) SendMessage(text string) (domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, fmt.Errorf("message text is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.active()
	if err != nil {
		return domain.Message{}, err
	}

	msg := domain.Message{
		ID:         s.newID(),
		SenderID:   st.selfID,
		SenderName: s.selfName(st),
		Text:       text,
		Timestamp:  s.now().UnixMilli(),
		Kind:       domain.KindUser,
	}
	st.log.Append(msg)
	s.emit(EventMessagesChanged, "")
	s.publish(st, domain.TypeChat, msg)

	if prompt, ok := s.assistantPrompt(text); ok {
		s.invokeAssistant(st, prompt)
	}
	return msg, nil
}

// ToggleReaction adds or removes the local participant's reaction and
// broadcasts the resolved action.
func (s *Session) ToggleReaction(messageID, emoji string) (domain.ReactionAction, error) {
	if emoji == "" {
		return "", fmt.Errorf("emoji is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.active()
	if err != nil {
		return "", err
	}

	name := s.selfName(st)
	action, err := st.log.ToggleReaction(messageID, emoji, st.selfID, name)
	if err != nil {
		return "", err
	}
	s.emit(EventMessagesChanged, "")
	s.publish(st, domain.TypeReaction, domain.ReactionPayload{
		MessageID:  messageID,
		Emoji:      emoji,
		SenderID:   st.selfID,
		SenderName: name,
		Action:     action,
	})
	return action, nil
}

// SetTyping records and transmits the local typing flag. Unchanged values are not resent.
func (s *Session) SetTyping(isTyping bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.active()
	if err != nil {
		return err
	}
	if !st.typing.SetTyping(st.selfID, isTyping) {
		return nil
	}
	s.emit(EventTypingChanged, "")
	s.publish(st, domain.TypeTyping, domain.TypingPayload{UserID: st.selfID, IsTyping: isTyping})
	return nil
}

// Moderate executes an admin action on the Host, or forwards it as a request from a Guest.
func (s *Session) Moderate(action domain.AdminAction, target domain.PeerID) error {
	if !action.Valid() {
		return fmt.Errorf("unknown moderation action %q", action)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.active()
	if err != nil {
		return err
	}
	return st.role.moderate(action, target)
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{State: s.state}
	st := s.st
	if st == nil {
		return snap
	}
	snap.SelfID = st.selfID
	snap.HostID = st.hostID
	if p, ok := st.directory.Get(st.selfID); ok {
		snap.Role = p.Role
	}
	snap.Participants = st.directory.List()
	snap.Messages = st.log.List()
	snap.Typing = st.typing.List()
	snap.Banned = st.bans.List()
	return snap
}

func (s *Session) active() (*sessionState, error) {
	if s.st == nil || !s.state.Active() {
		return nil, domain.ErrSessionInactive
	}
	return s.st, nil
}

func (s *Session) selfName(st *sessionState) string {
	if p, ok := st.directory.Get(st.selfID); ok && p.DisplayName != "" {
		return p.DisplayName
	}
	if st.selfID == st.hostID {
		return domain.HostDisplayName
	}
	return domain.DefaultDisplayName(st.selfID)
}

func (s *Session) publish(st *sessionState, msgType domain.MessageType, payload interface{}) {
	data, err := domain.Encode(msgType, payload)
	if err != nil {
		s.logger.Errorw("failed to encode outbound message", "type", msgType, "error", err)
		return
	}
	st.role.publish(msgType, data)
}

// receive routes inbound data. Data from links not yet admitted is buffered
// and replayed once admission completes.
func (s *Session) receive(st *sessionState, link ports.Link, data []byte) {
	id := link.RemoteID()
	if _, rejected := st.rejected[link]; rejected {
		s.metrics.IncDropped("rejected_link")
		return
	}
	if !st.registry.Owns(link) {
		if _, registered := st.registry.Get(id); registered {
			s.metrics.IncDropped("stale_link")
			return
		}
		if !st.registry.Buffer(id, data) {
			s.logger.Warnw("pending buffer full, dropping message", "peer_id", id)
			s.metrics.IncDropped("pending_overflow")
		}
		return
	}
	s.dispatch(st, id, data)
}

func (s *Session) dispatch(st *sessionState, origin domain.PeerID, data []byte) {
	env, err := domain.Decode(data)
	if err != nil {
		s.logger.Debugw("dropping malformed message", "peer_id", origin, "error", err)
		s.metrics.IncDropped("malformed")
		return
	}
	s.metrics.IncMessages("in", env.Type)
	st.role.handle(origin, env, data)
}

func (s *Session) replayPending(st *sessionState, id domain.PeerID) {
	for _, data := range st.registry.TakePending(id) {
		s.dispatch(st, id, data)
	}
}

// closeLater closes link once the kick flush delay has passed, or at teardown.
func (s *Session) closeLater(st *sessionState, link ports.Link) {
	delay := s.cfg.KickFlushDelay
	if delay <= 0 {
		_ = link.Close()
		return
	}
	st.group.Go(func() error {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-st.ctx.Done():
		}
		_ = link.Close()
		return nil
	})
}

var aiMarkerPattern = regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(aiMarker))

// assistantPrompt reports whether text invokes the assistant and returns the
// prompt. Offsets come from matching text itself, never a case-mapped copy,
// since case mapping can change the byte length of a rune.
func (s *Session) assistantPrompt(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if loc := aiMarkerPattern.FindStringIndex(trimmed); loc != nil {
		rest := trimmed[loc[1]:]
		r, _ := utf8.DecodeRuneInString(rest)
		if rest == "" || !isWordRune(r) {
			return promptOrText(strings.TrimSpace(rest), trimmed), true
		}
	}
	if s.keyword != nil {
		if loc := s.keyword.FindStringIndex(trimmed); loc != nil {
			rest := strings.TrimSpace(trimmed[:loc[0]] + trimmed[loc[1]:])
			return promptOrText(rest, trimmed), true
		}
	}
	return "", false
}

func (s *Session) invokeAssistant(st *sessionState, prompt string) {
	if s.assistant == nil {
		s.appendSystem(st, "The AI assistant is not available in this room.")
		return
	}

	var history []domain.Utterance
	for _, msg := range st.log.Recent(s.cfg.Assistant.ContextWindow) {
		if msg.Kind == domain.KindSystem {
			continue
		}
		history = append(history, domain.Utterance{Speaker: msg.SenderName, Text: msg.Text})
	}

	st.group.Go(func() error {
		ctx := st.ctx
		if s.cfg.Assistant.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.Assistant.Timeout)
			defer cancel()
		}

		started := s.now()
		reply, err := s.assistant.Respond(ctx, prompt, history)
		s.metrics.ObserveAssistantLatency(s.now().Sub(started), err == nil)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.st != st {
			return nil
		}
		if err == nil && strings.TrimSpace(reply) == "" {
			err = domain.ErrAssistantUnavailable
		}
		if err != nil {
			s.logger.Warnw("assistant request failed", "error", err)
			s.appendSystem(st, fmt.Sprintf("The AI assistant could not respond: %v", err))
			return nil
		}

		msg := domain.Message{
			ID:         s.newID(),
			SenderID:   AssistantID,
			SenderName: s.cfg.Assistant.DisplayName,
			Text:       reply,
			Timestamp:  s.now().UnixMilli(),
			Kind:       domain.KindAI,
		}
		st.log.Append(msg)
		s.emit(EventMessagesChanged, "")
		s.publish(st, domain.TypeChat, msg)
		return nil
	})
}

// appendSystem adds a local-only system message.
func (s *Session) appendSystem(st *sessionState, text string) {
	st.log.Append(domain.Message{
		ID:         s.newID(),
		SenderName: systemName,
		Text:       text,
		Timestamp:  s.now().UnixMilli(),
		Kind:       domain.KindSystem,
	})
	s.emit(EventMessagesChanged, "")
}

func (s *Session) setState(to domain.SessionState, reason string) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	s.metrics.IncStateTransitions(to)
	s.logger.Debugw("session state changed", "from", from, "to", to, "reason", reason)
	s.emit(EventStateChanged, reason)
}

// emit must be called with s.mu held. A full buffer drops the event, except
// for terminal state changes, which evict the oldest queued event instead.
func (s *Session) emit(kind EventKind, reason string) {
	ev := SessionEvent{Kind: kind, State: s.state, Reason: reason}
	select {
	case s.events <- ev:
		return
	default:
	}
	if kind != EventStateChanged || !ev.State.Terminal() {
		return
	}
	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- ev:
	default:
	}
}

// terminate moves to a terminal state and detaches the session state.
// The returned teardown must run after s.mu is released.
func (s *Session) terminate(to domain.SessionState, reason string) *teardown {
	st := s.st
	s.st = nil
	s.setState(to, reason)
	if st == nil {
		return nil
	}
	st.cancel()

	links := st.registry.Clear()
	for link := range st.rejected {
		links = append(links, link)
	}
	if guest, ok := st.role.(*guestRole); ok && guest.hostLink != nil {
		links = append(links, guest.hostLink)
	}
	st.directory.Clear()
	st.log.Clear()
	st.typing.Clear()
	st.bans.Clear()

	s.metrics.SetParticipants(0)
	s.metrics.SetOpenLinks(0)
	s.emit(EventParticipantsChanged, reason)
	s.emit(EventMessagesChanged, reason)
	s.logger.Infow("session ended", "state", to, "reason", reason)

	s.tearing = make(chan struct{})
	return &teardown{
		done:      s.tearing,
		links:     links,
		transport: s.transport,
		group:     st.group,
		logger:    s.logger,
	}
}

type teardown struct {
	done      chan struct{}
	links     []ports.Link
	transport ports.Transport
	group     *errgroup.Group
	logger    *zap.SugaredLogger
}

func (t *teardown) run() {
	if t == nil {
		return
	}
	seen := make(map[ports.Link]struct{}, len(t.links))
	for _, link := range t.links {
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		_ = link.Close()
	}
	if err := t.transport.Close(); err != nil {
		t.logger.Warnw("error closing transport", "error", err)
	}
	_ = t.group.Wait()
	close(t.done)
}

// linkHandler binds transport callbacks to one session instance; events for
// a session that has since ended are ignored.
type linkHandler struct {
	s  *Session
	st *sessionState
}

func (h *linkHandler) OnLinkOpen(link ports.Link) {
	h.with(func() { h.st.role.onOpen(link) })
}

func (h *linkHandler) OnLinkData(link ports.Link, data []byte) {
	h.with(func() { h.s.receive(h.st, link, data) })
}

func (h *linkHandler) OnLinkClose(link ports.Link) {
	h.with(func() { h.st.role.onClose(link) })
}

func (h *linkHandler) OnLinkError(link ports.Link, err error) {
	h.with(func() {
		h.s.logger.Debugw("link error", "peer_id", link.RemoteID(), "error", err)
		h.st.role.onClose(link)
		_ = link.Close()
	})
}

func (h *linkHandler) with(fn func()) {
	h.s.mu.Lock()
	if h.s.st != h.st || h.st.role == nil {
		h.s.mu.Unlock()
		return
	}
	fn()
	td := h.s.deferred
	h.s.deferred = nil
	h.s.mu.Unlock()
	td.run()
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func promptOrText(prompt, text string) string {
	if prompt == "" {
		return text
	}
	return prompt
}
