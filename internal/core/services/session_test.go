package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"
	"rillchat/internal/infrastructure/transport/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRoom     domain.RoomCode = "ABCD"
	waitTimeout                  = 2 * time.Second
	pollInterval                 = 5 * time.Millisecond
)

func newTestNetwork() *memory.Network {
	var n int64
	return memory.NewNetwork(memory.WithIDGenerator(func() domain.PeerID {
		return domain.PeerID(fmt.Sprintf("guest-%d", atomic.AddInt64(&n, 1)))
	}))
}

func testConfig() SessionConfig {
	cfg := DefaultSessionConfig(testRoom)
	cfg.KickFlushDelay = 10 * time.Millisecond
	cfg.HostLinkTimeout = 0
	return cfg
}

func newTestSession(t *testing.T, net *memory.Network, opts ...SessionOption) *Session {
	t.Helper()
	return newTestSessionWithConfig(t, net, testConfig(), opts...)
}

func newTestSessionWithConfig(t *testing.T, net *memory.Network, cfg SessionConfig, opts ...SessionOption) *Session {
	t.Helper()
	s := NewSession(cfg, net.NewTransport(), opts...)
	t.Cleanup(func() { _ = s.Leave() })
	return s
}

func startSession(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Start(context.Background(), StartOptions{}))
}

func waitParticipants(t *testing.T, n int, sessions ...*Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range sessions {
			if len(s.Snapshot().Participants) != n {
				return false
			}
		}
		return true
	}, waitTimeout, pollInterval)
}

func waitMessages(t *testing.T, n int, sessions ...*Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range sessions {
			if len(s.Snapshot().Messages) != n {
				return false
			}
		}
		return true
	}, waitTimeout, pollInterval)
}

func waitState(t *testing.T, s *Session, want domain.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, waitTimeout, pollInterval)
}

func roleOf(s *Session, id domain.PeerID) domain.Role {
	for _, p := range s.Snapshot().Participants {
		if p.ID == id {
			return p.Role
		}
	}
	return ""
}

type stubAssistant struct {
	reply string
	err   error

	mu      sync.Mutex
	prompts []string
}

func (a *stubAssistant) Respond(_ context.Context, prompt string, _ []domain.Utterance) (string, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, prompt)
	a.mu.Unlock()
	return a.reply, a.err
}

type failingTransport struct {
	err error
}

func (f *failingTransport) Bind(context.Context, domain.PeerID, ports.LinkHandler) (domain.PeerID, error) {
	return "", f.err
}

func (f *failingTransport) Connect(context.Context, domain.PeerID) (ports.Link, error) {
	return nil, f.err
}

func (f *failingTransport) Close() error { return nil }

type rawHandler struct {
	mu      sync.Mutex
	kicked  []string
	closed  bool
	opened  bool
	unknown int
}

func (h *rawHandler) OnLinkOpen(ports.Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = true
}

func (h *rawHandler) OnLinkData(_ ports.Link, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	env, err := domain.Decode(data)
	if err != nil || env.Type != domain.TypeKicked {
		h.unknown++
		return
	}
	var p domain.KickedPayload
	_ = env.DecodePayload(&p)
	h.kicked = append(h.kicked, p.Reason)
}

func (h *rawHandler) OnLinkClose(ports.Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *rawHandler) OnLinkError(ports.Link, error) {}

func TestSession_ElectsHostThenGuests(t *testing.T) {
	net := newTestNetwork()
	host := newTestSession(t, net)
	startSession(t, host)
	assert.Equal(t, domain.StateHostActive, host.State())
	assert.Equal(t, domain.HostIdentity(testRoom), host.Snapshot().SelfID)

	g1 := newTestSession(t, net)
	g2 := newTestSession(t, net)
	startSession(t, g1)
	startSession(t, g2)
	assert.Equal(t, domain.StateGuestActive, g1.State())

	waitParticipants(t, 3, host, g1, g2)

	snap := g2.Snapshot()
	assert.Equal(t, domain.HostIdentity(testRoom), snap.Participants[0].ID)
	assert.Equal(t, domain.RoleHost, snap.Participants[0].Role)
	assert.Equal(t, domain.RoleGuest, snap.Role)
	assert.Equal(t, host.Snapshot().Participants, snap.Participants)
}

func TestSession_MessagesReplicateOnceEverywhere(t *testing.T) {
	net := newTestNetwork()
	host := newTestSession(t, net)
	startSession(t, host)
	g1 := newTestSession(t, net)
	g2 := newTestSession(t, net)
	startSession(t, g1)
	startSession(t, g2)
	waitParticipants(t, 3, host, g1, g2)

	_, err := g1.SendMessage("hello from g1")
	require.NoError(t, err)
	_, err = host.SendMessage("hello from host")
	require.NoError(t, err)

	waitMessages(t, 2, host, g1, g2)
	time.Sleep(50 * time.Millisecond)

	for _, s := range []*Session{host, g1, g2} {
		msgs := s.Snapshot().Messages
		require.Len(t, msgs, 2, "no duplicates after echo")
	}
	msgs := g2.Snapshot().Messages
	assert.Equal(t, domain.KindUser, msgs[0].Kind)
}

func TestSession_SendRejectsBlankAndInactive(t *testing.T) {
	net := newTestNetwork()
	s := newTestSession(t, net)

	_, err := s.SendMessage("hi")
	assert.ErrorIs(t, err, domain.ErrSessionInactive)

	startSession(t, s)
	_, err = s.SendMessage("   ")
	assert.Error(t, err)
	assert.Empty(t, s.Snapshot().Messages)
}

func TestSession_ReactionsConverge(t *testing.T) {
	net := newTestNetwork()
	host := newTestSession(t, net)
	startSession(t, host)
	g1 := newTestSession(t, net)
	g2 := newTestSession(t, net)
	startSession(t, g1)
	startSession(t, g2)
	waitParticipants(t, 3, host, g1, g2)

	msg, err := host.SendMessage("react to me")
	require.NoError(t, err)
	waitMessages(t, 1, g1, g2)

	action, err := g1.ToggleReaction(msg.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, domain.ReactionAdd, action)
	_, err = g2.ToggleReaction(msg.ID, "👍")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, s := range []*Session{host, g1, g2} {
			if len(s.Snapshot().Messages[0].Reactions) != 2 {
				return false
			}
		}
		return true
	}, waitTimeout, pollInterval)

	action, err = g1.ToggleReaction(msg.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, domain.ReactionRemove, action)

	require.Eventually(t, func() bool {
		for _, s := range []*Session{host, g1, g2} {
			r := s.Snapshot().Messages[0].Reactions
			if len(r) != 1 || r[0].SenderID != g2.Snapshot().SelfID {
				return false
			}
		}
		return true
	}, waitTimeout, pollInterval)

	_, err = g1.ToggleReaction("missing", "👍")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestSession_TypingPresence(t *testing.T) {
	net := newTestNetwork()
	host := newTestSession(t, net)
	startSession(t, host)
	g1 := newTestSession(t, net)
	g2 := newTestSession(t, net)
	startSession(t, g1)
	startSession(t, g2)
	waitParticipants(t, 3, host, g1, g2)

	g1ID := g1.Snapshot().SelfID
	require.NoError(t, g1.SetTyping(true))
	require.Eventually(t, func() bool {
		return len(g2.Snapshot().Typing) == 1 && len(host.Snapshot().Typing) == 1
	}, waitTimeout, pollInterval)
	assert.Equal(t, []domain.PeerID{g1ID}, g2.Snapshot().Typing)

	require.NoError(t, g1.Leave())
	require.Eventually(t, func() bool {
		return len(g2.Snapshot().Typing) == 0 && len(host.Snapshot().Typing) == 0
	}, waitTimeout, pollInterval)
}

func TestSession_PromoteThenManagerKicks(t *testing.T) {
	net := newTestNetwork()
	host := newTestSession(t, net)
	startSession(t, host)
	mgr := newTestSession(t, net)
	target := newTestSession(t, net)
	startSession(t, mgr)
	startSession(t, target)
	waitParticipants(t, 3, host, mgr, target)

	mgrID := mgr.Snapshot().SelfID
	targetID := target.Snapshot().SelfID

	require.NoError(t, host.Moderate(domain.ActionPromote, mgrID))
	require.Eventually(t, func() bool {
		return mgr.Snapshot().Role == domain.RoleManager && roleOf(target, mgrID) == domain.RoleManager
	}, waitTimeout, pollInterval)

	require.NoError(t, mgr.Moderate(domain.ActionKick, targetID))
	waitState(t, target, domain.StateKicked)
	waitParticipants(t, 2, host, mgr)

	snap := target.Snapshot()
	assert.Empty(t, snap.Participants)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, host.Snapshot().Banned)
}

func TestSession_ManagerCannotBanManager(t *testing.T) {
	net := newTestNetwork()
	host := newTestSession(t, net)
	startSession(t, host)
	m1 := newTestSession(t, net)
	m2 := newTestSession(t, net)
	startSession(t, m1)
	startSession(t, m2)
	waitParticipants(t, 3, host, m1, m2)

	m1ID, m2ID := m1.Snapshot().SelfID, m2.Snapshot().SelfID
	require.NoError(t, host.Moderate(domain.ActionPromote, m1ID))
	require.NoError(t, host.Moderate(domain.ActionPromote, m2ID))
	require.Eventually(t, func() bool {
		return m1.Snapshot().Role == domain.RoleManager && m2.Snapshot().Role == domain.RoleManager
	}, waitTimeout, pollInterval)

	require.NoError(t, m1.Moderate(domain.ActionBan, m2ID))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, domain.StateGuestActive, m2.State())
	assert.Empty(t, host.Snapshot().Banned)
	assert.Equal(t, domain.RoleManager, roleOf(host, m2ID))

	err := host.Moderate(domain.ActionKick, host.Snapshot().SelfID)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestSession_BannedPeerCannotReturn(t *testing.T) {
	net := newTestNetwork()
	host := newTestSession(t, net)
	startSession(t, host)
	guest := newTestSession(t, net)
	startSession(t, guest)
	waitParticipants(t, 2, host, guest)

	guestID := guest.Snapshot().SelfID
	require.NoError(t, host.Moderate(domain.ActionBan, guestID))
	waitState(t, guest, domain.StateBanned)
	assert.Equal(t, []domain.PeerID{guestID}, host.Snapshot().Banned)

	require.Eventually(t, func() bool { return !net.IsBound(guestID) }, waitTimeout, pollInterval)

	raw := &rawHandler{}
	tr := net.NewTransport()
	t.Cleanup(func() { _ = tr.Close() })
	_, err := tr.Bind(context.Background(), guestID, raw)
	require.NoError(t, err)
	_, err = tr.Connect(context.Background(), domain.HostIdentity(testRoom))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		raw.mu.Lock()
		defer raw.mu.Unlock()
		return raw.closed && len(raw.kicked) == 1
	}, waitTimeout, pollInterval)
	assert.Equal(t, domain.KickReasonBanned, raw.kicked[0])
	assert.Len(t, host.Snapshot().Participants, 1)
}

func TestSession_LateJoinerReceivesHistory(t *testing.T) {
	net := newTestNetwork()
	host := newTestSession(t, net)
	startSession(t, host)
	early := newTestSession(t, net)
	startSession(t, early)
	waitParticipants(t, 2, host, early)

	_, err := early.SendMessage("first")
	require.NoError(t, err)
	_, err = host.SendMessage("second")
	require.NoError(t, err)
	waitMessages(t, 2, host, early)

	late := newTestSession(t, net)
	startSession(t, late)
	waitMessages(t, 2, late)
	assert.Equal(t, "first", late.Snapshot().Messages[0].Text)
}

func TestSession_HostLeaveDisconnectsGuests(t *testing.T) {
	net := newTestNetwork()
	host := newTestSession(t, net)
	startSession(t, host)
	guest := newTestSession(t, net)
	startSession(t, guest)
	waitParticipants(t, 2, host, guest)

	require.NoError(t, host.Leave())
	assert.Equal(t, domain.StateDisconnected, host.State())
	waitState(t, guest, domain.StateDisconnected)
	assert.Empty(t, guest.Snapshot().Participants)

	// the room code is free again
	startSession(t, guest)
	assert.Equal(t, domain.StateHostActive, guest.State())
}

func TestSession_BindConflictFallsBackToGuest(t *testing.T) {
	net := newTestNetwork()
	first := newTestSession(t, net)
	second := newTestSession(t, net)
	startSession(t, first)

	preferHost := true
	require.NoError(t, second.Start(context.Background(), StartOptions{PreferHost: &preferHost}))
	assert.Equal(t, domain.StateGuestActive, second.State())
	waitParticipants(t, 2, first, second)
}

func TestSession_StrictHostFailsOnConflict(t *testing.T) {
	net := newTestNetwork()
	first := newTestSession(t, net)
	startSession(t, first)

	cfg := testConfig()
	cfg.StrictHost = true
	strict := newTestSessionWithConfig(t, net, cfg)

	err := strict.Start(context.Background(), StartOptions{})
	assert.ErrorIs(t, err, domain.ErrSessionEstablishment)
	assert.ErrorIs(t, err, domain.ErrIdentityTaken)
	assert.Equal(t, domain.StateIdle, strict.State())
}

func TestSession_FatalBindError(t *testing.T) {
	s := NewSession(testConfig(), &failingTransport{err: errors.New("signaling unreachable")})

	err := s.Start(context.Background(), StartOptions{})
	assert.ErrorIs(t, err, domain.ErrSessionEstablishment)
	assert.Equal(t, domain.StateIdle, s.State())

	preferGuest := false
	err = s.Start(context.Background(), StartOptions{PreferHost: &preferGuest})
	assert.ErrorIs(t, err, domain.ErrSessionEstablishment)
}

func TestSession_GuestWithoutHost(t *testing.T) {
	net := newTestNetwork()
	s := newTestSession(t, net)

	preferGuest := false
	require.NoError(t, s.Start(context.Background(), StartOptions{PreferHost: &preferGuest}))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, domain.StateGuestActive, s.State())
	_, err := s.SendMessage("anyone here?")
	assert.NoError(t, err)
}

func TestSession_StartTwiceFails(t *testing.T) {
	net := newTestNetwork()
	s := newTestSession(t, net)
	startSession(t, s)
	assert.ErrorIs(t, s.Start(context.Background(), StartOptions{}), domain.ErrSessionActive)
}

func TestSession_AssistantReplyReplicates(t *testing.T) {
	net := newTestNetwork()
	bot := &stubAssistant{reply: "42"}
	host := newTestSession(t, net, WithAssistant(bot))
	startSession(t, host)
	guest := newTestSession(t, net)
	startSession(t, guest)
	waitParticipants(t, 2, host, guest)

	_, err := host.SendMessage("@AI what is the answer?")
	require.NoError(t, err)
	waitMessages(t, 2, host, guest)

	msgs := guest.Snapshot().Messages
	assert.Equal(t, domain.KindAI, msgs[1].Kind)
	assert.Equal(t, AssistantID, msgs[1].SenderID)
	assert.Equal(t, "42", msgs[1].Text)

	bot.mu.Lock()
	defer bot.mu.Unlock()
	assert.Equal(t, []string{"what is the answer?"}, bot.prompts)
}

func TestSession_AssistantFailureStaysLocal(t *testing.T) {
	net := newTestNetwork()
	bot := &stubAssistant{err: domain.ErrAssistantUnavailable}
	guest := newTestSession(t, net, WithAssistant(bot))
	host := newTestSession(t, net)
	startSession(t, host)
	startSession(t, guest)
	waitParticipants(t, 2, host, guest)

	_, err := guest.SendMessage("hey @assistant summarize")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := guest.Snapshot().Messages
		return len(msgs) == 2 && msgs[1].Kind == domain.KindSystem
	}, waitTimeout, pollInterval)

	waitMessages(t, 1, host)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, host.Snapshot().Messages, 1)
}

func TestSession_AssistantPrompt(t *testing.T) {
	s := NewSession(testConfig(), &failingTransport{})
	tests := []struct {
		text   string
		prompt string
		ok     bool
	}{
		{text: "@ai hello", prompt: "hello", ok: true},
		{text: "@AI", prompt: "@AI", ok: true},
		{text: "@aiden hello", ok: false},
		{text: "ask @Assistant about go", prompt: "ask  about go", ok: true},
		{text: "plain text", ok: false},
		{text: "@AI Ⱥ question", prompt: "Ⱥ question", ok: true},
		{text: "@Aİ hello", ok: false},
		{text: "Ⱥ@assistant", prompt: "Ⱥ", ok: true},
		{text: "ȺȺ tell me @assistant", prompt: "ȺȺ tell me", ok: true},
		{text: "İİ hi @assistant please", prompt: "İİ hi  please", ok: true},
		{text: "ȾȾ @ASSISTANT", prompt: "ȾȾ", ok: true},
	}
	for _, tt := range tests {
		prompt, ok := s.assistantPrompt(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		if tt.ok {
			assert.Equal(t, tt.prompt, prompt, tt.text)
		}
	}
}

func TestSession_EventsReportStateChanges(t *testing.T) {
	net := newTestNetwork()
	s := newTestSession(t, net)
	startSession(t, s)

	var states []domain.SessionState
	for len(s.Events()) > 0 {
		ev := <-s.Events()
		if ev.Kind == EventStateChanged {
			states = append(states, ev.State)
		}
	}
	assert.Equal(t, []domain.SessionState{domain.StateAttemptingHost, domain.StateHostActive}, states)
}

func TestSession_TerminalStateSurvivesFullEventBuffer(t *testing.T) {
	net := newTestNetwork()
	cfg := testConfig()
	cfg.EventBuffer = 2
	s := newTestSessionWithConfig(t, net, cfg)
	startSession(t, s)
	require.Len(t, s.Events(), 2)

	require.NoError(t, s.Leave())

	var last SessionEvent
	for len(s.Events()) > 0 {
		last = <-s.Events()
	}
	assert.Equal(t, EventStateChanged, last.Kind)
	assert.Equal(t, domain.StateDisconnected, last.State)
}

type adminMetrics struct {
	ports.SessionMetrics

	mu       sync.Mutex
	outcomes map[domain.AdminAction][]string
}

func (m *adminMetrics) IncAdminRequests(action domain.AdminAction, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[action] = append(m.outcomes[action], outcome)
}

func (m *adminMetrics) get(action domain.AdminAction) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outcomes[action]...)
}

func TestSession_CountsAdminRequestsByAction(t *testing.T) {
	metrics := &adminMetrics{
		SessionMetrics: ports.NoopSessionMetrics(),
		outcomes:       map[domain.AdminAction][]string{},
	}
	net := newTestNetwork()
	host := newTestSession(t, net, WithSessionMetrics(metrics))
	startSession(t, host)
	guest := newTestSession(t, net)
	startSession(t, guest)
	waitParticipants(t, 2, host, guest)

	require.NoError(t, host.Moderate(domain.ActionPromote, guest.Snapshot().SelfID))
	assert.Error(t, host.Moderate(domain.ActionKick, host.Snapshot().SelfID))

	// a manager's request against the host arrives over the wire and is refused there
	require.Eventually(t, func() bool { return guest.Snapshot().Role == domain.RoleManager }, waitTimeout, pollInterval)
	require.NoError(t, guest.Moderate(domain.ActionBan, host.Snapshot().SelfID))
	require.Eventually(t, func() bool { return len(metrics.get(domain.ActionBan)) == 1 }, waitTimeout, pollInterval)

	assert.Equal(t, []string{"accepted"}, metrics.get(domain.ActionPromote))
	assert.Equal(t, []string{"rejected"}, metrics.get(domain.ActionKick))
	assert.Equal(t, []string{"rejected"}, metrics.get(domain.ActionBan))
}
