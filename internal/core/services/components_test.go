package services

import (
	"errors"
	"sync"
	"testing"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeLink struct {
	id      domain.PeerID
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
}

func (l *fakeLink) RemoteID() domain.PeerID { return l.id }

func (l *fakeLink) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, data)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) sentTypes(t *testing.T) []domain.MessageType {
	l.mu.Lock()
	defer l.mu.Unlock()
	types := make([]domain.MessageType, 0, len(l.sent))
	for _, data := range l.sent {
		env, err := domain.Decode(data)
		require.NoError(t, err)
		types = append(types, env.Type)
	}
	return types
}

func TestConnectionRegistry_RegisterReplacesLink(t *testing.T) {
	r := NewConnectionRegistry(0)
	first := &fakeLink{id: "a"}
	second := &fakeLink{id: "a"}

	assert.Nil(t, r.Register("a", first))
	assert.True(t, r.Owns(first))

	old := r.Register("a", second)
	assert.Same(t, first, old)
	assert.False(t, r.Owns(first))
	assert.True(t, r.Owns(second))
	assert.Equal(t, 1, r.Len())
}

func TestConnectionRegistry_OrderAndUnregister(t *testing.T) {
	r := NewConnectionRegistry(0)
	for _, id := range []domain.PeerID{"c", "a", "b"} {
		r.Register(id, &fakeLink{id: id})
	}
	assert.Equal(t, []domain.PeerID{"c", "a", "b"}, r.IDs())

	r.Buffer("a", []byte("x"))
	assert.NotNil(t, r.Unregister("a"))
	assert.Nil(t, r.Unregister("a"))
	assert.Empty(t, r.TakePending("a"))
	assert.Equal(t, []domain.PeerID{"c", "b"}, r.IDs())

	var visited []domain.PeerID
	r.ForEachOpen(func(id domain.PeerID, _ ports.Link) { visited = append(visited, id) })
	assert.Equal(t, []domain.PeerID{"c", "b"}, visited)

	links := r.Clear()
	assert.Len(t, links, 2)
	assert.Equal(t, 0, r.Len())
}

func TestConnectionRegistry_PendingBufferBounded(t *testing.T) {
	r := NewConnectionRegistry(2)
	assert.True(t, r.Buffer("a", []byte("1")))
	assert.True(t, r.Buffer("a", []byte("2")))
	assert.False(t, r.Buffer("a", []byte("3")))

	pending := r.TakePending("a")
	require.Len(t, pending, 2)
	assert.Equal(t, "1", string(pending[0]))
	assert.Empty(t, r.TakePending("a"))
}

func TestParticipantDirectory_Reconcile(t *testing.T) {
	bans := NewBanList()
	d := NewParticipantDirectory("host", bans)
	d.AdmitAs("host", domain.HostDisplayName, domain.RoleHost)

	_, err := d.Admit("guest-1")
	require.NoError(t, err)
	require.NoError(t, d.SetRole("guest-1", domain.RoleManager))
	_, err = d.Admit("guest-2")
	require.NoError(t, err)

	bans.Add("guest-3")
	list := d.Reconcile([]domain.PeerID{"guest-1", "guest-3", "guest-4"})

	require.Len(t, list, 3)
	assert.Equal(t, domain.PeerID("host"), list[0].ID)
	assert.Equal(t, domain.RoleHost, list[0].Role)
	assert.Equal(t, domain.RoleManager, list[1].Role)
	assert.Equal(t, domain.PeerID("guest-4"), list[2].ID)
	assert.Equal(t, domain.RoleGuest, list[2].Role)
	assert.Equal(t, domain.DefaultDisplayName("guest-4"), list[2].DisplayName)

	_, exists := d.Get("guest-2")
	assert.False(t, exists)
}

func TestParticipantDirectory_AdmitAndRoles(t *testing.T) {
	bans := NewBanList()
	d := NewParticipantDirectory("host", bans)

	bans.Add("bad")
	_, err := d.Admit("bad")
	assert.ErrorIs(t, err, domain.ErrBanned)

	p, err := d.Admit("host")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleHost, p.Role)

	_, err = d.Admit("g")
	require.NoError(t, err)
	assert.ErrorIs(t, d.SetRole("g", domain.RoleHost), domain.ErrNotAuthorized)
	assert.ErrorIs(t, d.SetRole("missing", domain.RoleGuest), domain.ErrPeerNotFound)
	assert.Error(t, d.SetRole("g", domain.Role("owner")))
}

func TestParticipantDirectory_ReplaceDedupes(t *testing.T) {
	d := NewParticipantDirectory("host", nil)
	d.Replace([]domain.Participant{
		{ID: "host", DisplayName: "Host", Role: domain.RoleHost},
		{ID: "a", DisplayName: "A", Role: domain.RoleGuest},
		{ID: "a", DisplayName: "A2", Role: domain.RoleManager},
	})
	list := d.List()
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[1].DisplayName)
}

func TestMessageLog_AppendDedupes(t *testing.T) {
	l := NewMessageLog()
	msg := domain.Message{ID: "m1", SenderID: "a", Text: "hi", Kind: domain.KindUser}

	assert.True(t, l.Append(msg))
	assert.False(t, l.Append(msg))
	assert.False(t, l.Append(domain.Message{Text: "no id"}))
	assert.Equal(t, 1, l.Len())
}

func TestMessageLog_ToggleReaction(t *testing.T) {
	l := NewMessageLog()
	l.Append(domain.Message{ID: "m1", Kind: domain.KindUser})

	action, err := l.ToggleReaction("m1", "👍", "a", "Alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ReactionAdd, action)

	action, err = l.ToggleReaction("m1", "👍", "a", "Alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ReactionRemove, action)

	_, err = l.ToggleReaction("missing", "👍", "a", "Alice")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestMessageLog_ApplyReactionIsIdempotent(t *testing.T) {
	l := NewMessageLog()
	l.Append(domain.Message{ID: "m1", Kind: domain.KindUser})

	add := domain.ReactionPayload{MessageID: "m1", Emoji: "🎉", SenderID: "b", SenderName: "Bob", Action: domain.ReactionAdd}
	assert.True(t, l.ApplyReaction(add))
	assert.False(t, l.ApplyReaction(add))

	msg, ok := l.Get("m1")
	require.True(t, ok)
	assert.Len(t, msg.Reactions, 1)

	remove := add
	remove.Action = domain.ReactionRemove
	assert.True(t, l.ApplyReaction(remove))
	assert.False(t, l.ApplyReaction(remove))

	add.MessageID = "missing"
	assert.False(t, l.ApplyReaction(add))
}

func TestMessageLog_RecentReturnsCopies(t *testing.T) {
	l := NewMessageLog()
	for _, id := range []string{"1", "2", "3"} {
		l.Append(domain.Message{ID: id})
	}
	recent := l.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "2", recent[0].ID)

	recent[0].Text = "mutated"
	msg, _ := l.Get("2")
	assert.Empty(t, msg.Text)
	assert.Nil(t, l.Recent(0))
}

func TestTypingTracker(t *testing.T) {
	tr := NewTypingTracker()
	assert.True(t, tr.SetTyping("b", true))
	assert.False(t, tr.SetTyping("b", true))
	assert.True(t, tr.SetTyping("a", true))
	assert.Equal(t, []domain.PeerID{"a", "b"}, tr.List())

	assert.True(t, tr.Retain(func(id domain.PeerID) bool { return id == "a" }))
	assert.False(t, tr.IsTyping("b"))
	assert.True(t, tr.Remove("a"))
	assert.Empty(t, tr.List())
}

func newModerationFixture(t *testing.T) (*ModerationEngine, *ParticipantDirectory, *BanList) {
	t.Helper()
	bans := NewBanList()
	d := NewParticipantDirectory("host", bans)
	d.AdmitAs("host", domain.HostDisplayName, domain.RoleHost)
	d.AdmitAs("m1", "M1", domain.RoleManager)
	d.AdmitAs("m2", "M2", domain.RoleManager)
	d.AdmitAs("g1", "G1", domain.RoleGuest)
	return NewModerationEngine(d, bans), d, bans
}

func TestModerationEngine_Authorize(t *testing.T) {
	tests := []struct {
		name      string
		requester domain.PeerID
		target    domain.PeerID
		action    domain.AdminAction
		wantErr   error
		wantNoOp  bool
	}{
		{name: "host promotes guest", requester: "host", target: "g1", action: domain.ActionPromote},
		{name: "host promotes manager is no-op", requester: "host", target: "m1", action: domain.ActionPromote, wantNoOp: true},
		{name: "host demotes guest is no-op", requester: "host", target: "g1", action: domain.ActionDemote, wantNoOp: true},
		{name: "host bans manager", requester: "host", target: "m1", action: domain.ActionBan},
		{name: "manager kicks guest", requester: "m1", target: "g1", action: domain.ActionKick},
		{name: "manager cannot ban manager", requester: "m1", target: "m2", action: domain.ActionBan, wantErr: domain.ErrNotAuthorized},
		{name: "manager cannot target host", requester: "m1", target: "host", action: domain.ActionKick, wantErr: domain.ErrNotAuthorized},
		{name: "guest cannot kick", requester: "g1", target: "m1", action: domain.ActionKick, wantErr: domain.ErrNotAuthorized},
		{name: "unknown requester", requester: "ghost", target: "g1", action: domain.ActionKick, wantErr: domain.ErrNotAuthorized},
		{name: "unknown target", requester: "host", target: "ghost", action: domain.ActionKick, wantErr: domain.ErrPeerNotFound},
		{name: "unknown action", requester: "host", target: "g1", action: "mute", wantErr: domain.ErrMalformedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _, _ := newModerationFixture(t)
			decision, err := engine.Authorize(tt.requester, tt.target, tt.action)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNoOp, decision.NoOp)
		})
	}
}

func TestModerationEngine_Apply(t *testing.T) {
	engine, d, bans := newModerationFixture(t)

	decision, err := engine.Authorize("host", "g1", domain.ActionPromote)
	require.NoError(t, err)
	require.NoError(t, engine.Apply(decision))
	p, _ := d.Get("g1")
	assert.Equal(t, domain.RoleManager, p.Role)

	decision, err = engine.Authorize("host", "m2", domain.ActionBan)
	require.NoError(t, err)
	assert.Equal(t, domain.KickReasonBanned, decision.Reason)
	require.NoError(t, engine.Apply(decision))
	assert.True(t, bans.Contains("m2"))
	_, exists := d.Get("m2")
	assert.False(t, exists)

	decision, err = engine.Authorize("m1", "g1", domain.ActionKick)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized, "g1 is a manager now")
	assert.False(t, decision.Evict)
}

func TestBroadcastRelay(t *testing.T) {
	r := NewConnectionRegistry(0)
	a := &fakeLink{id: "a"}
	b := &fakeLink{id: "b", sendErr: errors.New("closed")}
	c := &fakeLink{id: "c"}
	for _, l := range []*fakeLink{a, b, c} {
		r.Register(l.id, l)
	}
	relay := NewBroadcastRelay(r, ports.NoopSessionMetrics(), zaptest.NewLogger(t).Sugar())

	data, err := domain.Encode(domain.TypeTyping, domain.TypingPayload{UserID: "a", IsTyping: true})
	require.NoError(t, err)

	assert.Equal(t, 1, relay.Broadcast(domain.TypeTyping, data, "a"))
	assert.Empty(t, a.sentTypes(t))
	assert.Equal(t, []domain.MessageType{domain.TypeTyping}, c.sentTypes(t))

	assert.False(t, relay.SendTo("missing", domain.TypeTyping, data))
	assert.True(t, relay.SendTo("a", domain.TypeTyping, data))
}
