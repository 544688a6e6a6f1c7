package webrtc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"
	"rillchat/internal/infrastructure/repositories/memory"
	"rillchat/internal/infrastructure/signal"
	"rillchat/pkg/config"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu     sync.Mutex
	opened []ports.Link
	data   []string
	closed int
	errs   []error
}

func (r *recorder) OnLinkOpen(l ports.Link) {
	r.mu.Lock()
	r.opened = append(r.opened, l)
	r.mu.Unlock()
}
func (r *recorder) OnLinkData(_ ports.Link, d []byte) {
	r.mu.Lock()
	r.data = append(r.data, string(d))
	r.mu.Unlock()
}
func (r *recorder) OnLinkClose(ports.Link) { r.mu.Lock(); r.closed++; r.mu.Unlock() }
func (r *recorder) OnLinkError(_ ports.Link, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) snapshot() (opened int, data []string, errs []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opened), append([]string(nil), r.data...), append([]error(nil), r.errs...)
}

func newSignalServer(t *testing.T) *httptest.Server {
	t.Helper()
	opts := signal.DefaultOptions()
	opts.PingInterval = time.Second
	opts.PongTimeout = 5 * time.Second
	opts.WriteTimeout = time.Second
	srv := signal.NewWebSocketServer(memory.NewMemoryIdentityRegistry(), opts,
		signal.WithLogger(zaptest.NewLogger(t).Sugar()))
	httpSrv := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(httpSrv.Close)
	return httpSrv
}

func newTestTransport(t *testing.T, signalURL string) *Transport {
	t.Helper()
	cfg := DefaultConfig(signalURL)
	cfg.ICEServers = nil
	cfg.BindTimeout = 2 * time.Second
	cfg.DialRetry.Enabled = false
	tr, err := NewTransport(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestSignalURL(t *testing.T) {
	tests := []struct {
		base string
		id   domain.PeerID
		want string
		ok   bool
	}{
		{"http://localhost:8081", "room-a", "ws://localhost:8081/ws?peer_id=room-a", true},
		{"https://signal.example.com/ws", "", "wss://signal.example.com/ws", true},
		{"ws://10.0.0.1:9000/signal", "x y", "ws://10.0.0.1:9000/signal?peer_id=x+y", true},
		{"ftp://nope", "a", "", false},
	}
	for _, tt := range tests {
		got, err := signalURL(tt.base, tt.id)
		if !tt.ok {
			assert.Error(t, err, tt.base)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestBind_IdentityTaken(t *testing.T) {
	srv := newSignalServer(t)

	first := newTestTransport(t, srv.URL)
	id, err := first.Bind(context.Background(), "room-host", &recorder{})
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("room-host"), id)

	second := newTestTransport(t, srv.URL)
	_, err = second.Bind(context.Background(), "room-host", &recorder{})
	assert.ErrorIs(t, err, domain.ErrIdentityTaken)

	anon, err := second.Bind(context.Background(), "", &recorder{})
	require.NoError(t, err)
	assert.NotEmpty(t, anon)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		third := newTestTransport(t, srv.URL)
		_, err := third.Bind(context.Background(), "room-host", &recorder{})
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
}

func TestConnect_UnknownPeerReportsError(t *testing.T) {
	srv := newSignalServer(t)
	tr := newTestTransport(t, srv.URL)
	rec := &recorder{}
	_, err := tr.Bind(context.Background(), "", rec)
	require.NoError(t, err)

	_, err = tr.Connect(context.Background(), "nobody")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, errs := rec.snapshot()
		return len(errs) == 1
	}, 3*time.Second, 20*time.Millisecond)
	_, _, errs := rec.snapshot()
	assert.ErrorIs(t, errs[0], domain.ErrPeerNotFound)
}

func TestConnect_NotBound(t *testing.T) {
	tr := newTestTransport(t, "ws://127.0.0.1:1")
	_, err := tr.Connect(context.Background(), "host")
	assert.ErrorIs(t, err, errNotBound)
}

func TestDataChannelRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	srv := newSignalServer(t)

	host := newTestTransport(t, srv.URL)
	hostRec := &recorder{}
	_, err := host.Bind(context.Background(), "room-host", hostRec)
	require.NoError(t, err)

	guest := newTestTransport(t, srv.URL)
	guestRec := &recorder{}
	_, err = guest.Bind(context.Background(), "", guestRec)
	require.NoError(t, err)

	link, err := guest.Connect(context.Background(), "room-host")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		g, _, _ := guestRec.snapshot()
		h, _, _ := hostRec.snapshot()
		return g == 1 && h == 1
	}, 15*time.Second, 50*time.Millisecond)

	require.NoError(t, link.Send([]byte("hello host")))
	require.Eventually(t, func() bool {
		_, data, _ := hostRec.snapshot()
		return len(data) == 1 && data[0] == "hello host"
	}, 5*time.Second, 20*time.Millisecond)

	hostRec.mu.Lock()
	accepted := hostRec.opened[0]
	hostRec.mu.Unlock()
	require.NoError(t, accepted.Send([]byte("hello guest")))
	require.Eventually(t, func() bool {
		_, data, _ := guestRec.snapshot()
		return len(data) == 1 && data[0] == "hello guest"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, link.Close())
	assert.ErrorIs(t, link.Send([]byte("late")), domain.ErrLinkClosed)
}

func TestConfigFromApp(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Signal.URL = "ws://signal:8081/ws"
	cfg.WebRTC.ICEServers = []config.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
	}
	cfg.WebRTC.PortRange.Min = 50000
	cfg.WebRTC.PortRange.Max = 50100

	c := ConfigFromApp(cfg)
	assert.Equal(t, "ws://signal:8081/ws", c.SignalURL)
	require.Len(t, c.ICEServers, 2)
	assert.Empty(t, c.ICEServers[0].Username)
	assert.Equal(t, "u", c.ICEServers[1].Username)
	assert.Equal(t, webrtc.ICECredentialTypePassword, c.ICEServers[1].CredentialType)
	assert.Equal(t, uint16(50000), c.PortRange.Min)
	assert.Equal(t, cfg.WebRTC.DataChannelLabel, c.DataChannelLabel)
}
