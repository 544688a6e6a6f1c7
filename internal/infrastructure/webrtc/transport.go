package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"
	"rillchat/internal/infrastructure/signal"
	"rillchat/pkg/config"
	"rillchat/pkg/retry"
	"rillchat/pkg/tracing"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errNotBound = errors.New("transport is not bound")

// Config configures peer connections and the signaling client.
type Config struct {
	SignalURL  string
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	DataChannelLabel string
	BindTimeout      time.Duration
	WriteTimeout     time.Duration
	DialRetry        retry.Config
}

func DefaultConfig(signalURL string) Config {
	return Config{
		SignalURL:        signalURL,
		ICEServers:       []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		DataChannelLabel: "chat",
		BindTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		DialRetry:        retry.DefaultConfig(),
	}
}

// Transport carries session links over WebRTC data channels. Identities are
// bound and SDP/ICE exchanged through the signaling server.
type Transport struct {
	config Config
	api    *webrtc.API
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu    sync.Mutex
	self  domain.PeerID
	ws    *websocket.Conn
	queue *eventQueue
	links map[domain.PeerID]*peerLink

	writeMu sync.Mutex
}

var _ ports.Transport = (*Transport)(nil)

func NewTransport(config Config, logger *zap.SugaredLogger) (*Transport, error) {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if config.DataChannelLabel == "" {
		config.DataChannelLabel = "chat"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Transport{
		config: config,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		dialer: &websocket.Dialer{HandshakeTimeout: config.BindTimeout},
		logger: logger,
	}, nil
}

// Bind dials the signaling server and claims id. An empty id asks the server
// for an anonymous identity.
func (t *Transport) Bind(ctx context.Context, id domain.PeerID, handler ports.LinkHandler) (domain.PeerID, error) {
	t.mu.Lock()
	if t.ws != nil {
		bound := t.self
		t.mu.Unlock()
		return "", fmt.Errorf("transport already bound as %s", bound)
	}
	t.mu.Unlock()

	target, err := signalURL(t.config.SignalURL, id)
	if err != nil {
		return "", err
	}

	ws, err := retry.Do(ctx, t.config.DialRetry, func() (*websocket.Conn, error) {
		conn, resp, err := t.dialer.DialContext(ctx, target, nil)
		if err != nil && resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.Permanent(err)
		}
		return conn, err
	})
	if err != nil {
		return "", fmt.Errorf("dial signal server: %w", err)
	}

	ack, err := t.readAck(ctx, ws)
	if err != nil {
		ws.Close()
		return "", err
	}
	if ack.Type == signal.TypeError {
		ws.Close()
		if ack.Code == signal.CodeIdentityTaken {
			return "", fmt.Errorf("%w: %s", domain.ErrIdentityTaken, id)
		}
		return "", fmt.Errorf("signal server rejected bind: %s (%s)", ack.Message, ack.Code)
	}
	if ack.Type != signal.TypeBound || ack.PeerID == "" {
		ws.Close()
		return "", fmt.Errorf("unexpected bind reply %q", ack.Type)
	}

	queue := newEventQueue()
	t.mu.Lock()
	t.self = ack.PeerID
	t.ws = ws
	t.queue = queue
	t.links = make(map[domain.PeerID]*peerLink)
	t.mu.Unlock()

	go queue.run(handler)
	go t.readSignals(ws)

	t.logger.Infow("bound to signal server", "peer_id", ack.PeerID)
	return ack.PeerID, nil
}

func (t *Transport) readAck(ctx context.Context, ws *websocket.Conn) (signal.Message, error) {
	deadline := time.Now().Add(t.config.BindTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})

	var ack signal.Message
	if err := ws.ReadJSON(&ack); err != nil {
		return signal.Message{}, fmt.Errorf("read bind reply: %w", err)
	}
	return ack, nil
}

// Connect offers a data channel to remote. OnLinkOpen follows once the channel
// is up, or OnLinkError when the signaling server does not know remote.
func (t *Transport) Connect(ctx context.Context, remote domain.PeerID) (ports.Link, error) {
	ctx, span := tracing.TraceWebRTC(ctx, "offer", string(t.selfID()), string(remote))
	defer span.End()

	l, err := t.newLink(remote)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	ordered := true
	dc, err := l.pc.CreateDataChannel(t.config.DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		l.fail(err)
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	l.attach(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.fail(err)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.fail(err)
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := t.sendSignal(signal.TypeOffer, remote, signal.SDPPayload{SDP: offer.SDP}); err != nil {
		l.fail(err)
		return nil, err
	}
	return l, nil
}

// newLink creates the peer connection for remote, replacing any previous one.
func (t *Transport) newLink(remote domain.PeerID) (*peerLink, error) {
	t.mu.Lock()
	queue := t.queue
	self := t.self
	previous := t.links[remote]
	t.mu.Unlock()
	if queue == nil {
		return nil, errNotBound
	}
	if remote == self {
		return nil, fmt.Errorf("cannot link to self (%s)", self)
	}
	if previous != nil {
		_ = previous.Close()
	}

	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: t.config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	l := &peerLink{transport: t, queue: queue, remote: remote, pc: pc}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := t.sendSignal(signal.TypeICECandidate, remote, c.ToJSON()); err != nil {
			t.logger.Debugw("failed to send ICE candidate", "peer_id", remote, "error", err)
		}
	})
	pc.OnConnectionStateChange(t.handleConnectionState(l))

	t.mu.Lock()
	if t.queue != queue {
		t.mu.Unlock()
		_ = pc.Close()
		return nil, errNotBound
	}
	t.links[remote] = l
	t.mu.Unlock()
	return l, nil
}

func (t *Transport) handleConnectionState(l *peerLink) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		t.logger.Debugw("peer connection state changed",
			"peer_id", l.remote,
			"state", state.String(),
		)

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if l.isOpen() {
				_ = l.Close()
			} else {
				l.fail(fmt.Errorf("peer connection %s", state.String()))
			}
		}
	}
}

func (t *Transport) readSignals(ws *websocket.Conn) {
	for {
		var msg signal.Message
		if err := ws.ReadJSON(&msg); err != nil {
			t.mu.Lock()
			current := t.ws == ws
			t.mu.Unlock()
			if current {
				t.logger.Warnw("signal connection lost; established links stay up", "error", err)
			}
			return
		}
		if err := t.handleSignal(msg); err != nil {
			t.logger.Infow("signal message failed", "type", msg.Type, "from_peer", msg.FromPeer, "error", err)
		}
	}
}

func (t *Transport) handleSignal(msg signal.Message) error {
	switch msg.Type {
	case signal.TypeOffer:
		return t.accept(msg.FromPeer, msg.Payload)

	case signal.TypeAnswer:
		var payload signal.SDPPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		l := t.link(msg.FromPeer)
		if l == nil {
			return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, msg.FromPeer)
		}
		return l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP})

	case signal.TypeICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
			return err
		}
		l := t.link(msg.FromPeer)
		if l == nil {
			return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, msg.FromPeer)
		}
		return l.addCandidate(candidate)

	case signal.TypeError:
		if msg.Code == signal.CodePeerNotFound && msg.TargetPeer != "" {
			if l := t.link(msg.TargetPeer); l != nil && !l.isOpen() {
				l.fail(fmt.Errorf("%w: %s", domain.ErrPeerNotFound, msg.TargetPeer))
			}
			return nil
		}
		return fmt.Errorf("signal error %s: %s", msg.Code, msg.Message)

	default:
		return fmt.Errorf("unknown signal message type: %s", msg.Type)
	}
}

func (t *Transport) accept(remote domain.PeerID, raw json.RawMessage) error {
	var payload signal.SDPPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}

	ctx, span := tracing.TraceWebRTC(context.Background(), "answer", string(t.selfID()), string(remote))
	defer span.End()

	l, err := t.newLink(remote)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	l.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != t.config.DataChannelLabel {
			t.logger.Warnw("ignoring unexpected data channel", "peer_id", remote, "label", dc.Label())
			return
		}
		l.attach(dc)
	})

	if err := l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}); err != nil {
		l.fail(err)
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		l.fail(err)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		l.fail(err)
		return fmt.Errorf("set local description: %w", err)
	}
	return t.sendSignal(signal.TypeAnswer, remote, signal.SDPPayload{SDP: answer.SDP})
}

func (t *Transport) sendSignal(msgType string, target domain.PeerID, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	ws := t.ws
	t.mu.Unlock()
	if ws == nil {
		return errNotBound
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	return ws.WriteJSON(signal.Message{Type: msgType, TargetPeer: target, Payload: data})
}

func (t *Transport) link(remote domain.PeerID) *peerLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[remote]
}

func (t *Transport) forget(l *peerLink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links != nil && t.links[l.remote] == l {
		delete(t.links, l.remote)
	}
}

func (t *Transport) selfID() domain.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

// Close releases the identity by closing the signaling connection and closes
// every link. Pending callbacks are discarded.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.ws == nil {
		t.mu.Unlock()
		return nil
	}
	ws := t.ws
	queue := t.queue
	links := make([]*peerLink, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.ws = nil
	t.queue = nil
	t.links = nil
	t.self = ""
	t.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	queue.close()

	t.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.config.WriteTimeout))
	t.writeMu.Unlock()
	return ws.Close()
}

func signalURL(base string, id domain.PeerID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid signal url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid signal url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	if id != "" {
		q.Set("peer_id", string(id))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ConfigFromApp maps the webrtc and session sections of the application config.
func ConfigFromApp(cfg *config.Config) Config {
	c := DefaultConfig(cfg.Signal.URL)
	c.ICEServers = make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		c.ICEServers = append(c.ICEServers, server)
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	if cfg.WebRTC.DataChannelLabel != "" {
		c.DataChannelLabel = cfg.WebRTC.DataChannelLabel
	}
	if cfg.Session.ConnectTimeout > 0 {
		c.BindTimeout = cfg.Session.ConnectTimeout
	}
	c.WriteTimeout = cfg.Signal.WriteTimeout
	return c
}
