package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"
	apperrors "rillchat/pkg/errors"
	"rillchat/pkg/tracing"
	"rillchat/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Metrics receives signaling counters.
type Metrics interface {
	SetConnections(n int)
	IncMessages(msgType string)
	IncRejected(code string)
}

type noopMetrics struct{}

func (noopMetrics) SetConnections(int) {}
func (noopMetrics) IncMessages(string) {}
func (noopMetrics) IncRejected(string) {}

// Options tunes connection keepalive and per-connection limits.
type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	IdentityTTL       time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
	AllowedOrigins    []string
}

func DefaultOptions() Options {
	return Options{
		PingInterval:      15 * time.Second,
		PongTimeout:       45 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdentityTTL:       60 * time.Second,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageSize:    64 * 1024,
	}
}

type peerConn struct {
	id      domain.PeerID
	owner   string
	ws      *websocket.Conn
	limiter *rate.Limiter

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (c *peerConn) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *peerConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *peerConn) closeWith(code int, text string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()
	c.ws.Close()
}

// Relay forwards a signal to an identity bound on another server instance.
type Relay interface {
	Forward(ctx context.Context, msg Message) error
}

// WebSocketServer binds one identity per websocket connection and routes
// SDP offers, answers and ICE candidates between bound identities.
type WebSocketServer struct {
	identities ports.IdentityRegistry
	metrics    Metrics
	relay      Relay
	opts       Options
	upgrader   websocket.Upgrader

	connections map[domain.PeerID]*peerConn
	mu          sync.RWMutex

	anonymousID func() domain.PeerID
	logger      *zap.SugaredLogger
}

// maxAnonymousBinds bounds how many fresh identities are tried for a client
// that did not ask for one.
const maxAnonymousBinds = 3

func newAnonymousID() domain.PeerID {
	return domain.PeerID("peer-" + uuid.NewString()[:8])
}

type ServerOption func(*WebSocketServer)

func WithMetrics(m Metrics) ServerOption {
	return func(s *WebSocketServer) { s.metrics = m }
}

func WithLogger(l *zap.SugaredLogger) ServerOption {
	return func(s *WebSocketServer) { s.logger = l }
}

// WithRelay routes signals for identities that are bound in the shared
// registry but not connected to this instance.
func WithRelay(r Relay) ServerOption {
	return func(s *WebSocketServer) { s.relay = r }
}

func NewWebSocketServer(identities ports.IdentityRegistry, opts Options, options ...ServerOption) *WebSocketServer {
	s := &WebSocketServer{
		identities:  identities,
		metrics:     noopMetrics{},
		opts:        opts,
		connections: make(map[domain.PeerID]*peerConn),
		anonymousID: newAnonymousID,
		logger:      zap.NewNop().Sugar(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))
	anonymous := peerID == ""
	if anonymous {
		peerID = s.anonymousID()
	} else if err := validation.ValidatePeerID(string(peerID)); err != nil {
		s.metrics.IncRejected(CodeInvalidInput)
		reject := &peerConn{id: peerID, ws: ws, writeTimeout: s.opts.WriteTimeout}
		_ = reject.write(Message{Type: TypeError, Code: CodeInvalidInput, Message: err.Error()})
		reject.closeWith(websocket.ClosePolicyViolation, CodeInvalidInput)
		return
	}

	c := &peerConn{
		id:           peerID,
		owner:        uuid.NewString(),
		ws:           ws,
		writeTimeout: s.opts.WriteTimeout,
	}
	if s.opts.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}

	ctx := r.Context()
	err = s.bind(ctx, c)
	// a generated identity that collides is replaced, a requested one is not
	for attempt := 1; anonymous && attempt < maxAnonymousBinds && isIdentityTaken(err); attempt++ {
		s.logger.Debugw("generated identity already bound, retrying", "peer_id", c.id)
		c.id = s.anonymousID()
		peerID = c.id
		err = s.bind(ctx, c)
	}
	if err != nil {
		appErr := apperrors.GetAppError(err)
		code := CodeInternal
		if appErr != nil {
			code = wireCode(appErr.Code)
		}
		s.metrics.IncRejected(code)
		_ = c.write(Message{Type: TypeError, PeerID: peerID, Code: code, Message: err.Error()})
		c.closeWith(websocket.ClosePolicyViolation, code)
		s.logger.Infow("identity bind rejected", "peer_id", peerID, "code", code)
		return
	}
	defer s.unbind(c)

	if err := c.write(Message{Type: TypeBound, PeerID: peerID}); err != nil {
		s.logger.Infow("failed to acknowledge bind", "peer_id", peerID, "error", err)
		return
	}
	s.logger.Infow("peer bound", "peer_id", peerID)

	s.serve(ctx, c)
}

func (s *WebSocketServer) bind(ctx context.Context, c *peerConn) error {
	if err := s.identities.Claim(ctx, c.id, c.owner, s.opts.IdentityTTL); err != nil {
		if errors.Is(err, domain.ErrIdentityTaken) {
			return apperrors.NewIdentityTakenError(string(c.id))
		}
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "identity registry unavailable", http.StatusServiceUnavailable)
	}

	s.mu.Lock()
	s.connections[c.id] = c
	n := len(s.connections)
	s.mu.Unlock()
	s.metrics.SetConnections(n)
	return nil
}

func isIdentityTaken(err error) bool {
	appErr := apperrors.GetAppError(err)
	return appErr != nil && appErr.Code == apperrors.ErrCodeIdentityTaken
}

func (s *WebSocketServer) unbind(c *peerConn) {
	s.mu.Lock()
	if cur, ok := s.connections[c.id]; ok && cur == c {
		delete(s.connections, c.id)
	}
	n := len(s.connections)
	s.mu.Unlock()
	s.metrics.SetConnections(n)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := s.identities.Release(ctx, c.id, c.owner); err != nil {
		s.logger.Warnw("failed to release identity", "peer_id", c.id, "error", err)
	}
	c.ws.Close()
	s.logger.Infow("peer disconnected", "peer_id", c.id)
}

func (s *WebSocketServer) serve(ctx context.Context, c *peerConn) {
	if s.opts.MaxMessageSize > 0 {
		c.ws.SetReadLimit(s.opts.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg Message
			if err := c.ws.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			c.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if err := s.handleMessage(ctx, c, msg); err != nil {
				s.sendError(c, msg.TargetPeer, err)
			}

		case <-pingTicker.C:
			if err := c.ping(); err != nil {
				s.logger.Infow("error sending ping", "peer_id", c.id, "error", err)
				return
			}
			if err := s.identities.Refresh(ctx, c.id, c.owner, s.opts.IdentityTTL); err != nil {
				s.logger.Warnw("identity claim lost", "peer_id", c.id, "error", err)
				c.closeWith(websocket.ClosePolicyViolation, CodeIdentityTaken)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", c.id, "error", err)
			}
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *peerConn, msg Message) error {
	ctx, span := tracing.TraceSignalMessage(ctx, msg.Type, string(c.id))
	defer span.End()

	err := s.route(ctx, c, msg)
	if err != nil {
		tracing.RecordError(ctx, err)
	} else {
		s.metrics.IncMessages(msg.Type)
	}
	return err
}

func (s *WebSocketServer) route(ctx context.Context, c *peerConn, msg Message) error {
	if c.limiter != nil && !c.limiter.Allow() {
		return apperrors.NewRateLimitError()
	}
	if msg.Type == "" {
		return apperrors.NewInvalidInputError("message type is required")
	}
	if msg.PeerID != "" && msg.PeerID != c.id {
		return apperrors.NewInvalidInputError(fmt.Sprintf("peer_id mismatch: expected %s, got %s", c.id, msg.PeerID))
	}

	switch msg.Type {
	case TypeOffer, TypeAnswer:
		var payload SDPPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return apperrors.NewInvalidInputError(fmt.Sprintf("invalid %s payload: %v", msg.Type, err))
		}
		if err := validateSDP(payload.SDP); err != nil {
			return apperrors.NewInvalidInputError(fmt.Sprintf("invalid SDP in %s: %v", msg.Type, err))
		}
	case TypeICECandidate:
		var payload ICECandidatePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return apperrors.NewInvalidInputError(fmt.Sprintf("invalid ICE candidate payload: %v", err))
		}
		if payload.Candidate == "" {
			return apperrors.NewInvalidInputError("ICE candidate is required")
		}
	default:
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}

	if msg.TargetPeer == "" || msg.TargetPeer == c.id {
		return apperrors.NewInvalidInputError("target_peer must name another peer")
	}
	tracing.AddSpanAttributes(ctx, tracing.TargetPeerKey.String(string(msg.TargetPeer)))

	s.mu.RLock()
	target, ok := s.connections[msg.TargetPeer]
	s.mu.RUnlock()
	if !ok {
		return s.forward(ctx, c, msg)
	}

	s.logger.Debugw("routing signal",
		"type", msg.Type,
		"from_peer", c.id,
		"to_peer", msg.TargetPeer,
		"payload_bytes", len(msg.Payload),
	)

	if err := target.write(Message{Type: msg.Type, FromPeer: c.id, Payload: msg.Payload}); err != nil {
		return apperrors.NewPeerNotFoundError(string(msg.TargetPeer))
	}
	return nil
}

// forward hands a signal to the relay when the target is bound elsewhere.
// Delivery failures on the remote instance are not reported back.
func (s *WebSocketServer) forward(ctx context.Context, c *peerConn, msg Message) error {
	if s.relay == nil {
		return apperrors.NewPeerNotFoundError(string(msg.TargetPeer))
	}
	bound, err := s.identities.IsBound(ctx, msg.TargetPeer)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "identity registry unavailable", http.StatusServiceUnavailable)
	}
	if !bound {
		return apperrors.NewPeerNotFoundError(string(msg.TargetPeer))
	}

	out := Message{Type: msg.Type, TargetPeer: msg.TargetPeer, FromPeer: c.id, Payload: msg.Payload}
	if err := s.relay.Forward(ctx, out); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "signal relay unavailable", http.StatusServiceUnavailable)
	}
	s.logger.Debugw("relayed signal", "type", msg.Type, "from_peer", c.id, "to_peer", msg.TargetPeer)
	return nil
}

// Deliver writes a relayed signal to its target if the target is connected
// to this instance. It reports whether the target was found here.
func (s *WebSocketServer) Deliver(msg Message) bool {
	s.mu.RLock()
	target, ok := s.connections[msg.TargetPeer]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if err := target.write(Message{Type: msg.Type, FromPeer: msg.FromPeer, Payload: msg.Payload}); err != nil {
		s.logger.Infow("failed to deliver relayed signal", "to_peer", msg.TargetPeer, "error", err)
		return true
	}
	s.metrics.IncMessages(msg.Type)
	return true
}

func (s *WebSocketServer) sendError(c *peerConn, target domain.PeerID, err error) {
	code := CodeInternal
	if appErr := apperrors.GetAppError(err); appErr != nil {
		code = wireCode(appErr.Code)
	}
	s.metrics.IncRejected(code)
	s.logger.Infow("signal message rejected", "peer_id", c.id, "code", code, "error", err)

	if werr := c.write(Message{Type: TypeError, Code: code, TargetPeer: target, Message: err.Error()}); werr != nil {
		s.logger.Debugw("failed to send error", "peer_id", c.id, "error", werr)
	}
}

func wireCode(code apperrors.ErrorCode) string {
	return strings.ToLower(string(code))
}

// Shutdown closes every bound connection with a going-away frame.
func (s *WebSocketServer) Shutdown() {
	s.mu.RLock()
	conns := make([]*peerConn, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) GetConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.connections))
	for peerID := range s.connections {
		peers = append(peers, peerID)
	}
	return peers
}

func (s *WebSocketServer) IsPeerConnected(peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.connections[peerID]
	return exists
}
