package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"

	"github.com/google/uuid"
)

var errNotBound = errors.New("transport is not bound")

// Network is an in-process switchboard that plays the role of the signaling
// service: it owns the identity namespace and pairs links between endpoints.
type Network struct {
	mu        sync.Mutex
	endpoints map[domain.PeerID]*Transport
	newID     func() domain.PeerID
}

type NetworkOption func(*Network)

// WithIDGenerator overrides how anonymous identities are assigned.
func WithIDGenerator(gen func() domain.PeerID) NetworkOption {
	return func(n *Network) { n.newID = gen }
}

func NewNetwork(opts ...NetworkOption) *Network {
	n := &Network{
		endpoints: make(map[domain.PeerID]*Transport),
		newID: func() domain.PeerID {
			return domain.PeerID("peer-" + uuid.NewString()[:8])
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NewTransport returns an unbound endpoint on the network.
func (n *Network) NewTransport() *Transport {
	return &Transport{network: n}
}

// IsBound reports whether id currently has an endpoint.
func (n *Network) IsBound(id domain.PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, exists := n.endpoints[id]
	return exists
}

func (n *Network) claim(id domain.PeerID, t *Transport) (domain.PeerID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if id == "" {
		for {
			id = n.newID()
			if _, taken := n.endpoints[id]; !taken {
				break
			}
		}
	} else if _, taken := n.endpoints[id]; taken {
		return "", fmt.Errorf("%w: %s", domain.ErrIdentityTaken, id)
	}
	n.endpoints[id] = t
	return id, nil
}

func (n *Network) release(id domain.PeerID, t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[id] == t {
		delete(n.endpoints, id)
	}
}

func (n *Network) lookup(id domain.PeerID) (*Transport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, exists := n.endpoints[id]
	return t, exists
}

// Transport is one endpoint on a Network. Callbacks are delivered from a
// single goroutine per binding, never from inside Bind, Connect, Send or Close.
type Transport struct {
	network *Network

	mu    sync.Mutex
	id    domain.PeerID
	queue *eventQueue
	links map[*link]struct{}
}

func (t *Transport) Bind(ctx context.Context, id domain.PeerID, handler ports.LinkHandler) (domain.PeerID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.queue != nil {
		return "", fmt.Errorf("transport already bound as %s", t.id)
	}
	bound, err := t.network.claim(id, t)
	if err != nil {
		return "", err
	}

	t.id = bound
	t.queue = newEventQueue()
	t.links = make(map[*link]struct{})
	go t.queue.run(handler)
	return bound, nil
}

// Connect opens a link to remote. The link is returned immediately; OnLinkOpen
// follows on both ends, or OnLinkError locally when nobody holds remote.
func (t *Transport) Connect(ctx context.Context, remote domain.PeerID) (ports.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.queue == nil {
		t.mu.Unlock()
		return nil, errNotBound
	}
	local := &link{owner: t, queue: t.queue, remote: remote}
	t.links[local] = struct{}{}
	selfID := t.id
	t.mu.Unlock()

	peerT, exists := t.network.lookup(remote)
	if !exists || peerT == t {
		local.fail(fmt.Errorf("%w: %s", domain.ErrPeerNotFound, remote))
		return local, nil
	}

	peerT.mu.Lock()
	if peerT.queue == nil {
		peerT.mu.Unlock()
		local.fail(fmt.Errorf("%w: %s", domain.ErrPeerNotFound, remote))
		return local, nil
	}
	accepted := &link{owner: peerT, queue: peerT.queue, remote: selfID}
	peerT.links[accepted] = struct{}{}
	peerT.mu.Unlock()

	local.peer = accepted
	accepted.peer = local

	accepted.queue.push(event{kind: eventOpen, link: accepted})
	local.queue.push(event{kind: eventOpen, link: local})
	return local, nil
}

// Close releases the identity and closes every link. It does not wait for
// the callback goroutine, so it is safe to call from a callback path.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.queue == nil {
		t.mu.Unlock()
		return nil
	}
	id := t.id
	queue := t.queue
	links := make([]*link, 0, len(t.links))
	for l := range t.links {
		links = append(links, l)
	}
	t.queue = nil
	t.links = nil
	t.id = ""
	t.mu.Unlock()

	t.network.release(id, t)
	for _, l := range links {
		_ = l.Close()
	}
	queue.close()
	return nil
}

func (t *Transport) forget(l *link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links != nil {
		delete(t.links, l)
	}
}

type link struct {
	owner  *Transport
	queue  *eventQueue
	remote domain.PeerID
	peer   *link

	mu     sync.Mutex
	closed bool
}

func (l *link) RemoteID() domain.PeerID {
	return l.remote
}

func (l *link) Send(data []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed || l.peer == nil {
		return domain.ErrLinkClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	l.peer.queue.push(event{kind: eventData, link: l.peer, data: buf})
	return nil
}

func (l *link) Close() error {
	if !l.markClosed() {
		return nil
	}
	l.owner.forget(l)
	l.queue.push(event{kind: eventClose, link: l})
	if l.peer != nil && l.peer.markClosed() {
		l.peer.owner.forget(l.peer)
		l.peer.queue.push(event{kind: eventClose, link: l.peer})
	}
	return nil
}

func (l *link) fail(err error) {
	l.markClosed()
	l.owner.forget(l)
	l.queue.push(event{kind: eventError, link: l, err: err})
}

func (l *link) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	return true
}
