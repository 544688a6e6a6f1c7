package webrtc

import (
	"sync"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// peerLink is one peer connection carrying a single ordered data channel.
type peerLink struct {
	transport *Transport
	queue     *eventQueue
	remote    domain.PeerID
	pc        *webrtc.PeerConnection

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
	opened     bool
	closed     bool
}

var _ ports.Link = (*peerLink)(nil)

func (l *peerLink) RemoteID() domain.PeerID {
	return l.remote
}

func (l *peerLink) Send(data []byte) error {
	l.mu.Lock()
	dc, ready := l.dc, l.opened && !l.closed
	l.mu.Unlock()
	if !ready || dc == nil {
		return domain.ErrLinkClosed
	}
	return dc.Send(data)
}

// Close tears down the peer connection and reports OnLinkClose once.
func (l *peerLink) Close() error {
	if !l.markClosed() {
		return nil
	}
	l.transport.forget(l)
	l.queue.push(func(h ports.LinkHandler) { h.OnLinkClose(l) })
	l.teardown()
	return nil
}

func (l *peerLink) fail(err error) {
	if !l.markClosed() {
		return
	}
	l.transport.forget(l)
	l.queue.push(func(h ports.LinkHandler) { h.OnLinkError(l, err) })
	l.teardown()
}

func (l *peerLink) teardown() {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	// pion may block on DTLS/SCTP shutdown; keep it off the caller's path.
	go func() {
		if dc != nil {
			_ = dc.Close()
		}
		_ = l.pc.Close()
	}()
}

func (l *peerLink) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	return true
}

// attach wires dc callbacks. Outbound links attach the channel they created,
// inbound links attach the one announced by OnDataChannel.
func (l *peerLink) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(l.markOpen)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.markOpen()
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		l.queue.push(func(h ports.LinkHandler) { h.OnLinkData(l, data) })
	})
	dc.OnClose(func() { _ = l.Close() })
}

func (l *peerLink) markOpen() {
	l.mu.Lock()
	if l.opened || l.closed {
		l.mu.Unlock()
		return
	}
	l.opened = true
	l.mu.Unlock()
	l.queue.push(func(h ports.LinkHandler) { h.OnLinkOpen(l) })
}

func (l *peerLink) setRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.candidates
	l.candidates = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// addCandidate buffers candidates that arrive before the remote description.
func (l *peerLink) addCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.candidates = append(l.candidates, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(c)
}

func (l *peerLink) isOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened && !l.closed
}
