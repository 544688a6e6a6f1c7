package webrtc

import (
	"sync"

	"rillchat/internal/core/ports"
)

// eventQueue serializes LinkHandler callbacks. pion fires data channel and
// connection callbacks from its own goroutines; the session expects events
// for one link in order and never from inside Send or Close.
type eventQueue struct {
	mu      sync.Mutex
	pending []func(ports.LinkHandler)
	closed  bool
	notify  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(fn func(ports.LinkHandler)) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run(handler ports.LinkHandler) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		if len(batch) == 0 {
			<-q.notify
			continue
		}
		for _, fn := range batch {
			fn(handler)
		}
	}
}
