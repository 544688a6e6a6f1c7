package memory

import (
	"sync"

	"rillchat/internal/core/ports"
)

type eventKind int

const (
	eventOpen eventKind = iota
	eventData
	eventClose
	eventError
)

type event struct {
	kind eventKind
	link *link
	data []byte
	err  error
}

// eventQueue is an unbounded FIFO drained by one goroutine, so producers never block.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.events = append(q.events, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()

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
		batch := q.events
		q.events = nil
		q.mu.Unlock()

		if len(batch) == 0 {
			<-q.notify
			continue
		}
		for _, e := range batch {
			if q.isClosed() {
				return
			}
			deliver(handler, e)
		}
	}
}

func (q *eventQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func deliver(handler ports.LinkHandler, e event) {
	switch e.kind {
	case eventOpen:
		handler.OnLinkOpen(e.link)
	case eventData:
		handler.OnLinkData(e.link, e.data)
	case eventClose:
		handler.OnLinkClose(e.link)
	case eventError:
		handler.OnLinkError(e.link, e.err)
	}
}
