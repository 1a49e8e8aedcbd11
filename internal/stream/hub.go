package stream

import (
	"sync"

	"github.com/you/chzzk-deck/internal/core"
)

// subscriberHeadroom is the extra channel capacity past the replay window,
// covering bursts while a sink drains.
const subscriberHeadroom = 256

// Subscriber is one live output sink. Receive from C until it is closed.
type Subscriber struct {
	C      <-chan core.ChatMessage
	ch     chan core.ChatMessage
	closed bool
}

// Hub owns the recent-message ring and fans every published message out to
// all current subscribers. Publish and subscription management may run on
// different goroutines; all shared state is guarded by one mutex.
type Hub struct {
	mu   sync.Mutex
	ring *Ring
	subs map[*Subscriber]struct{}
}

func NewHub(capacity int) *Hub {
	return &Hub{
		ring: NewRing(capacity),
		subs: make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new sink. The current buffer contents are queued on
// the subscriber's channel, oldest first, before any message published after
// this call.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscriber{}
	sub.ch = make(chan core.ChatMessage, h.ring.Capacity()+subscriberHeadroom)
	sub.C = sub.ch
	for _, msg := range h.ring.Snapshot() {
		sub.ch <- msg
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a sink. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub)
}

func (h *Hub) dropLocked(sub *Subscriber) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish appends to the ring, then delivers to every subscriber. A sink that
// cannot accept the message (its channel is full, i.e. the consumer stopped
// draining) is dropped; other sinks and the buffer are unaffected.
func (h *Hub) Publish(msg core.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring.Append(msg)

	for sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			h.dropLocked(sub)
		}
	}
}

// Recent returns up to n buffered messages, oldest first.
func (h *Hub) Recent(n int) []core.ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.Tail(n)
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.Len()
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Resize adjusts the ring capacity (applied live when settings change).
func (h *Hub) Resize(capacity int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring.Resize(capacity)
}

// Preload seeds the ring with previously stored messages, oldest first. Used
// once at startup before any publish.
func (h *Hub) Preload(msgs []core.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, msg := range msgs {
		h.ring.Append(msg)
	}
}

// Reset drops all buffered messages, keeping subscribers attached.
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring.buf = h.ring.buf[:0]
}
