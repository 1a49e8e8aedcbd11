package stream

import "github.com/you/chzzk-deck/internal/core"

// Ring is a bounded FIFO of the most recent messages. Not safe for
// concurrent use on its own; the Hub serializes access.
type Ring struct {
	buf []core.ChatMessage
	cap int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{cap: capacity}
}

// Append pushes msg, evicting from the front when full.
func (r *Ring) Append(msg core.ChatMessage) {
	r.buf = append(r.buf, msg)
	if len(r.buf) > r.cap {
		overflow := len(r.buf) - r.cap
		r.buf = append(r.buf[:0], r.buf[overflow:]...)
	}
}

// Snapshot returns the buffered messages oldest to newest.
func (r *Ring) Snapshot() []core.ChatMessage {
	out := make([]core.ChatMessage, len(r.buf))
	copy(out, r.buf)
	return out
}

// Tail returns up to n of the newest messages, oldest first.
func (r *Ring) Tail(n int) []core.ChatMessage {
	if n <= 0 || n > len(r.buf) {
		n = len(r.buf)
	}
	out := make([]core.ChatMessage, n)
	copy(out, r.buf[len(r.buf)-n:])
	return out
}

func (r *Ring) Len() int      { return len(r.buf) }
func (r *Ring) Capacity() int { return r.cap }

// Resize changes the capacity, evicting oldest entries if the new capacity is
// smaller than the current length.
func (r *Ring) Resize(capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	r.cap = capacity
	if len(r.buf) > r.cap {
		overflow := len(r.buf) - r.cap
		r.buf = append(r.buf[:0], r.buf[overflow:]...)
	}
}
