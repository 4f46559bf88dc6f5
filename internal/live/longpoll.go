// Package live holds the three live-delivery primitives of spec.md §4.6:
// the long-poll wait queue, the SSE client registry, and the
// hibernation-safe WebSocket set. All three are owned by one
// engine.Stream actor and are only ever touched from that actor's
// single-writer path plus each primitive's own internal locking for
// registration/deregistration (which can race with a concurrent append).
package live

import (
	"sync"

	"github.com/durable-streams/streams-engine/internal/offsetv"
)

// Waiter is one registered long-poll request.
type Waiter struct {
	offset offsetv.Offset
	notify chan struct{}
}

// Notify returns the channel that is closed when the waiter should wake
// up and re-read the stream.
func (w *Waiter) Notify() <-chan struct{} { return w.notify }

// LongPollQueue is the FIFO of spec.md §4.6: "(deadline, notify,
// cancellation) entries per stream". The deadline and cancellation are
// handled by the caller's select loop; this type only tracks the set of
// pending waiters and wakes the ones whose offset the new tail has
// passed.
type LongPollQueue struct {
	mu      sync.Mutex
	waiters []*Waiter
}

// NewLongPollQueue returns an empty queue.
func NewLongPollQueue() *LongPollQueue {
	return &LongPollQueue{}
}

// Register adds a waiter parked at offset and returns it. The caller must
// eventually call Cancel (on timeout or context cancellation) or let
// NotifyAppend consume it.
func (q *LongPollQueue) Register(offset offsetv.Offset) *Waiter {
	w := &Waiter{offset: offset, notify: make(chan struct{})}
	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()
	return w
}

// Cancel removes a waiter without notifying it (used when the request's
// deadline fires or the client disconnects first).
func (q *LongPollQueue) Cancel(w *Waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cur := range q.waiters {
		if cur == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// NotifyAppend wakes every waiter whose requested offset is now behind the
// new tail, removing them from the queue. Safe to call after every
// successful append, even with an empty queue.
func (q *LongPollQueue) NotifyAppend(newTail offsetv.Offset) {
	q.mu.Lock()
	defer q.mu.Unlock()
	remaining := q.waiters[:0]
	for _, w := range q.waiters {
		if w.offset.Less(newTail) {
			close(w.notify)
		} else {
			remaining = append(remaining, w)
		}
	}
	q.waiters = remaining
}

// Len reports the number of pending waiters, for tests and diagnostics.
func (q *LongPollQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
