package fanout

import (
	"sync"
	"time"
)

// BreakerState is one of the three states spec.md §4.7 names for the
// inline fan-out path's circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	// DefaultFailureThreshold is the consecutive-failure count that trips
	// the breaker open.
	DefaultFailureThreshold = 5
	// DefaultRecoveryMS is how long the breaker stays open before
	// allowing one half-open trial dispatch.
	DefaultRecoveryMS = 30_000
)

// Breaker is a per-source-stream circuit breaker protecting the inline
// fan-out path, per spec.md §4.7: "a protector of the publish hot path,
// not of delivery" — while open, dispatch falls back to the queue.
type Breaker struct {
	failureThreshold int
	recovery         time.Duration
	clock            func() time.Time

	mu                 sync.Mutex
	state              BreakerState
	consecutiveFailure int
	openedAt           time.Time
}

// NewBreaker constructs a closed breaker with the given thresholds.
func NewBreaker(failureThreshold int, recovery time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recovery <= 0 {
		recovery = DefaultRecoveryMS * time.Millisecond
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		recovery:         recovery,
		clock:            time.Now,
		state:            BreakerClosed,
	}
}

// Allow reports whether the inline path may be attempted right now. It
// transitions Open -> HalfOpen once the recovery window has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) >= b.recovery {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports at least one subscriber append succeeded during
// an inline dispatch attempt. A single success in half-open closes the
// breaker; in closed state it simply resets the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailure = 0
	b.state = BreakerClosed
}

// RecordFailure reports that an inline dispatch attempt had no
// successful subscribers. Enough consecutive failures trips the breaker
// open; a failure while half-open reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = b.clock()
		return
	}
	b.consecutiveFailure++
	if b.consecutiveFailure >= b.failureThreshold {
		b.state = BreakerOpen
		b.openedAt = b.clock()
	}
}

// State reports the current breaker state, for metrics/debug endpoints.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
