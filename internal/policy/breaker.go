package policy

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker tracks consecutive failures of one external dependency. It is
// shared across all jobs using that stage: global dependency health, not
// per-job history.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	recovery    time.Duration
	state       BreakerState
	consecutive int
	openedAt    time.Time
	probe       bool

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, recovery time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		recovery:  recovery,
		state:     BreakerClosed,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. When the breaker is open and
// the recovery timeout has elapsed it transitions to half-open and admits
// exactly one probe call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.recovery {
			return false
		}
		b.state = BreakerHalfOpen
		b.probe = true
		return true
	case BreakerHalfOpen:
		if b.probe {
			return false
		}
		b.probe = true
		return true
	}
	return false
}

// RecordSuccess resets the failure counter and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.state = BreakerClosed
	b.probe = false
}

// RecordFailure counts one failed call. A failed half-open probe reopens
// the breaker and restarts the recovery clock; in the closed state the
// breaker opens once the consecutive-failure threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probe = false
	case BreakerClosed:
		if b.consecutive >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	}
}

// State returns the current breaker state without side effects.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current consecutive failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
