package pipeline

import (
	"errors"
	"sync"
)

// ErrAdvanceInFlight is returned when a second advance is attempted for a
// job whose lease is already held. Callers treat it as "someone else is
// already doing this work", not as a failure.
var ErrAdvanceInFlight = errors.New("advance already in flight for job")

// leaseRegistry grants at most one in-memory execution lease per job id.
// This upholds the single-writer invariant: concurrent advance triggers
// for the same job are rejected, never run in parallel.
type leaseRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLeaseRegistry() *leaseRegistry {
	return &leaseRegistry{held: make(map[string]struct{})}
}

// tryAcquire takes the lease for jobID if free.
func (l *leaseRegistry) tryAcquire(jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[jobID]; taken {
		return false
	}
	l.held[jobID] = struct{}{}
	return true
}

// release frees the lease. Releasing an unheld lease is a no-op.
func (l *leaseRegistry) release(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, jobID)
}
