// Package hub fans job status events out to subscribed observers.
//
// The hub owns only ephemeral subscription state. It never reads or writes
// the job store; the coordinator pushes fully-formed events into Publish.
package hub

import (
	"log/slog"
	"sync"
	"time"
)

// Event is the wire-level status update pushed to observers.
type Event struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Sequence  int64     `json:"sequence"`
	Progress  *float64  `json:"progress,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`

	// CatchUp marks the synthetic first event sent to a new subscriber,
	// reflecting the job's state as of subscription time.
	CatchUp bool `json:"catch_up,omitempty"`
}

// Terminal reports whether the event describes a terminal job state.
// Terminal events are never dropped, even for slow observers.
func (e Event) Terminal() bool {
	return e.Status == "completed" || e.Status == "failed"
}

// DefaultSubscriberBuffer is the per-observer queue size used when a
// subscriber is created with a non-positive buffer.
const DefaultSubscriberBuffer = 64

// Subscriber is one connected observer. Each subscriber owns a bounded
// queue drained by its own goroutine, so a slow or dead observer never
// delays publishers or other observers.
type Subscriber struct {
	mu     sync.Mutex
	queue  []Event
	limit  int
	notify chan struct{}
	out    chan Event
	done   chan struct{}
	closed bool
}

// NewSubscriber creates a subscriber with the given queue size and starts
// its delivery goroutine.
func NewSubscriber(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	s := &Subscriber{
		limit:  buffer,
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Events returns the channel the observer reads delivered events from.
// The channel is closed when the subscriber is closed.
func (s *Subscriber) Events() <-chan Event {
	return s.out
}

// push enqueues an event, dropping the oldest non-terminal entry when the
// queue is full. Never blocks.
func (s *Subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.limit {
		for i, queued := range s.queue {
			if !queued.Terminal() {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
	s.queue = append(s.queue, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

// pump drains the queue into the out channel. Sending may block on the
// observer; that blocks only this subscriber's goroutine, and close
// unblocks it via done.
func (s *Subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// close stops delivery. Queued events not yet read are discarded.
func (s *Subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

// Hub maintains the subscription registry and broadcasts ordered status
// events per job.
type Hub struct {
	mu         sync.Mutex
	byJob      map[string]map[*Subscriber]struct{}
	byObserver map[*Subscriber]map[string]struct{}

	// last holds the most recent published event per job, used to make
	// catch-up reflect anything published between the caller's store read
	// and subscription.
	last map[string]Event

	logger *slog.Logger
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		byJob:      make(map[string]map[*Subscriber]struct{}),
		byObserver: make(map[*Subscriber]map[string]struct{}),
		last:       make(map[string]Event),
		logger:     logger,
	}
}

// Subscribe registers interest in a job and immediately queues a catch-up
// event. Subscribing twice for the same (observer, job) pair has the
// effect of once; the catch-up is re-sent, which observers deduplicate on
// sequence.
//
// catchUp is the job's state as read by the caller; if the hub has seen a
// later event for the job, that one is used instead. Registration and the
// catch-up enqueue happen under the same lock as Publish, so a subscriber
// sees no gap between its catch-up and subsequent live events.
func (h *Hub) Subscribe(sub *Subscriber, jobID string, catchUp Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.byJob[jobID] == nil {
		h.byJob[jobID] = make(map[*Subscriber]struct{})
	}
	h.byJob[jobID][sub] = struct{}{}

	if h.byObserver[sub] == nil {
		h.byObserver[sub] = make(map[string]struct{})
	}
	h.byObserver[sub][jobID] = struct{}{}

	if lastEv, ok := h.last[jobID]; ok && lastEv.Sequence > catchUp.Sequence {
		catchUp = lastEv
	}
	catchUp.CatchUp = true
	sub.push(catchUp)

	h.logger.Debug("observer subscribed", "job_id", jobID)
}

// Unsubscribe removes interest in a job. No-op if not subscribed.
func (h *Hub) Unsubscribe(sub *Subscriber, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub, jobID)
}

// OnDisconnect removes all subscriptions for an observer and closes it.
func (h *Hub) OnDisconnect(sub *Subscriber) {
	h.mu.Lock()
	for jobID := range h.byObserver[sub] {
		h.removeLocked(sub, jobID)
	}
	h.mu.Unlock()
	sub.close()
}

func (h *Hub) removeLocked(sub *Subscriber, jobID string) {
	if subs, ok := h.byJob[jobID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.byJob, jobID)
		}
	}
	if jobIDs, ok := h.byObserver[sub]; ok {
		delete(jobIDs, jobID)
		if len(jobIDs) == 0 {
			delete(h.byObserver, sub)
		}
	}
}

// Publish fans an event out to every observer currently subscribed to the
// job. Called only by the coordinator; never blocks on observers.
func (h *Hub) Publish(jobID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Sequence >= h.last[jobID].Sequence {
		h.last[jobID] = ev
	}
	for sub := range h.byJob[jobID] {
		sub.push(ev)
	}

	if ev.Terminal() {
		// Terminal events are the last word for a job; the cached entry
		// stays so late subscribers still get a catch-up.
		h.logger.Debug("terminal event published", "job_id", jobID, "status", ev.Status)
	}
}

// SubscriberCount returns the number of observers watching a job.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byJob[jobID])
}
