// Package metrics tracks per-stage pipeline counters for operator
// visibility. Counters are process-local; durable per-job timing lives
// in the analysis results.
package metrics

import (
	"sync"
	"time"

	"github.com/medscan/medscan/internal/pipeline"
)

// StageMetrics is a snapshot of one stage's counters since process start.
type StageMetrics struct {
	Invocations int64            `json:"invocations"`
	Successes   int64            `json:"successes"`
	Failures    map[string]int64 `json:"failures,omitempty"`

	TotalDurationMS int64 `json:"total_duration_ms"`
	AvgDurationMS   int64 `json:"avg_duration_ms"`
}

// Recorder accumulates stage outcomes. It implements
// pipeline.StageObserver; the coordinator reports every stage completion
// and failure to it.
type Recorder struct {
	mu     sync.Mutex
	stages map[pipeline.StageName]*stageCounters
}

type stageCounters struct {
	invocations int64
	successes   int64
	failures    map[pipeline.FailureKind]int64
	duration    time.Duration
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{stages: make(map[pipeline.StageName]*stageCounters)}
}

func (r *Recorder) counters(stage pipeline.StageName) *stageCounters {
	c, ok := r.stages[stage]
	if !ok {
		c = &stageCounters{failures: make(map[pipeline.FailureKind]int64)}
		r.stages[stage] = c
	}
	return c
}

// ObserveSuccess records one successful stage run and its duration.
func (r *Recorder) ObserveSuccess(stage pipeline.StageName, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counters(stage)
	c.invocations++
	c.successes++
	c.duration += d
}

// ObserveFailure records one exhausted or rejected stage run by failure
// kind. Individual retry attempts are not counted; the policy layer owns
// those.
func (r *Recorder) ObserveFailure(stage pipeline.StageName, kind pipeline.FailureKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counters(stage)
	c.invocations++
	c.failures[kind]++
}

// Snapshot returns a copy of all counters keyed by stage name.
func (r *Recorder) Snapshot() map[string]StageMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]StageMetrics, len(r.stages))
	for stage, c := range r.stages {
		m := StageMetrics{
			Invocations:     c.invocations,
			Successes:       c.successes,
			TotalDurationMS: c.duration.Milliseconds(),
		}
		if c.successes > 0 {
			m.AvgDurationMS = (c.duration / time.Duration(c.successes)).Milliseconds()
		}
		if len(c.failures) > 0 {
			m.Failures = make(map[string]int64, len(c.failures))
			for kind, n := range c.failures {
				m.Failures[string(kind)] = n
			}
		}
		out[string(stage)] = m
	}
	return out
}

var _ pipeline.StageObserver = (*Recorder)(nil)
