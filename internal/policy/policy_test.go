package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/medscan/medscan/internal/pipeline"
)

// fakeAdapter returns a scripted sequence of outcomes.
type fakeAdapter struct {
	mu       sync.Mutex
	outcomes []pipeline.StageOutcome
	calls    int
}

func (f *fakeAdapter) Stage() pipeline.StageName { return pipeline.StageSegmentation }

func (f *fakeAdapter) Invoke(context.Context, *pipeline.Job, string) pipeline.StageOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	return f.outcomes[i]
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          5 * time.Millisecond,
		FailureThreshold:  5,
		RecoveryTimeout:   time.Hour,
	}
}

func testJob() *pipeline.Job {
	return &pipeline.Job{ID: "job-1", Status: pipeline.StatusUploaded}
}

func TestPolicySuccessFirstTry(t *testing.T) {
	inner := &fakeAdapter{outcomes: []pipeline.StageOutcome{
		pipeline.Success("out", nil, time.Millisecond),
	}}
	p := Wrap(inner, testConfig(), nil)

	outcome := p.Invoke(context.Background(), testJob(), "in")
	if outcome.Result == nil {
		t.Fatalf("outcome = %+v, want success", outcome)
	}
	if inner.callCount() != 1 {
		t.Errorf("calls = %d, want 1", inner.callCount())
	}
}

func TestPolicyRetriesTransientThenSucceeds(t *testing.T) {
	inner := &fakeAdapter{outcomes: []pipeline.StageOutcome{
		pipeline.Failure(pipeline.FailTimeout, "slow"),
		pipeline.Failure(pipeline.FailDependencyUnavailable, "down"),
		pipeline.Success("out", nil, time.Millisecond),
	}}
	p := Wrap(inner, testConfig(), nil)

	outcome := p.Invoke(context.Background(), testJob(), "in")
	if outcome.Result == nil {
		t.Fatalf("outcome = %+v, want success after retries", outcome)
	}
	if inner.callCount() != 3 {
		t.Errorf("calls = %d, want 3", inner.callCount())
	}
	// A success resets the breaker's failure count.
	if got := p.Breaker().ConsecutiveFailures(); got != 0 {
		t.Errorf("consecutive failures = %d, want 0", got)
	}
}

func TestPolicyExhaustsAttempts(t *testing.T) {
	inner := &fakeAdapter{outcomes: []pipeline.StageOutcome{
		pipeline.Failure(pipeline.FailTimeout, "slow"),
	}}
	p := Wrap(inner, testConfig(), nil)

	outcome := p.Invoke(context.Background(), testJob(), "in")
	if outcome.Fault == nil || outcome.Fault.Kind != pipeline.FailTimeout {
		t.Fatalf("outcome = %+v, want Timeout fault", outcome)
	}
	if inner.callCount() != 3 {
		t.Errorf("calls = %d, want 3 (max attempts)", inner.callCount())
	}
	if got := p.Breaker().ConsecutiveFailures(); got != 3 {
		t.Errorf("breaker counted %d failures, want 3", got)
	}
}

func TestPolicyNonRetryableStopsImmediately(t *testing.T) {
	tests := []pipeline.FailureKind{pipeline.FailInvalidInput, pipeline.FailDependencyRejected}
	for _, kind := range tests {
		t.Run(string(kind), func(t *testing.T) {
			inner := &fakeAdapter{outcomes: []pipeline.StageOutcome{
				pipeline.Failure(kind, "nope"),
			}}
			p := Wrap(inner, testConfig(), nil)

			outcome := p.Invoke(context.Background(), testJob(), "in")
			if outcome.Fault == nil || outcome.Fault.Kind != kind {
				t.Fatalf("outcome = %+v, want %s fault", outcome, kind)
			}
			if inner.callCount() != 1 {
				t.Errorf("calls = %d, want 1", inner.callCount())
			}
			// Non-retryable failures do not count against the breaker.
			if got := p.Breaker().ConsecutiveFailures(); got != 0 {
				t.Errorf("breaker counted %d failures, want 0", got)
			}
		})
	}
}

func TestPolicyOpenBreakerSkipsDependency(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.FailureThreshold = 1
	inner := &fakeAdapter{outcomes: []pipeline.StageOutcome{
		pipeline.Failure(pipeline.FailDependencyUnavailable, "down"),
	}}
	p := Wrap(inner, cfg, nil)

	p.Invoke(context.Background(), testJob(), "in")
	if p.Breaker().State() != BreakerOpen {
		t.Fatalf("breaker state = %s, want open", p.Breaker().State())
	}
	calls := inner.callCount()

	outcome := p.Invoke(context.Background(), testJob(), "in")
	if outcome.Fault == nil || outcome.Fault.Kind != pipeline.FailDependencyUnavailable {
		t.Fatalf("outcome = %+v, want DependencyUnavailable fault", outcome)
	}
	if inner.callCount() != calls {
		t.Errorf("open breaker still reached the dependency (%d -> %d calls)", calls, inner.callCount())
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := Config{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          3 * time.Second,
		FailureThreshold:  5,
		RecoveryTimeout:   time.Minute,
	}
	p := Wrap(&fakeAdapter{outcomes: []pipeline.StageOutcome{pipeline.Success("", nil, 0)}}, cfg, nil)

	wants := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for n, want := range wants {
		if got := p.backoffDelay(uint(n), nil, nil); got != want {
			t.Errorf("delay(%d) = %s, want %s", n, got, want)
		}
	}
}

func TestConfigNormalize(t *testing.T) {
	got := Config{}.normalize()
	def := DefaultConfig()
	if got != def {
		t.Errorf("normalize zero config = %+v, want defaults %+v", got, def)
	}

	partial := Config{MaxAttempts: 7}.normalize()
	if partial.MaxAttempts != 7 {
		t.Errorf("explicit value overwritten: %d", partial.MaxAttempts)
	}
	if partial.RecoveryTimeout != def.RecoveryTimeout {
		t.Errorf("missing value not defaulted: %s", partial.RecoveryTimeout)
	}
}
