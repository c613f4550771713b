package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medscan/medscan/internal/hub"
	"github.com/medscan/medscan/internal/pipeline"
	"github.com/medscan/medscan/internal/policy"
)

// memStore is an in-memory pipeline.Store for coordinator tests.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*pipeline.Job
	results  map[string][]*pipeline.StageResult
	analyses map[string]*pipeline.AnalysisResult
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[string]*pipeline.Job),
		results:  make(map[string][]*pipeline.StageResult),
		analyses: make(map[string]*pipeline.AnalysisResult),
	}
}

func (m *memStore) CreateJob(_ context.Context, job *pipeline.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, jobID string) (*pipeline.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrNotFound, jobID)
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) PutJob(_ context.Context, job *pipeline.Job, expectedSequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrNotFound, job.ID)
	}
	if stored.Sequence != expectedSequence {
		return fmt.Errorf("%w: job %s expected sequence %d", pipeline.ErrConflict, job.ID, expectedSequence)
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) ListJobs(_ context.Context, _ pipeline.ListFilter) ([]*pipeline.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*pipeline.Job
	for _, j := range m.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ListActiveJobs(_ context.Context) ([]*pipeline.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*pipeline.Job
	for _, j := range m.jobs {
		if !j.Status.Terminal() {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) AppendStageResult(_ context.Context, result *pipeline.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *result
	m.results[result.JobID] = append(m.results[result.JobID], &cp)
	return nil
}

func (m *memStore) StageResults(_ context.Context, jobID string) ([]*pipeline.StageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*pipeline.StageResult(nil), m.results[jobID]...), nil
}

func (m *memStore) PutAnalysisResult(_ context.Context, result *pipeline.AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *result
	m.analyses[result.JobID] = &cp
	return nil
}

func (m *memStore) GetAnalysisResult(_ context.Context, jobID string) (*pipeline.AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.analyses[jobID]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (m *memStore) GetJobWithResult(ctx context.Context, jobID string) (*pipeline.Job, *pipeline.AnalysisResult, error) {
	job, err := m.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	result, err := m.GetAnalysisResult(ctx, jobID)
	if errors.Is(err, pipeline.ErrNotFound) {
		return job, nil, nil
	}
	return job, result, err
}

// recorder collects published events in order.
type recorder struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recorder) Publish(_ string, ev hub.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []hub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hub.Event(nil), r.events...)
}

// scriptAdapter returns canned outcomes and counts invocations.
type scriptAdapter struct {
	mu       sync.Mutex
	stage    pipeline.StageName
	outcome  pipeline.StageOutcome
	calls    int
	block    chan struct{} // if set, Invoke waits for it
	started  chan struct{} // if set, closed on first Invoke
	onInvoke func()        // if set, runs inside Invoke
}

func (a *scriptAdapter) Stage() pipeline.StageName { return a.stage }

func (a *scriptAdapter) Invoke(ctx context.Context, _ *pipeline.Job, _ string) pipeline.StageOutcome {
	a.mu.Lock()
	a.calls++
	first := a.calls == 1
	a.mu.Unlock()
	if first && a.started != nil {
		close(a.started)
	}
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
		}
	}
	if a.onInvoke != nil {
		a.onInvoke()
	}
	return a.outcome
}

func (a *scriptAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func okAdapter(stage pipeline.StageName, payload string) *scriptAdapter {
	conf := 0.9
	return &scriptAdapter{stage: stage, outcome: pipeline.Success(payload, &conf, 5*time.Millisecond)}
}

func fastPolicy(attempts uint, threshold int) policy.Config {
	return policy.Config{
		MaxAttempts:       attempts,
		InitialDelay:      time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          5 * time.Millisecond,
		FailureThreshold:  threshold,
		RecoveryTimeout:   time.Hour,
	}
}

func newTestCoordinator(t *testing.T, st pipeline.Store, rec *recorder, adapters ...pipeline.StageAdapter) *pipeline.Coordinator {
	t.Helper()
	coord, err := pipeline.NewCoordinator(pipeline.CoordinatorConfig{
		Store:    st,
		Notifier: rec,
		Adapters: adapters,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return coord
}

// advanceToEnd drives a job until it reaches a terminal state.
func advanceToEnd(t *testing.T, coord *pipeline.Coordinator, st pipeline.Store, jobID string) *pipeline.Job {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		job, err := st.GetJob(ctx, jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		if err := coord.Advance(ctx, jobID); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	t.Fatal("job did not reach a terminal state")
	return nil
}

func TestCoordinatorHappyPath(t *testing.T) {
	st := newMemStore()
	rec := &recorder{}
	coord := newTestCoordinator(t, st, rec,
		okAdapter(pipeline.StageSegmentation, "masks/scan-1.png"),
		okAdapter(pipeline.StageConversion, "left lung nodule, 8mm"),
		okAdapter(pipeline.StageEnhancement, `{"findings":"nodule","impression":"benign"}`),
	)

	job, err := coord.CreateJob(context.Background(), "clinic-7", "uploads/scan-1.dcm")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != pipeline.StatusUploaded || job.Sequence != 0 {
		t.Fatalf("new job = %s seq %d, want uploaded seq 0", job.Status, job.Sequence)
	}

	final := advanceToEnd(t, coord, st, job.ID)
	if final.Status != pipeline.StatusCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}
	if final.Sequence != 3 {
		t.Errorf("final sequence = %d, want 3", final.Sequence)
	}
	if final.Error != nil {
		t.Errorf("completed job has error: %+v", final.Error)
	}

	events := rec.all()
	if len(events) != 3 {
		t.Fatalf("published %d events, want 3", len(events))
	}
	for i, want := range []string{"segmenting", "converting", "completed"} {
		if events[i].Status != want {
			t.Errorf("event %d status = %s, want %s", i, events[i].Status, want)
		}
		if events[i].Sequence != int64(i+1) {
			t.Errorf("event %d sequence = %d, want %d", i, events[i].Sequence, i+1)
		}
	}
	if p := events[2].Progress; p == nil || *p != 1.0 {
		t.Errorf("terminal event progress = %v, want 1.0", p)
	}

	analysis, err := st.GetAnalysisResult(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetAnalysisResult: %v", err)
	}
	if analysis.SegmentationRef != "masks/scan-1.png" {
		t.Errorf("segmentation ref = %q", analysis.SegmentationRef)
	}
	if analysis.ImageDescription != "left lung nodule, 8mm" {
		t.Errorf("image description = %q", analysis.ImageDescription)
	}
	if analysis.EnhancedReport == "" {
		t.Error("enhanced report is empty")
	}
	if len(analysis.Confidence) != 3 {
		t.Errorf("confidence entries = %d, want 3", len(analysis.Confidence))
	}
}

func TestCoordinatorRetryExhaustionFailsJob(t *testing.T) {
	st := newMemStore()
	rec := &recorder{}
	conversion := &scriptAdapter{
		stage:   pipeline.StageConversion,
		outcome: pipeline.Failure(pipeline.FailTimeout, "model did not answer"),
	}
	coord := newTestCoordinator(t, st, rec,
		okAdapter(pipeline.StageSegmentation, "masks/x.png"),
		policy.Wrap(conversion, fastPolicy(3, 10), nil),
		okAdapter(pipeline.StageEnhancement, "{}"),
	)

	job, err := coord.CreateJob(context.Background(), "clinic-7", "uploads/x.dcm")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	final := advanceToEnd(t, coord, st, job.ID)
	if final.Status != pipeline.StatusFailed {
		t.Fatalf("final status = %s, want failed", final.Status)
	}
	if final.Sequence != 2 {
		t.Errorf("final sequence = %d, want 2", final.Sequence)
	}
	if final.Error == nil || final.Error.Kind != string(pipeline.FailTimeout) {
		t.Fatalf("job error = %+v, want kind Timeout", final.Error)
	}
	if got := conversion.callCount(); got != 3 {
		t.Errorf("conversion attempts = %d, want 3", got)
	}

	// Terminal job: further advances are no-ops.
	if err := coord.Advance(context.Background(), job.ID); err != nil {
		t.Fatalf("Advance on terminal job: %v", err)
	}
	if got := conversion.callCount(); got != 3 {
		t.Errorf("adapter called after terminal state: %d calls", got)
	}

	events := rec.all()
	last := events[len(events)-1]
	if last.Status != "failed" || last.Sequence != 2 {
		t.Errorf("last event = %s seq %d, want failed seq 2", last.Status, last.Sequence)
	}
}

func TestCoordinatorNonRetryableFailsImmediately(t *testing.T) {
	st := newMemStore()
	rec := &recorder{}
	segmentation := &scriptAdapter{
		stage:   pipeline.StageSegmentation,
		outcome: pipeline.Failure(pipeline.FailInvalidInput, "unreadable image"),
	}
	coord := newTestCoordinator(t, st, rec,
		policy.Wrap(segmentation, fastPolicy(3, 10), nil),
		okAdapter(pipeline.StageConversion, "desc"),
		okAdapter(pipeline.StageEnhancement, "{}"),
	)

	job, _ := coord.CreateJob(context.Background(), "clinic-7", "uploads/bad.dcm")
	final := advanceToEnd(t, coord, st, job.ID)

	if final.Status != pipeline.StatusFailed {
		t.Fatalf("final status = %s, want failed", final.Status)
	}
	if final.Error == nil || final.Error.Kind != string(pipeline.FailInvalidInput) {
		t.Fatalf("job error = %+v, want kind InvalidInput", final.Error)
	}
	if got := segmentation.callCount(); got != 1 {
		t.Errorf("non-retryable failure invoked adapter %d times, want 1", got)
	}
}

func TestCoordinatorBreakerShortCircuits(t *testing.T) {
	st := newMemStore()
	rec := &recorder{}
	segmentation := &scriptAdapter{
		stage:   pipeline.StageSegmentation,
		outcome: pipeline.Failure(pipeline.FailDependencyUnavailable, "connection refused"),
	}
	// Threshold 2 with 2 attempts per job: the first job opens the breaker.
	wrapped := policy.Wrap(segmentation, fastPolicy(2, 2), nil)
	coord := newTestCoordinator(t, st, rec,
		wrapped,
		okAdapter(pipeline.StageConversion, "desc"),
		okAdapter(pipeline.StageEnhancement, "{}"),
	)

	first, _ := coord.CreateJob(context.Background(), "clinic-7", "uploads/a.dcm")
	advanceToEnd(t, coord, st, first.ID)
	if got := segmentation.callCount(); got != 2 {
		t.Fatalf("first job attempts = %d, want 2", got)
	}
	if wrapped.Breaker().State() != policy.BreakerOpen {
		t.Fatalf("breaker state = %s, want open", wrapped.Breaker().State())
	}

	// Second job fails immediately without touching the dependency.
	second, _ := coord.CreateJob(context.Background(), "clinic-7", "uploads/b.dcm")
	final := advanceToEnd(t, coord, st, second.ID)
	if final.Status != pipeline.StatusFailed {
		t.Fatalf("final status = %s, want failed", final.Status)
	}
	if final.Error == nil || final.Error.Kind != string(pipeline.FailDependencyUnavailable) {
		t.Fatalf("job error = %+v, want kind DependencyUnavailable", final.Error)
	}
	if got := segmentation.callCount(); got != 2 {
		t.Errorf("open breaker still called dependency: %d calls", got)
	}
}

func TestCoordinatorSingleAdvancePerJob(t *testing.T) {
	st := newMemStore()
	rec := &recorder{}
	block := make(chan struct{})
	started := make(chan struct{})
	segmentation := &scriptAdapter{
		stage:   pipeline.StageSegmentation,
		outcome: pipeline.Success("masks/x.png", nil, time.Millisecond),
		block:   block,
		started: started,
	}
	coord := newTestCoordinator(t, st, rec,
		segmentation,
		okAdapter(pipeline.StageConversion, "desc"),
		okAdapter(pipeline.StageEnhancement, "{}"),
	)

	job, _ := coord.CreateJob(context.Background(), "clinic-7", "uploads/x.dcm")

	done := make(chan error, 1)
	go func() { done <- coord.Advance(context.Background(), job.ID) }()
	<-started

	if err := coord.Advance(context.Background(), job.ID); !errors.Is(err, pipeline.ErrAdvanceInFlight) {
		t.Errorf("concurrent Advance error = %v, want ErrAdvanceInFlight", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first Advance: %v", err)
	}

	got, _ := st.GetJob(context.Background(), job.ID)
	if got.Status != pipeline.StatusSegmenting || got.Sequence != 1 {
		t.Errorf("job = %s seq %d, want segmenting seq 1", got.Status, got.Sequence)
	}
}

func TestCoordinatorForce(t *testing.T) {
	st := newMemStore()
	rec := &recorder{}
	coord := newTestCoordinator(t, st, rec,
		okAdapter(pipeline.StageSegmentation, "masks/x.png"),
		okAdapter(pipeline.StageConversion, "desc"),
		okAdapter(pipeline.StageEnhancement, "{}"),
	)
	ctx := context.Background()
	job, _ := coord.CreateJob(ctx, "clinic-7", "uploads/x.dcm")

	// Backwards force is rejected.
	if err := coord.Advance(ctx, job.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if _, err := coord.Force(ctx, job.ID, pipeline.StatusUploaded, nil, ""); !errors.Is(err, pipeline.ErrIllegalTransition) {
		t.Errorf("backwards force error = %v, want ErrIllegalTransition", err)
	}

	// Forcing the current status publishes but does not persist.
	before, _ := st.GetJob(ctx, job.ID)
	if _, err := coord.Force(ctx, job.ID, before.Status, nil, "heartbeat"); err != nil {
		t.Fatalf("same-status force: %v", err)
	}
	after, _ := st.GetJob(ctx, job.ID)
	if after.Sequence != before.Sequence {
		t.Errorf("same-status force bumped sequence %d -> %d", before.Sequence, after.Sequence)
	}

	// Forcing failed records the override cause.
	forced, err := coord.Force(ctx, job.ID, pipeline.StatusFailed, nil, "operator abort")
	if err != nil {
		t.Fatalf("force failed: %v", err)
	}
	if forced.Status != pipeline.StatusFailed {
		t.Fatalf("forced status = %s", forced.Status)
	}
	if forced.Error == nil || forced.Error.Kind != "Forced" || forced.Error.Detail != "operator abort" {
		t.Errorf("forced error = %+v", forced.Error)
	}

	// Terminal jobs reject further overrides.
	if _, err := coord.Force(ctx, job.ID, pipeline.StatusCompleted, nil, ""); !errors.Is(err, pipeline.ErrIllegalTransition) {
		t.Errorf("force from terminal error = %v, want ErrIllegalTransition", err)
	}
}

func TestCoordinatorSequenceConflictAborts(t *testing.T) {
	st := newMemStore()
	rec := &recorder{}

	// The adapter simulates a duplicate writer bumping the job while the
	// stage call is in flight.
	rogue := &scriptAdapter{
		stage:   pipeline.StageSegmentation,
		outcome: pipeline.Success("masks/x.png", nil, time.Millisecond),
	}
	coord := newTestCoordinator(t, st, rec,
		rogue,
		okAdapter(pipeline.StageConversion, "desc"),
		okAdapter(pipeline.StageEnhancement, "{}"),
	)
	job, _ := coord.CreateJob(context.Background(), "clinic-7", "uploads/x.dcm")

	rogue.onInvoke = func() {
		st.mu.Lock()
		st.jobs[job.ID].Sequence = 5
		st.mu.Unlock()
	}

	err := coord.Advance(context.Background(), job.ID)
	if !errors.Is(err, pipeline.ErrConflict) {
		t.Fatalf("Advance error = %v, want ErrConflict", err)
	}
}
