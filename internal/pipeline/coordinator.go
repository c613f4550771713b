package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/medscan/medscan/internal/hub"
)

// Notifier receives status events as the coordinator emits them. The hub
// implements it; tests substitute a recorder.
type Notifier interface {
	Publish(jobID string, ev hub.Event)
}

// StageObserver receives the settled outcome of every stage run: one
// success with its duration, or one failure after the retry policy gave
// up. Optional; nil disables observation.
type StageObserver interface {
	ObserveSuccess(stage StageName, d time.Duration)
	ObserveFailure(stage StageName, kind FailureKind)
}

// stagePlan maps a job's current state to the stage the next advance runs
// and the transition events applied on its success. The final stage
// completes straight through the transient ENHANCING hop to COMPLETED;
// ENHANCING itself is re-entered only via administrative override.
type stagePlan struct {
	stage     StageName
	onSuccess []Event
}

var plans = map[Status]stagePlan{
	StatusUploaded:   {StageSegmentation, []Event{EventSegmentationStarted}},
	StatusSegmenting: {StageConversion, []Event{EventSegmentationSucceeded}},
	StatusConverting: {StageEnhancement, []Event{EventConversionSucceeded, EventEnhancementSucceeded}},
	StatusEnhancing:  {StageEnhancement, []Event{EventEnhancementSucceeded}},
}

// progressByStatus is the coarse completion fraction reported to observers.
var progressByStatus = map[Status]float64{
	StatusUploaded:   0.0,
	StatusSegmenting: 0.25,
	StatusConverting: 0.5,
	StatusEnhancing:  0.75,
	StatusCompleted:  1.0,
}

// Coordinator drives jobs through the ordered stage list. It is the sole
// writer of job state; every transition goes through Apply and a
// compare-and-swap put.
type Coordinator struct {
	store    Store
	notifier Notifier
	adapters map[StageName]StageAdapter
	leases   *leaseRegistry
	queue    chan string
	workers  int
	observer StageObserver
	logger   *slog.Logger

	persistAttempts uint
	persistDelay    time.Duration
}

// CoordinatorConfig configures a new coordinator.
type CoordinatorConfig struct {
	Store    Store
	Notifier Notifier

	// Adapters are the (already policy-wrapped) stage adapters.
	Adapters []StageAdapter

	// Workers is the dispatcher pool size (default 4).
	Workers int

	// QueueSize bounds the pending-advance queue (default 256).
	QueueSize int

	// PersistAttempts/PersistDelay bound retries of store writes
	// (defaults 3 and 500ms).
	PersistAttempts uint
	PersistDelay    time.Duration

	// Observer receives settled stage outcomes. Optional.
	Observer StageObserver

	Logger *slog.Logger
}

// NewCoordinator creates a coordinator. Store, Notifier and the three
// stage adapters are required.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	attempts := cfg.PersistAttempts
	if attempts == 0 {
		attempts = 3
	}
	delay := cfg.PersistDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	adapters := make(map[StageName]StageAdapter, len(cfg.Adapters))
	for _, a := range cfg.Adapters {
		adapters[a.Stage()] = a
	}
	for _, stage := range []StageName{StageSegmentation, StageConversion, StageEnhancement} {
		if _, ok := adapters[stage]; !ok {
			return nil, fmt.Errorf("missing adapter for stage %s", stage)
		}
	}

	return &Coordinator{
		store:           cfg.Store,
		notifier:        cfg.Notifier,
		adapters:        adapters,
		leases:          newLeaseRegistry(),
		queue:           make(chan string, queueSize),
		workers:         workers,
		observer:        cfg.Observer,
		logger:          logger,
		persistAttempts: attempts,
		persistDelay:    delay,
	}, nil
}

// CreateJob records a new UPLOADED job for an image that landed in
// storage and schedules its first advance. Duplicate triggers for the
// same source reference are an upstream concern.
func (c *Coordinator) CreateJob(ctx context.Context, ownerID, sourceRef string) (*Job, error) {
	if ownerID == "" || sourceRef == "" {
		return nil, errors.New("owner_id and source_reference are required")
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		SourceRef: sourceRef,
		Status:    StatusUploaded,
		Sequence:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	c.logger.Info("job created", "job_id", job.ID, "owner_id", ownerID)
	c.Enqueue(job.ID)
	return job, nil
}

// Enqueue schedules an advance for a job. Duplicate entries are harmless:
// the lease and the terminal-state check make extra advances no-ops.
func (c *Coordinator) Enqueue(jobID string) {
	select {
	case c.queue <- jobID:
	default:
		c.logger.Warn("advance queue full, dropping trigger", "job_id", jobID)
	}
}

// Run resumes unfinished jobs and drains the advance queue with a worker
// pool until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	active, err := c.store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	for _, job := range active {
		c.Enqueue(job.ID)
	}
	if len(active) > 0 {
		c.logger.Info("resuming unfinished jobs", "count", len(active))
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case jobID := <-c.queue:
					if err := c.Advance(ctx, jobID); err != nil &&
						!errors.Is(err, ErrAdvanceInFlight) && !errors.Is(err, context.Canceled) {
						c.logger.Error("advance failed", "job_id", jobID, "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

// Advance runs the next stage for a job and persists exactly one
// transition. At most one Advance is active per job at any time; a
// concurrent caller gets ErrAdvanceInFlight.
func (c *Coordinator) Advance(ctx context.Context, jobID string) error {
	if !c.leases.tryAcquire(jobID) {
		return fmt.Errorf("%w: %s", ErrAdvanceInFlight, jobID)
	}
	defer c.leases.release(jobID)

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status.Terminal() {
		// An administrative override may have finished the job while an
		// advance was queued.
		return nil
	}

	plan, ok := plans[job.Status]
	if !ok {
		return fmt.Errorf("%w: no stage planned for state %s", ErrIllegalTransition, job.Status)
	}

	payload, err := c.stageInput(ctx, job, plan.stage)
	if err != nil {
		return err
	}

	outcome := c.adapters[plan.stage].Invoke(ctx, job, payload)
	if outcome.Fault != nil {
		if c.observer != nil {
			c.observer.ObserveFailure(plan.stage, outcome.Fault.Kind)
		}
		return c.failJob(ctx, job, plan.stage, outcome.Fault)
	}
	if c.observer != nil {
		c.observer.ObserveSuccess(plan.stage, outcome.Result.Duration)
	}
	return c.completeStage(ctx, job, plan, outcome.Result)
}

// stageInput resolves the payload handed to a stage: the prior stage's
// output, or the original image reference for the first stage.
func (c *Coordinator) stageInput(ctx context.Context, job *Job, stage StageName) (string, error) {
	var upstream StageName
	switch stage {
	case StageSegmentation:
		return job.SourceRef, nil
	case StageConversion:
		upstream = StageSegmentation
	case StageEnhancement:
		upstream = StageConversion
	}

	results, err := c.store.StageResults(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load stage results: %w", err)
	}
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Stage == upstream {
			return results[i].Payload, nil
		}
	}
	return job.SourceRef, nil
}

// completeStage persists the stage result, advances the state machine,
// and emits a status event. Terminal COMPLETED additionally builds the
// aggregated AnalysisResult before the final event goes out.
func (c *Coordinator) completeStage(ctx context.Context, job *Job, plan stagePlan, res *StageSuccess) error {
	next := job.Status
	for _, event := range plan.onSuccess {
		var err error
		next, err = Apply(next, event)
		if err != nil {
			// Indicates a concurrent writer bypassed the lease: abort
			// without persisting and surface to operators.
			c.logger.Error("state machine rejected transition",
				"job_id", job.ID, "state", job.Status, "event", event, "error", err)
			return err
		}
	}

	result := &StageResult{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		Stage:      plan.stage,
		Payload:    res.Payload,
		Confidence: res.Confidence,
		Duration:   res.Duration,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.persist(ctx, func() error {
		return c.store.AppendStageResult(ctx, result)
	}); err != nil {
		return fmt.Errorf("failed to persist stage result: %w", err)
	}

	prevSequence := job.Sequence
	job.Status = next
	job.Sequence++
	job.UpdatedAt = time.Now().UTC()
	if err := c.persist(ctx, func() error {
		return c.store.PutJob(ctx, job, prevSequence)
	}); err != nil {
		return fmt.Errorf("failed to persist transition: %w", err)
	}

	c.logger.Info("stage completed",
		"job_id", job.ID, "stage", plan.stage, "state", job.Status, "sequence", job.Sequence)

	if job.Status == StatusCompleted {
		if err := c.finalize(ctx, job); err != nil {
			return err
		}
		c.publish(job, "analysis complete")
		return nil
	}

	c.publish(job, fmt.Sprintf("%s finished", plan.stage))
	c.Enqueue(job.ID)
	return nil
}

// failJob persists the terminal FAILED state with a structured cause and
// emits the terminal event. No further work is scheduled.
func (c *Coordinator) failJob(ctx context.Context, job *Job, stage StageName, fault *StageFault) error {
	next, err := Apply(job.Status, EventStageFailed)
	if err != nil {
		return err
	}

	prevSequence := job.Sequence
	job.Status = next
	job.Error = &JobError{Kind: string(fault.Kind), Detail: fault.Detail}
	job.Sequence++
	job.UpdatedAt = time.Now().UTC()
	if err := c.persist(ctx, func() error {
		return c.store.PutJob(ctx, job, prevSequence)
	}); err != nil {
		return fmt.Errorf("failed to persist failure: %w", err)
	}

	c.logger.Warn("job failed",
		"job_id", job.ID, "stage", stage, "kind", fault.Kind, "detail", fault.Detail)
	c.publish(job, fmt.Sprintf("%s failed: %s", stage, fault.Detail))
	return nil
}

// finalize aggregates the job's stage results into its AnalysisResult.
func (c *Coordinator) finalize(ctx context.Context, job *Job) error {
	results, err := c.store.StageResults(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load stage results: %w", err)
	}

	analysis := &AnalysisResult{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		Confidence:     make(map[string]float64),
		StageDurations: make(map[string]int64),
		CreatedAt:      time.Now().UTC(),
	}
	for _, r := range results {
		switch r.Stage {
		case StageSegmentation:
			analysis.SegmentationRef = r.Payload
		case StageConversion:
			analysis.ImageDescription = r.Payload
		case StageEnhancement:
			analysis.EnhancedReport = r.Payload
		}
		if r.Confidence != nil {
			analysis.Confidence[string(r.Stage)] = *r.Confidence
		}
		analysis.StageDurations[string(r.Stage)] = r.Duration.Milliseconds()
	}

	if err := c.persist(ctx, func() error {
		return c.store.PutAnalysisResult(ctx, analysis)
	}); err != nil {
		return fmt.Errorf("failed to persist analysis result: %w", err)
	}
	return nil
}

// Force applies an administrative status override. It holds the same
// per-job lease as Advance and goes through the same transition
// validation. Forcing the current status publishes a progress event
// without persisting a transition.
func (c *Coordinator) Force(ctx context.Context, jobID string, target Status, progress *float64, message string) (*Job, error) {
	if !c.leases.tryAcquire(jobID) {
		return nil, fmt.Errorf("%w: %s", ErrAdvanceInFlight, jobID)
	}
	defer c.leases.release(jobID)

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if target == job.Status {
		ev := c.event(job, message)
		if progress != nil {
			ev.Progress = progress
		}
		c.notifier.Publish(job.ID, ev)
		return job, nil
	}

	if !CanForce(job.Status, target) {
		return nil, fmt.Errorf("%w: cannot force %s from %s", ErrIllegalTransition, target, job.Status)
	}

	prevSequence := job.Sequence
	job.Status = target
	if target == StatusFailed {
		detail := message
		if detail == "" {
			detail = "administrative override"
		}
		job.Error = &JobError{Kind: "Forced", Detail: detail}
	}
	job.Sequence++
	job.UpdatedAt = time.Now().UTC()
	if err := c.persist(ctx, func() error {
		return c.store.PutJob(ctx, job, prevSequence)
	}); err != nil {
		return nil, fmt.Errorf("failed to persist forced transition: %w", err)
	}

	if job.Status == StatusCompleted {
		if err := c.finalize(ctx, job); err != nil {
			return nil, err
		}
	}

	c.logger.Info("status forced", "job_id", job.ID, "state", job.Status, "sequence", job.Sequence)
	ev := c.event(job, message)
	if progress != nil {
		ev.Progress = progress
	}
	c.notifier.Publish(job.ID, ev)

	if !job.Status.Terminal() {
		c.Enqueue(job.ID)
	}
	return job, nil
}

// persist retries a store write with bounded backoff. Sequence conflicts
// and illegal transitions are consistency bugs, not transient store
// trouble, so they are returned immediately. When retries are exhausted
// the attempt is abandoned and the job stays at its last committed state.
func (c *Coordinator) persist(ctx context.Context, write func() error) error {
	return retry.Do(
		write,
		retry.Context(ctx),
		retry.Attempts(c.persistAttempts),
		retry.Delay(c.persistDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrConflict) && !errors.Is(err, ErrIllegalTransition)
		}),
	)
}

// Event builds the wire-level status event for a job's current state.
func (c *Coordinator) event(job *Job, message string) hub.Event {
	ev := hub.Event{
		JobID:     job.ID,
		Status:    string(job.Status),
		Sequence:  job.Sequence,
		Timestamp: job.UpdatedAt,
		Message:   message,
	}
	if p, ok := progressByStatus[job.Status]; ok {
		ev.Progress = &p
	}
	if job.Status == StatusFailed && job.Error != nil && ev.Message == "" {
		ev.Message = fmt.Sprintf("%s: %s", job.Error.Kind, job.Error.Detail)
	}
	return ev
}

// Event exposes event construction for the subscription path, which needs
// a catch-up snapshot of a job it read from the store.
func (c *Coordinator) Event(job *Job, message string) hub.Event {
	return c.event(job, message)
}

func (c *Coordinator) publish(job *Job, message string) {
	c.notifier.Publish(job.ID, c.event(job, message))
}
