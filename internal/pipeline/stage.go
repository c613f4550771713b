package pipeline

import (
	"context"
	"time"
)

// StageName identifies one ordered step of the pipeline.
type StageName string

const (
	StageSegmentation StageName = "segmentation"
	StageConversion   StageName = "conversion"
	StageEnhancement  StageName = "enhancement"
)

// FailureKind classifies a stage failure for retry decisions and for the
// structured error persisted on FAILED jobs.
type FailureKind string

const (
	FailInvalidInput          FailureKind = "InvalidInput"
	FailDependencyUnavailable FailureKind = "DependencyUnavailable"
	FailTimeout               FailureKind = "Timeout"
	FailDependencyRejected    FailureKind = "DependencyRejected"
)

// Retryable reports whether a failure of this kind may be retried.
func (k FailureKind) Retryable() bool {
	return k == FailDependencyUnavailable || k == FailTimeout
}

// StageOutcome is the tagged result of one adapter invocation. Exactly one
// of Result and Fault is set.
type StageOutcome struct {
	Result *StageSuccess
	Fault  *StageFault
}

// StageSuccess carries the normalized output of a successful stage call.
type StageSuccess struct {
	Payload    string
	Confidence *float64
	Duration   time.Duration
}

// StageFault describes a classified stage failure.
type StageFault struct {
	Kind   FailureKind
	Detail string
}

// Retryable reports whether the outcome is a retryable failure.
func (o StageOutcome) Retryable() bool {
	return o.Fault != nil && o.Fault.Kind.Retryable()
}

// Success builds a successful outcome.
func Success(payload string, confidence *float64, duration time.Duration) StageOutcome {
	return StageOutcome{Result: &StageSuccess{Payload: payload, Confidence: confidence, Duration: duration}}
}

// Failure builds a failed outcome.
func Failure(kind FailureKind, detail string) StageOutcome {
	return StageOutcome{Fault: &StageFault{Kind: kind, Detail: detail}}
}

// StageAdapter translates a generic stage invocation into a call against
// one external AI service.
//
// Invoke must be safe to call more than once for the same job/stage pair:
// adapters never mutate orchestration state. The payload is the prior
// stage's output, or the job's source reference for the first stage.
// Implementations must bound the call with their configured timeout and
// respect ctx cancellation.
type StageAdapter interface {
	Stage() StageName
	Invoke(ctx context.Context, job *Job, payload string) StageOutcome
}
