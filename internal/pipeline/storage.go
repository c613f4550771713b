package pipeline

import (
	"context"
	"errors"
)

// Store errors shared with implementations.
var (
	// ErrNotFound indicates the requested job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrConflict indicates a compare-and-swap write lost: the persisted
	// sequence did not match the expected prior sequence. This means a
	// second writer touched the job, which the single-writer design
	// forbids, so it is never retried.
	ErrConflict = errors.New("sequence conflict")
)

// ListFilter narrows and pages a job listing.
type ListFilter struct {
	OwnerID string
	Status  Status
	Limit   int
	Offset  int
}

// Store is the durable persistence contract the coordinator writes
// through. Jobs are versioned by sequence; Put is a compare-and-swap so a
// misbehaving duplicate writer is rejected rather than silently
// overwriting.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// PutJob persists the job iff its stored sequence equals
	// expectedSequence; returns ErrConflict otherwise.
	PutJob(ctx context.Context, job *Job, expectedSequence int64) error

	// GetJobWithResult loads a job together with its analysis result,
	// which is nil while the job has not completed.
	GetJobWithResult(ctx context.Context, jobID string) (*Job, *AnalysisResult, error)

	ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error)
	ListActiveJobs(ctx context.Context) ([]*Job, error)

	AppendStageResult(ctx context.Context, result *StageResult) error
	StageResults(ctx context.Context, jobID string) ([]*StageResult, error)

	PutAnalysisResult(ctx context.Context, result *AnalysisResult) error
	GetAnalysisResult(ctx context.Context, jobID string) (*AnalysisResult, error)
}
