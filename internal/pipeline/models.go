package pipeline

import (
	"time"
)

// Job is one end-to-end processing request for a single uploaded image.
// Only the coordinator mutates a Job; everything else gets copies.
type Job struct {
	ID        string    `json:"job_id"`
	OwnerID   string    `json:"owner_id"`
	SourceRef string    `json:"source_reference"`
	Status    Status    `json:"status"`
	Error     *JobError `json:"error,omitempty"`

	// Sequence increments on every persisted transition and orders
	// notifications. Persisted writes are a compare-and-swap on it.
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobError is the structured failure cause recorded on transition to FAILED.
type JobError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// StageResult is the immutable output of one completed stage.
type StageResult struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id"`
	Stage      StageName     `json:"stage"`
	Payload    string        `json:"payload"`
	Confidence *float64      `json:"confidence,omitempty"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}

// AnalysisResult aggregates all stage results into the final report.
// At most one exists per job, written only on transition to COMPLETED.
type AnalysisResult struct {
	ID               string             `json:"result_id"`
	JobID            string             `json:"job_id"`
	SegmentationRef  string             `json:"segmentation_result_key,omitempty"`
	ImageDescription string             `json:"image_description,omitempty"`
	EnhancedReport   string             `json:"enhanced_report,omitempty"`
	Confidence       map[string]float64 `json:"confidence_scores,omitempty"`
	StageDurations   map[string]int64   `json:"stage_durations_ms,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}
