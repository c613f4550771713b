package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of an analysis job.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusSegmenting Status = "segmenting"
	StatusConverting Status = "converting"
	StatusEnhancing  Status = "enhancing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event is a state machine input.
type Event string

const (
	EventSegmentationStarted   Event = "segmentation_started"
	EventSegmentationSucceeded Event = "segmentation_succeeded"
	EventConversionSucceeded   Event = "conversion_succeeded"
	EventEnhancementSucceeded  Event = "enhancement_succeeded"

	// EventStageFailed covers both exhausted retries and non-retryable
	// stage failures. Legal from any non-terminal state.
	EventStageFailed Event = "stage_failed"
)

// ErrIllegalTransition indicates an undefined (state, event) pair or an
// event applied to a terminal state. The coordinator treats this as a
// consistency bug, never as a retryable condition.
var ErrIllegalTransition = errors.New("illegal transition")

// transitions is the full lifecycle table. FAILED is handled separately
// since it is reachable from every non-terminal state.
var transitions = map[Status]map[Event]Status{
	StatusUploaded:   {EventSegmentationStarted: StatusSegmenting},
	StatusSegmenting: {EventSegmentationSucceeded: StatusConverting},
	StatusConverting: {EventConversionSucceeded: StatusEnhancing},
	StatusEnhancing:  {EventEnhancementSucceeded: StatusCompleted},
}

// Apply returns the state that follows current on event. It is a pure
// function: no job is loaded or written here.
func Apply(current Status, event Event) (Status, error) {
	if current.Terminal() {
		return "", fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, current)
	}
	if event == EventStageFailed {
		return StatusFailed, nil
	}
	next, ok := transitions[current][event]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrIllegalTransition, event, current)
	}
	return next, nil
}

// Terminal reports whether no further transitions are legal from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusSegmenting, StatusConverting, StatusEnhancing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanForce reports whether an administrative override from one status to
// another is expressible as a chain of table transitions. FAILED is
// forceable from any non-terminal state.
func CanForce(from, to Status) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	cur := from
	for !cur.Terminal() {
		var advanced bool
		for _, next := range transitions[cur] {
			if next == to {
				return true
			}
			cur = next
			advanced = true
			break
		}
		if !advanced {
			return false
		}
	}
	return false
}

// ParseStatus converts an external status string (case-insensitive) into
// a Status. Free-form strings exist only at the API boundary.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status: %q", s)
	}
	return st, nil
}
