package pipeline

import (
	"errors"
	"testing"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		event   Event
		want    Status
		wantErr bool
	}{
		{"uploaded to segmenting", StatusUploaded, EventSegmentationStarted, StatusSegmenting, false},
		{"segmenting to converting", StatusSegmenting, EventSegmentationSucceeded, StatusConverting, false},
		{"converting to enhancing", StatusConverting, EventConversionSucceeded, StatusEnhancing, false},
		{"enhancing to completed", StatusEnhancing, EventEnhancementSucceeded, StatusCompleted, false},
		{"failure from uploaded", StatusUploaded, EventStageFailed, StatusFailed, false},
		{"failure from segmenting", StatusSegmenting, EventStageFailed, StatusFailed, false},
		{"failure from enhancing", StatusEnhancing, EventStageFailed, StatusFailed, false},
		{"skipping a stage is illegal", StatusUploaded, EventConversionSucceeded, "", true},
		{"repeated event is illegal", StatusConverting, EventSegmentationSucceeded, "", true},
		{"completed is terminal", StatusCompleted, EventEnhancementSucceeded, "", true},
		{"failed is terminal", StatusFailed, EventStageFailed, "", true},
		{"completed rejects failure event", StatusCompleted, EventStageFailed, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.current, tt.event)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Apply(%s, %s) = %s, want error", tt.current, tt.event, got)
				}
				if !errors.Is(err, ErrIllegalTransition) {
					t.Errorf("error = %v, want ErrIllegalTransition", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply(%s, %s) unexpected error: %v", tt.current, tt.event, err)
			}
			if got != tt.want {
				t.Errorf("Apply(%s, %s) = %s, want %s", tt.current, tt.event, got, tt.want)
			}
		})
	}
}

func TestApplyIsPure(t *testing.T) {
	// Same inputs must give same outputs regardless of call order.
	first, err1 := Apply(StatusSegmenting, EventSegmentationSucceeded)
	if _, err := Apply(StatusUploaded, EventStageFailed); err != nil {
		t.Fatalf("interleaved Apply failed: %v", err)
	}
	second, err2 := Apply(StatusSegmenting, EventSegmentationSucceeded)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v, %v", err1, err2)
	}
	if first != second {
		t.Errorf("Apply not deterministic: %s vs %s", first, second)
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusUploaded, StatusSegmenting, StatusConverting, StatusEnhancing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestCanForce(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusUploaded, StatusSegmenting, true},
		{StatusUploaded, StatusCompleted, true},
		{StatusSegmenting, StatusEnhancing, true},
		{StatusEnhancing, StatusCompleted, true},
		{StatusUploaded, StatusFailed, true},
		{StatusEnhancing, StatusFailed, true},
		{StatusConverting, StatusSegmenting, false}, // backwards
		{StatusCompleted, StatusFailed, false},      // terminal source
		{StatusFailed, StatusUploaded, false},
		{StatusUploaded, Status("bogus"), false},
	}
	for _, tt := range tests {
		if got := CanForce(tt.from, tt.to); got != tt.want {
			t.Errorf("CanForce(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if st, err := ParseStatus("  Completed "); err != nil || st != StatusCompleted {
		t.Errorf("ParseStatus(Completed) = %s, %v", st, err)
	}
	if _, err := ParseStatus("unknown"); err == nil {
		t.Error("ParseStatus(unknown) should fail")
	}
}

func TestFailureKindRetryable(t *testing.T) {
	retryable := map[FailureKind]bool{
		FailInvalidInput:          false,
		FailDependencyUnavailable: true,
		FailTimeout:               true,
		FailDependencyRejected:    false,
	}
	for kind, want := range retryable {
		if got := kind.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", kind, got, want)
		}
	}
}
