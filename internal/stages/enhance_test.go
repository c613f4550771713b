package stages

import (
	"strings"
	"testing"
)

func newEnhanceForValidation(t *testing.T) *Enhance {
	t.Helper()
	e, err := NewEnhance(EnhanceConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewEnhance: %v", err)
	}
	return e
}

func TestValidateAcceptsConformingReport(t *testing.T) {
	e := newEnhanceForValidation(t)
	report, confidence, err := e.validate(`{
		"findings": "Left lower lobe opacity with air bronchograms.",
		"impression": "Findings consistent with lobar pneumonia.",
		"recommendations": ["Follow-up radiograph in 6 weeks"],
		"guideline_citations": ["Fleischner 2017"],
		"confidence": 0.82
	}`)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if confidence == nil || *confidence != 0.82 {
		t.Errorf("confidence = %v, want 0.82", confidence)
	}
	if !strings.Contains(report, "lobar pneumonia") {
		t.Errorf("normalized report missing content: %s", report)
	}
}

func TestValidateMinimalReport(t *testing.T) {
	e := newEnhanceForValidation(t)
	_, confidence, err := e.validate(`{"findings": "Clear lungs.", "impression": "Normal study."}`)
	if err != nil {
		t.Fatalf("validate minimal report: %v", err)
	}
	if confidence != nil {
		t.Errorf("confidence = %v, want nil when absent", confidence)
	}
}

func TestValidateRejectsBadReports(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"not json", "the patient is fine"},
		{"missing impression", `{"findings": "Clear lungs."}`},
		{"missing findings", `{"impression": "Normal."}`},
		{"confidence out of range", `{"findings": "x", "impression": "y", "confidence": 1.5}`},
		{"confidence wrong type", `{"findings": "x", "impression": "y", "confidence": "high"}`},
		{"unknown field", `{"findings": "x", "impression": "y", "severity": "critical"}`},
		{"wrong recommendations type", `{"findings": "x", "impression": "y", "recommendations": "rest"}`},
	}
	e := newEnhanceForValidation(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := e.validate(tt.content); err == nil {
				t.Errorf("validate(%q) accepted invalid report", tt.content)
			}
		})
	}
}

func TestRepairPromptTruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("x", 20000)
	prompt := repairPrompt(long, errString("missing findings"))
	if len(prompt) > 9000 {
		t.Errorf("repair prompt length = %d, want truncated", len(prompt))
	}
	if !strings.Contains(prompt, "[truncated]") {
		t.Error("truncation marker missing")
	}
	if !strings.Contains(prompt, "missing findings") {
		t.Error("validation issue missing from prompt")
	}
}

func TestNewEnhanceRequiresAPIKey(t *testing.T) {
	if _, err := NewEnhance(EnhanceConfig{}); err == nil {
		t.Error("expected error for missing API key")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
