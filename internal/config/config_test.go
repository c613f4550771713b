package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/medscan/medscan/internal/pipeline"
	"github.com/medscan/medscan/internal/policy"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != "localhost" || cfg.Server.Port != 8080 {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Coordinator.Workers != 4 || cfg.Coordinator.QueueSize != 256 {
		t.Errorf("coordinator defaults = %+v", cfg.Coordinator)
	}
	if cfg.Hub.SubscriberBuffer != 64 {
		t.Errorf("hub defaults = %+v", cfg.Hub)
	}
	if cfg.Policy != policy.DefaultConfig() {
		t.Errorf("policy defaults = %+v", cfg.Policy)
	}
	if cfg.Stages.Segmentation.Endpoint == "" {
		t.Error("segmentation endpoint default missing")
	}
	if !strings.Contains(cfg.Stages.Conversion.APIKey, "${") {
		t.Errorf("conversion api key should be an env placeholder, got %q", cfg.Stages.Conversion.APIKey)
	}
	if cfg.ListenAddr() != "localhost:8080" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr())
	}
}

func TestStagePolicyFallback(t *testing.T) {
	cfg := DefaultConfig()

	// No overrides: every stage uses the global policy.
	for _, stage := range []pipeline.StageName{pipeline.StageSegmentation, pipeline.StageConversion, pipeline.StageEnhancement} {
		if got := cfg.StagePolicy(stage); got != cfg.Policy {
			t.Errorf("StagePolicy(%s) = %+v, want global %+v", stage, got, cfg.Policy)
		}
	}

	override := policy.Config{
		MaxAttempts:       5,
		InitialDelay:      2 * time.Second,
		BackoffMultiplier: 3,
		MaxDelay:          time.Minute,
		FailureThreshold:  10,
		RecoveryTimeout:   time.Minute,
	}
	cfg.Stages.Conversion.Policy = &override

	if got := cfg.StagePolicy(pipeline.StageConversion); got != override {
		t.Errorf("StagePolicy(conversion) = %+v, want override", got)
	}
	// Other stages keep the global.
	if got := cfg.StagePolicy(pipeline.StageSegmentation); got != cfg.Policy {
		t.Errorf("StagePolicy(segmentation) = %+v, want global", got)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Setenv("MEDSCAN_TEST_KEY", "sk-secret")
	t.Setenv("MEDSCAN_TEST_HOST", "inference.internal")

	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"plain-value", "plain-value"},
		{"${MEDSCAN_TEST_KEY}", "sk-secret"},
		{"https://${MEDSCAN_TEST_HOST}/v1", "https://inference.internal/v1"},
		{"${MEDSCAN_TEST_KEY}:${MEDSCAN_TEST_HOST}", "sk-secret:inference.internal"},
		{"${UNSET_MEDSCAN_VAR}", ""},
	}
	for _, tt := range tests {
		if got := ResolveEnvVars(tt.in); got != tt.want {
			t.Errorf("ResolveEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written config: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "# Medscan configuration") {
		t.Error("header comment missing")
	}
	for _, want := range []string{"server:", "policy:", "stages:", "segmentation:", "${OPENAI_API_KEY}"} {
		if !strings.Contains(content, want) {
			t.Errorf("written config missing %q", want)
		}
	}
}
