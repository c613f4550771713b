package config

import (
	"fmt"
	"time"

	"github.com/medscan/medscan/internal/pipeline"
	"github.com/medscan/medscan/internal/policy"
)

// Config is the full medscan configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Hub         HubConfig         `mapstructure:"hub" yaml:"hub"`

	// Policy holds the default retry/breaker parameters; stages may
	// override them individually.
	Policy policy.Config `mapstructure:"policy" yaml:"policy"`
	Stages StagesConfig  `mapstructure:"stages" yaml:"stages"`

	// DataDir overrides where the job database lives. Empty means the
	// home directory's data subdirectory.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir,omitempty"`

	// AdminAPIKey gates the administrative update endpoint. Supports
	// ${ENV_VAR} syntax.
	AdminAPIKey string `mapstructure:"admin_api_key" yaml:"admin_api_key"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// CoordinatorConfig holds dispatcher settings.
type CoordinatorConfig struct {
	Workers   int `mapstructure:"workers" yaml:"workers"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// HubConfig holds notification hub settings.
type HubConfig struct {
	// SubscriberBuffer is the per-subscriber event queue size.
	SubscriberBuffer int `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
}

// StagesConfig holds the per-stage external service settings.
type StagesConfig struct {
	Segmentation SegmentationStageConfig `mapstructure:"segmentation" yaml:"segmentation"`
	Conversion   ConversionStageConfig   `mapstructure:"conversion" yaml:"conversion"`
	Enhancement  EnhancementStageConfig  `mapstructure:"enhancement" yaml:"enhancement"`
}

// SegmentationStageConfig configures the hosted segmentation endpoint.
type SegmentationStageConfig struct {
	Endpoint string         `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string         `mapstructure:"api_key" yaml:"api_key"`
	Timeout  time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	Policy   *policy.Config `mapstructure:"policy" yaml:"policy,omitempty"`
}

// ConversionStageConfig configures the vision-language description stage.
type ConversionStageConfig struct {
	APIKey          string         `mapstructure:"api_key" yaml:"api_key"`
	Model           string         `mapstructure:"model" yaml:"model"`
	Timeout         time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	ArtifactBaseURL string         `mapstructure:"artifact_base_url" yaml:"artifact_base_url"`
	Policy          *policy.Config `mapstructure:"policy" yaml:"policy,omitempty"`
}

// EnhancementStageConfig configures the report enhancement stage.
type EnhancementStageConfig struct {
	APIKey  string        `mapstructure:"api_key" yaml:"api_key"`
	Model   string        `mapstructure:"model" yaml:"model"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// GuidelinesFile points at a local clinical guideline excerpt file
	// injected into the enhancement prompt.
	GuidelinesFile string         `mapstructure:"guidelines_file" yaml:"guidelines_file,omitempty"`
	Policy         *policy.Config `mapstructure:"policy" yaml:"policy,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Coordinator: CoordinatorConfig{
			Workers:   4,
			QueueSize: 256,
		},
		Hub: HubConfig{
			SubscriberBuffer: 64,
		},
		Policy: policy.DefaultConfig(),
		Stages: StagesConfig{
			Segmentation: SegmentationStageConfig{
				Endpoint: "http://localhost:9100/invocations",
				APIKey:   "${SEGMENTATION_API_KEY}",
				Timeout:  120 * time.Second,
			},
			Conversion: ConversionStageConfig{
				APIKey:  "${OPENAI_API_KEY}",
				Model:   "gpt-4o",
				Timeout: 120 * time.Second,
			},
			Enhancement: EnhancementStageConfig{
				APIKey:  "${OPENAI_API_KEY}",
				Model:   "gpt-4o",
				Timeout: 120 * time.Second,
			},
		},
		AdminAPIKey: "${MEDSCAN_ADMIN_API_KEY}",
	}
}

// StagePolicy returns the retry/breaker parameters for one stage,
// falling back to the global defaults when the stage has no override.
func (c *Config) StagePolicy(stage pipeline.StageName) policy.Config {
	var override *policy.Config
	switch stage {
	case pipeline.StageSegmentation:
		override = c.Stages.Segmentation.Policy
	case pipeline.StageConversion:
		override = c.Stages.Conversion.Policy
	case pipeline.StageEnhancement:
		override = c.Stages.Enhancement.Policy
	}
	if override != nil {
		return *override
	}
	return c.Policy
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
