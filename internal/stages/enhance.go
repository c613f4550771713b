package stages

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/medscan/medscan/internal/pipeline"
)

//go:embed report_schema.json
var reportSchemaRaw []byte

const (
	enhanceDefaultModel   = "gpt-4o"
	enhanceDefaultTimeout = 120 * time.Second

	// maxReportRepairAttempts limits self-repair loops when the model
	// output fails schema validation.
	maxReportRepairAttempts = 2

	enhanceSystemPrompt = `You are a clinical reporting assistant. You receive a textual
description of a segmented medical scan plus relevant guideline excerpts, and
produce an enhanced structured report. Ground every finding in the provided
description; cite guideline excerpts where they apply. Return ONLY valid JSON
conforming to the schema you are given, with no markdown and no commentary.`
)

// EnhanceConfig holds configuration for the report enhancement stage.
type EnhanceConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration

	// Guidelines is the clinical reference corpus injected into the
	// prompt. Empty disables guideline grounding.
	Guidelines string

	BaseURL    string       // Optional (tests)
	HTTPClient *http.Client // Optional (tests)
	Logger     *slog.Logger
}

// Enhance turns an image description into a schema-validated structured
// report, grounded on configured clinical guideline excerpts.
type Enhance struct {
	client     openai.Client
	model      string
	timeout    time.Duration
	guidelines string
	schema     *jsonschema.Schema
	logger     *slog.Logger
}

// NewEnhance creates the enhancement adapter. The report schema is
// compiled once up front.
func NewEnhance(cfg EnhanceConfig) (*Enhance, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("enhancement API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = enhanceDefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = enhanceDefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("report_schema.json", bytes.NewReader(reportSchemaRaw)); err != nil {
		return nil, fmt.Errorf("failed to load report schema: %w", err)
	}
	schema, err := compiler.Compile("report_schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile report schema: %w", err)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Enhance{
		client:     openai.NewClient(opts...),
		model:      model,
		timeout:    timeout,
		guidelines: cfg.Guidelines,
		schema:     schema,
		logger:     logger.With("stage", pipeline.StageEnhancement),
	}, nil
}

// Stage implements pipeline.StageAdapter.
func (e *Enhance) Stage() pipeline.StageName {
	return pipeline.StageEnhancement
}

// Invoke asks the model for a structured report and validates it against
// the embedded schema, re-prompting with the validation issue when the
// output does not conform. The payload is the image description from the
// prior stage.
func (e *Enhance) Invoke(ctx context.Context, job *pipeline.Job, payload string) pipeline.StageOutcome {
	start := time.Now()

	if strings.TrimSpace(payload) == "" {
		return pipeline.Failure(pipeline.FailInvalidInput, "image description is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(enhanceSystemPrompt),
		openai.UserMessage(e.prompt(payload)),
	}

	var lastIssue error
	for attempt := 0; attempt <= maxReportRepairAttempts; attempt++ {
		params := openai.ChatCompletionNewParams{
			Model:    shared.ChatModel(e.model),
			Messages: messages,
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
			},
		}

		completion, err := e.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return pipeline.Failure(classifyOpenAIErr(err), fmt.Sprintf("enhancement call failed: %v", err))
		}
		if len(completion.Choices) == 0 {
			return pipeline.Failure(pipeline.FailDependencyRejected, "enhancement model returned no choices")
		}

		content := completion.Choices[0].Message.Content
		report, confidence, issue := e.validate(content)
		if issue == nil {
			e.logger.Debug("report enhanced",
				"job_id", job.ID, "attempt", attempt+1, "duration", time.Since(start))
			return pipeline.Success(report, confidence, time.Since(start))
		}

		lastIssue = issue
		e.logger.Warn("report failed validation, re-prompting",
			"job_id", job.ID, "attempt", attempt+1, "error", issue)
		messages = append(messages,
			openai.AssistantMessage(content),
			openai.UserMessage(repairPrompt(content, issue)),
		)
	}

	return pipeline.Failure(pipeline.FailDependencyRejected,
		fmt.Sprintf("report did not conform to schema after %d attempts: %v", maxReportRepairAttempts+1, lastIssue))
}

// validate parses and schema-checks model output, returning the
// normalized report JSON and its self-reported confidence.
func (e *Enhance) validate(content string) (string, *float64, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", nil, fmt.Errorf("empty report output")
	}

	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return "", nil, fmt.Errorf("report is not valid JSON: %w", err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return "", nil, fmt.Errorf("report does not match schema: %w", err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("failed to normalize report: %w", err)
	}

	var confidence *float64
	if m, ok := doc.(map[string]any); ok {
		if c, ok := m["confidence"].(float64); ok {
			confidence = &c
		}
	}
	return string(normalized), confidence, nil
}

func (e *Enhance) prompt(description string) string {
	var b strings.Builder
	b.WriteString("Image description:\n")
	b.WriteString(description)
	if e.guidelines != "" {
		b.WriteString("\n\nGuideline excerpts:\n")
		b.WriteString(e.guidelines)
	}
	b.WriteString("\n\nJSON schema for your response:\n")
	b.Write(reportSchemaRaw)
	return b.String()
}

func repairPrompt(lastOutput string, issue error) string {
	lastOutput = strings.TrimSpace(lastOutput)
	if len(lastOutput) > 8000 {
		lastOutput = lastOutput[:8000] + "\n...[truncated]"
	}
	return fmt.Sprintf(`Your previous output did not validate.

Validation issue:
%v

Previous output:
%s

Return ONLY corrected JSON conforming to the schema.`, issue, lastOutput)
}

var _ pipeline.StageAdapter = (*Enhance)(nil)
