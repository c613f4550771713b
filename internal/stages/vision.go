package stages

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/medscan/medscan/internal/pipeline"
)

const (
	visionDefaultModel   = "gpt-4o"
	visionDefaultTimeout = 120 * time.Second

	visionSystemPrompt = `You are a medical imaging assistant. You receive a scan image
with its segmentation overlay and produce a precise textual description of the
visible anatomy and any segmented regions. Describe location, extent and
appearance. Do not speculate beyond what is visible. Plain prose, no markdown.`
)

// VisionConfig holds configuration for the vision-language description
// stage.
type VisionConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration

	// ArtifactBaseURL resolves storage keys into fetchable image URLs.
	ArtifactBaseURL string

	BaseURL    string       // Optional (tests)
	HTTPClient *http.Client // Optional (tests)
	Logger     *slog.Logger
}

// Vision converts a segmented scan into a structured textual description
// using a vision-language model.
type Vision struct {
	client          openai.Client
	model           string
	timeout         time.Duration
	artifactBaseURL string
	logger          *slog.Logger
}

// NewVision creates the vision adapter.
func NewVision(cfg VisionConfig) (*Vision, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vision API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = visionDefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = visionDefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Vision{
		client:          openai.NewClient(opts...),
		model:           model,
		timeout:         timeout,
		artifactBaseURL: strings.TrimRight(cfg.ArtifactBaseURL, "/"),
		logger:          logger.With("stage", pipeline.StageConversion),
	}, nil
}

// Stage implements pipeline.StageAdapter.
func (v *Vision) Stage() pipeline.StageName {
	return pipeline.StageConversion
}

// Invoke sends the segmented image to the vision model. The payload is
// the segmentation artifact reference produced by the prior stage.
func (v *Vision) Invoke(ctx context.Context, job *pipeline.Job, payload string) pipeline.StageOutcome {
	start := time.Now()

	if payload == "" {
		return pipeline.Failure(pipeline.FailInvalidInput, "segmentation reference is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(v.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(visionSystemPrompt),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart("Describe this segmented medical scan."),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: v.imageURL(payload),
				}),
			}),
		},
	}

	completion, err := v.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return pipeline.Failure(classifyOpenAIErr(err), fmt.Sprintf("vision call failed: %v", err))
	}
	if len(completion.Choices) == 0 {
		return pipeline.Failure(pipeline.FailDependencyRejected, "vision model returned no choices")
	}

	description := strings.TrimSpace(completion.Choices[0].Message.Content)
	if description == "" {
		return pipeline.Failure(pipeline.FailDependencyRejected, "vision model returned empty description")
	}

	v.logger.Debug("image description generated",
		"job_id", job.ID, "tokens", completion.Usage.TotalTokens, "duration", time.Since(start))
	return pipeline.Success(description, nil, time.Since(start))
}

// imageURL resolves a storage key into a URL the model can fetch.
func (v *Vision) imageURL(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "data:") {
		return ref
	}
	if v.artifactBaseURL == "" {
		return ref
	}
	return v.artifactBaseURL + "/" + strings.TrimLeft(ref, "/")
}

var _ pipeline.StageAdapter = (*Vision)(nil)
