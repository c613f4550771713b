package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/medscan/medscan/internal/pipeline"
)

const (
	segmentationDefaultTimeout = 120 * time.Second

	// maxSegmentationResponseBytes bounds how much of the inference
	// response is read.
	maxSegmentationResponseBytes = 1 << 20
)

// SegmentationConfig holds configuration for the segmentation inference
// endpoint.
type SegmentationConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client // Optional (tests)
	Logger     *slog.Logger
}

// Segmentation invokes the hosted segmentation model over HTTP and
// returns a reference to the generated mask artifact.
type Segmentation struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewSegmentation creates the segmentation adapter.
func NewSegmentation(cfg SegmentationConfig) (*Segmentation, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("segmentation endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = segmentationDefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmentation{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		timeout:  timeout,
		client:   client,
		logger:   logger.With("stage", pipeline.StageSegmentation),
	}, nil
}

// Stage implements pipeline.StageAdapter.
func (s *Segmentation) Stage() pipeline.StageName {
	return pipeline.StageSegmentation
}

type segmentationRequest struct {
	JobID          string `json:"job_id"`
	ImageReference string `json:"image_reference"`
}

type segmentationResponse struct {
	SegmentationReference string   `json:"segmentation_reference"`
	Confidence            *float64 `json:"confidence,omitempty"`
	Error                 string   `json:"error,omitempty"`
}

// Invoke posts the image reference to the inference endpoint. The payload
// is the storage key of the uploaded image.
func (s *Segmentation) Invoke(ctx context.Context, job *pipeline.Job, payload string) pipeline.StageOutcome {
	start := time.Now()

	if payload == "" {
		return pipeline.Failure(pipeline.FailInvalidInput, "image reference is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(segmentationRequest{JobID: job.ID, ImageReference: payload})
	if err != nil {
		return pipeline.Failure(pipeline.FailInvalidInput, fmt.Sprintf("failed to encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return pipeline.Failure(pipeline.FailInvalidInput, fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return pipeline.Failure(classifyTransportErr(err), fmt.Sprintf("segmentation call failed: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSegmentationResponseBytes))
	if err != nil {
		return pipeline.Failure(classifyTransportErr(err), fmt.Sprintf("failed reading segmentation response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		detail := fmt.Sprintf("segmentation endpoint returned status %d", resp.StatusCode)
		var parsed segmentationResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
			detail = fmt.Sprintf("%s: %s", detail, parsed.Error)
		}
		return pipeline.Failure(classifyStatus(resp.StatusCode), detail)
	}

	var parsed segmentationResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return pipeline.Failure(pipeline.FailDependencyRejected,
			fmt.Sprintf("segmentation endpoint returned malformed JSON: %v", err))
	}
	if parsed.SegmentationReference == "" {
		return pipeline.Failure(pipeline.FailDependencyRejected,
			"segmentation endpoint returned no mask reference")
	}

	s.logger.Debug("segmentation finished",
		"job_id", job.ID, "duration", time.Since(start))
	return pipeline.Success(parsed.SegmentationReference, parsed.Confidence, time.Since(start))
}

var _ pipeline.StageAdapter = (*Segmentation)(nil)
