// Package stages implements the adapters that call the external AI
// services behind each pipeline stage. Adapters classify every failure
// into a retry-relevant kind and never touch orchestration state.
package stages

import (
	"context"
	"errors"
	"net"
	"net/http"

	openai "github.com/openai/openai-go/v3"

	"github.com/medscan/medscan/internal/pipeline"
)

// classifyTransportErr maps transport-level errors to a failure kind.
func classifyTransportErr(err error) pipeline.FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return pipeline.FailTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pipeline.FailTimeout
	}
	return pipeline.FailDependencyUnavailable
}

// classifyStatus maps an HTTP response status to a failure kind.
func classifyStatus(code int) pipeline.FailureKind {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return pipeline.FailTimeout
	case code == http.StatusTooManyRequests || code >= 500:
		return pipeline.FailDependencyUnavailable
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return pipeline.FailInvalidInput
	default:
		return pipeline.FailDependencyRejected
	}
}

// classifyOpenAIErr maps OpenAI SDK errors to a failure kind.
func classifyOpenAIErr(err error) pipeline.FailureKind {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode)
	}
	return classifyTransportErr(err)
}
