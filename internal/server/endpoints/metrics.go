package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/medscan/medscan/internal/api"
	"github.com/medscan/medscan/internal/metrics"
	"github.com/medscan/medscan/internal/svcctx"
)

// MetricsEndpoint handles GET /api/pipeline/metrics.
type MetricsEndpoint struct{}

func (e *MetricsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/pipeline/metrics", e.handler
}

func (e *MetricsEndpoint) RequiresInit() bool { return true }

func (e *MetricsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	recorder := svcctx.MetricsFrom(r.Context())
	if recorder == nil {
		writeJSON(w, http.StatusOK, map[string]metrics.StageMetrics{})
		return
	}
	writeJSON(w, http.StatusOK, recorder.Snapshot())
}

func (e *MetricsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show per-stage invocation and failure counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp map[string]metrics.StageMetrics
			if err := client.Get(cmd.Context(), "/api/pipeline/metrics", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
