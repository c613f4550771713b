package endpoints

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/medscan/medscan/internal/api"
	"github.com/medscan/medscan/internal/pipeline"
	"github.com/medscan/medscan/internal/svcctx"
)

// ResultsResponse holds a job's per-stage outputs and, once the job has
// completed, the aggregated analysis.
type ResultsResponse struct {
	JobID    string                   `json:"job_id"`
	Status   pipeline.Status          `json:"status"`
	Stages   []*pipeline.StageResult  `json:"stage_results"`
	Analysis *pipeline.AnalysisResult `json:"analysis_result,omitempty"`
}

// GetResultsEndpoint handles GET /api/jobs/{id}/results.
type GetResultsEndpoint struct{}

func (e *GetResultsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}/results", e.handler
}

func (e *GetResultsEndpoint) RequiresInit() bool { return true }

func (e *GetResultsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	store := svcctx.StoreFrom(r.Context())
	job, analysis, err := store.GetJobWithResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stages, err := store.StageResults(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ResultsResponse{
		JobID:    job.ID,
		Status:   job.Status,
		Stages:   stages,
		Analysis: analysis,
	})
}

func (e *GetResultsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "results <id>",
		Short: "Get a job's stage outputs and final analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp map[string]any
			if err := client.Get(cmd.Context(), "/api/jobs/"+args[0]+"/results", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
