package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/medscan/medscan/internal/api"
	"github.com/medscan/medscan/internal/config"
	"github.com/medscan/medscan/internal/pipeline"
	"github.com/medscan/medscan/internal/svcctx"
)

// UpdateJobRequest is the administrative status override payload.
type UpdateJobRequest struct {
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// UpdateJobEndpoint handles POST /api/jobs/{id}/update. It is gated by
// the X-API-Key header and goes through the same transition validation
// as the pipeline itself.
type UpdateJobEndpoint struct{}

func (e *UpdateJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/update", e.handler
}

func (e *UpdateJobEndpoint) RequiresInit() bool { return true }

func (e *UpdateJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	s := svcctx.ServicesFrom(r.Context())

	adminKey := ""
	if s.ConfigManager != nil {
		adminKey = config.ResolveEnvVars(s.ConfigManager.Get().AdminAPIKey)
	}
	if adminKey == "" {
		writeError(w, http.StatusServiceUnavailable, "administrative updates are not configured")
		return
	}
	if r.Header.Get("X-API-Key") != adminKey {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	var req UpdateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Progress != nil && (*req.Progress < 0 || *req.Progress > 1) {
		writeError(w, http.StatusBadRequest, "progress must be between 0 and 1")
		return
	}
	target, err := pipeline.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown status: "+req.Status)
		return
	}

	job, err := s.Coordinator.Force(r.Context(), id, target, req.Progress, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, pipeline.ErrAdvanceInFlight):
			writeError(w, http.StatusConflict, "job is being advanced, try again")
		case errors.Is(err, pipeline.ErrIllegalTransition):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (e *UpdateJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	var apiKey, message string
	var progress float64
	cmd := &cobra.Command{
		Use:   "update <id> <status>",
		Short: "Force a job's status (administrative)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			client.SetHeader("X-API-Key", apiKey)
			req := UpdateJobRequest{Status: args[1], Message: message}
			if cmd.Flags().Changed("progress") {
				req.Progress = &progress
			}
			var resp map[string]any
			if err := client.Post(cmd.Context(), "/api/jobs/"+args[0]+"/update", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Administrative API key (required)")
	cmd.Flags().StringVar(&message, "message", "", "Human-readable reason for the override")
	cmd.Flags().Float64Var(&progress, "progress", 0, "Progress fraction between 0 and 1")
	cmd.MarkFlagRequired("api-key")
	return cmd
}
