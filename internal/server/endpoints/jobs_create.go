package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/medscan/medscan/internal/api"
	"github.com/medscan/medscan/internal/svcctx"
)

// CreateJobRequest is the payload for registering an uploaded image.
type CreateJobRequest struct {
	OwnerID   string `json:"owner_id"`
	SourceRef string `json:"source_reference"`
}

// CreateJobEndpoint handles POST /api/jobs.
type CreateJobEndpoint struct{}

func (e *CreateJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs", e.handler
}

func (e *CreateJobEndpoint) RequiresInit() bool { return true }

func (e *CreateJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OwnerID == "" || req.SourceRef == "" {
		writeError(w, http.StatusBadRequest, "owner_id and source_reference are required")
		return
	}

	coord := svcctx.CoordinatorFrom(r.Context())
	job, err := coord.CreateJob(r.Context(), req.OwnerID, req.SourceRef)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

func (e *CreateJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "create <source-reference>",
		Short: "Register an uploaded scan and start processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp map[string]any
			req := CreateJobRequest{OwnerID: owner, SourceRef: args[0]}
			if err := client.Post(cmd.Context(), "/api/jobs", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner identity for the job (required)")
	cmd.MarkFlagRequired("owner")
	return cmd
}
