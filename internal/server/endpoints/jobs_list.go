package endpoints

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/medscan/medscan/internal/api"
	"github.com/medscan/medscan/internal/pipeline"
	"github.com/medscan/medscan/internal/svcctx"
)

// ListJobsResponse is the paged job listing.
type ListJobsResponse struct {
	Jobs  []*pipeline.Job `json:"jobs"`
	Count int             `json:"count"`
}

// ListJobsEndpoint handles GET /api/jobs.
type ListJobsEndpoint struct{}

func (e *ListJobsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs", e.handler
}

func (e *ListJobsEndpoint) RequiresInit() bool { return true }

func (e *ListJobsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := pipeline.ListFilter{OwnerID: q.Get("owner_id")}

	if statusStr := q.Get("status"); statusStr != "" {
		status, err := pipeline.ParseStatus(statusStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown status: "+statusStr)
			return
		}
		filter.Status = status
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = offset
	}

	store := svcctx.StoreFrom(r.Context())
	jobs, err := store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*pipeline.Job{}
	}

	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

func (e *ListJobsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var owner, status string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			params := url.Values{}
			if owner != "" {
				params.Set("owner_id", owner)
			}
			if status != "" {
				params.Set("status", status)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				params.Set("offset", strconv.Itoa(offset))
			}
			path := "/api/jobs"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}
			var resp ListJobsResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner identity")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Listing offset")
	return cmd
}
