package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/medscan/medscan/internal/api"
	"github.com/medscan/medscan/internal/svcctx"
)

// BreakerStatus is the operator view of one stage's circuit breaker.
type BreakerStatus struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// BreakersEndpoint handles GET /api/pipeline/breakers.
type BreakersEndpoint struct{}

func (e *BreakersEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/pipeline/breakers", e.handler
}

func (e *BreakersEndpoint) RequiresInit() bool { return true }

func (e *BreakersEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	breakers := svcctx.BreakersFrom(r.Context())
	resp := make(map[string]BreakerStatus, len(breakers))
	for stage, b := range breakers {
		resp[string(stage)] = BreakerStatus{
			State:               string(b.State()),
			ConsecutiveFailures: b.ConsecutiveFailures(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *BreakersEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "breakers",
		Short: "Show circuit breaker state per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp map[string]BreakerStatus
			if err := client.Get(cmd.Context(), "/api/pipeline/breakers", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
