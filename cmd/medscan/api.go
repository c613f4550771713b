package main

import (
	"github.com/spf13/cobra"

	"github.com/medscan/medscan/internal/server/endpoints"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running medscan server via HTTP.

These commands require a running server (medscan serve).
Use --server to specify a custom server URL.

Examples:
  medscan api health              # Check server health
  medscan api jobs list           # List jobs
  medscan api jobs watch <id>     # Stream live status for a job`,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Job management commands",
}

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	// Add --server flag to api command (persistent so all subcommands inherit it)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)

	// Health endpoints at top level of api
	apiCmd.AddCommand((&endpoints.HealthEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.ReadyEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.BreakersEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.MetricsEndpoint{}).Command(getServerURL))

	// Jobs as subcommand group
	jobsCmd.AddCommand((&endpoints.CreateJobEndpoint{}).Command(getServerURL))
	jobsCmd.AddCommand((&endpoints.ListJobsEndpoint{}).Command(getServerURL))
	jobsCmd.AddCommand((&endpoints.GetJobEndpoint{}).Command(getServerURL))
	jobsCmd.AddCommand((&endpoints.GetResultsEndpoint{}).Command(getServerURL))
	jobsCmd.AddCommand((&endpoints.JobEventsEndpoint{}).Command(getServerURL))
	jobsCmd.AddCommand((&endpoints.UpdateJobEndpoint{}).Command(getServerURL))

	apiCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(apiCmd)
}
