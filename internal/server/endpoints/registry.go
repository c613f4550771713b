// Package endpoints contains all HTTP API endpoints for the medscan server.
// Each endpoint implements api.Endpoint, providing both the HTTP route and
// a CLI command that calls it.
package endpoints

import (
	"github.com/medscan/medscan/internal/api"
)

// All returns every endpoint for registration.
func All() []api.Endpoint {
	return []api.Endpoint{
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&CreateJobEndpoint{},
		&ListJobsEndpoint{},
		&GetJobEndpoint{},
		&GetResultsEndpoint{},
		&JobEventsEndpoint{},
		&UpdateJobEndpoint{},
		&BreakersEndpoint{},
		&MetricsEndpoint{},
	}
}
