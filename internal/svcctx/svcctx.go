// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/medscan/medscan/internal/config"
	"github.com/medscan/medscan/internal/home"
	"github.com/medscan/medscan/internal/hub"
	"github.com/medscan/medscan/internal/metrics"
	"github.com/medscan/medscan/internal/pipeline"
	"github.com/medscan/medscan/internal/policy"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Store       pipeline.Store
	Coordinator *pipeline.Coordinator
	Hub         *hub.Hub

	// Breakers exposes the per-stage circuit breakers for operator
	// endpoints.
	Breakers map[pipeline.StageName]*policy.Breaker

	// Metrics exposes per-stage counters for operator endpoints.
	Metrics *metrics.Recorder

	ConfigManager *config.Manager
	Logger        *slog.Logger
	Home          *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the job store from context.
func StoreFrom(ctx context.Context) pipeline.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// CoordinatorFrom extracts the pipeline coordinator from context.
func CoordinatorFrom(ctx context.Context) *pipeline.Coordinator {
	if s := ServicesFrom(ctx); s != nil {
		return s.Coordinator
	}
	return nil
}

// HubFrom extracts the notification hub from context.
func HubFrom(ctx context.Context) *hub.Hub {
	if s := ServicesFrom(ctx); s != nil {
		return s.Hub
	}
	return nil
}

// BreakersFrom extracts the per-stage circuit breakers from context.
func BreakersFrom(ctx context.Context) map[pipeline.StageName]*policy.Breaker {
	if s := ServicesFrom(ctx); s != nil {
		return s.Breakers
	}
	return nil
}

// MetricsFrom extracts the stage metrics recorder from context.
func MetricsFrom(ctx context.Context) *metrics.Recorder {
	if s := ServicesFrom(ctx); s != nil {
		return s.Metrics
	}
	return nil
}

// ConfigManagerFrom extracts the config manager from context.
func ConfigManagerFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.ConfigManager
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
