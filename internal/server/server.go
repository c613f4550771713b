// Package server assembles the medscan HTTP server: store, stage
// adapters, coordinator and notification hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/medscan/medscan/internal/api"
	"github.com/medscan/medscan/internal/config"
	"github.com/medscan/medscan/internal/hub"
	"github.com/medscan/medscan/internal/metrics"
	"github.com/medscan/medscan/internal/pipeline"
	"github.com/medscan/medscan/internal/policy"
	"github.com/medscan/medscan/internal/server/endpoints"
	"github.com/medscan/medscan/internal/stages"
	"github.com/medscan/medscan/internal/store"
	"github.com/medscan/medscan/internal/svcctx"
)

// Server is the main medscan HTTP server. It owns the job store and the
// pipeline coordinator lifecycle.
type Server struct {
	httpServer  *http.Server
	store       *store.SQLite
	coordinator *pipeline.Coordinator
	hub         *hub.Hub
	configMgr   *config.Manager
	logger      *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port int
	// DataDir is where the job database lives
	DataDir string
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	appCfg := cfg.ConfigManager.Get()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}

	h := hub.New(cfg.Logger)

	adapters, breakers, err := buildAdapters(appCfg, cfg.Logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	recorder := metrics.NewRecorder()

	coordinator, err := pipeline.NewCoordinator(pipeline.CoordinatorConfig{
		Store:     st,
		Notifier:  h,
		Adapters:  adapters,
		Workers:   appCfg.Coordinator.Workers,
		QueueSize: appCfg.Coordinator.QueueSize,
		Observer:  recorder,
		Logger:    cfg.Logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	s := &Server{
		store:       st,
		coordinator: coordinator,
		hub:         h,
		configMgr:   cfg.ConfigManager,
		logger:      cfg.Logger,
	}

	s.services = &svcctx.Services{
		Store:         st,
		Coordinator:   coordinator,
		Hub:           h,
		Breakers:      breakers,
		Metrics:       recorder,
		ConfigManager: cfg.ConfigManager,
		Logger:        cfg.Logger,
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:     s.withServices(mux),
		ReadTimeout: 30 * time.Second,
		// No write timeout: the event stream endpoint holds connections
		// open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// buildAdapters constructs the policy-wrapped stage adapters from config.
func buildAdapters(cfg *config.Config, logger *slog.Logger) ([]pipeline.StageAdapter, map[pipeline.StageName]*policy.Breaker, error) {
	segmentation, err := stages.NewSegmentation(stages.SegmentationConfig{
		Endpoint: cfg.Stages.Segmentation.Endpoint,
		APIKey:   config.ResolveEnvVars(cfg.Stages.Segmentation.APIKey),
		Timeout:  cfg.Stages.Segmentation.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create segmentation adapter: %w", err)
	}

	vision, err := stages.NewVision(stages.VisionConfig{
		APIKey:          config.ResolveEnvVars(cfg.Stages.Conversion.APIKey),
		Model:           cfg.Stages.Conversion.Model,
		Timeout:         cfg.Stages.Conversion.Timeout,
		ArtifactBaseURL: cfg.Stages.Conversion.ArtifactBaseURL,
		Logger:          logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create vision adapter: %w", err)
	}

	guidelines := ""
	if path := cfg.Stages.Enhancement.GuidelinesFile; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read guidelines file: %w", err)
		}
		guidelines = string(data)
	}
	enhance, err := stages.NewEnhance(stages.EnhanceConfig{
		APIKey:     config.ResolveEnvVars(cfg.Stages.Enhancement.APIKey),
		Model:      cfg.Stages.Enhancement.Model,
		Timeout:    cfg.Stages.Enhancement.Timeout,
		Guidelines: guidelines,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create enhancement adapter: %w", err)
	}

	var adapters []pipeline.StageAdapter
	breakers := make(map[pipeline.StageName]*policy.Breaker)
	for _, inner := range []pipeline.StageAdapter{segmentation, vision, enhance} {
		wrapped := policy.Wrap(inner, cfg.StagePolicy(inner.Stage()), logger)
		adapters = append(adapters, wrapped)
		breakers[inner.Stage()] = wrapped.Breaker()
	}
	return adapters, breakers, nil
}

// Start starts the HTTP server and the pipeline coordinator. It blocks
// until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting pipeline coordinator")
		if err := s.coordinator.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("coordinator error: %w", err)
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err, ok := <-errCh:
			if ok && err != nil {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		}
	})

	err := g.Wait()
	if shutdownErr := s.shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

// shutdown performs graceful shutdown of the HTTP server and the store.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Coordinator returns the pipeline coordinator.
func (s *Server) Coordinator() *pipeline.Coordinator {
	return s.coordinator
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.services != nil {
			ctx = svcctx.WithServices(ctx, s.services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable if the store or coordinator aren't ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil || s.coordinator == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
