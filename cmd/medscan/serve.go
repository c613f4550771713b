package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/medscan/medscan/internal/config"
	"github.com/medscan/medscan/internal/home"
	"github.com/medscan/medscan/internal/server"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the medscan server",
	Long: `Start the medscan HTTP server and pipeline coordinator.

On startup, jobs left in a non-terminal state are resumed from their
last persisted stage.

The server provides:
  - /health              - Basic server health check
  - /ready               - Readiness check (includes job store)
  - /api/jobs            - Job creation and listing
  - /api/jobs/{id}/events - Live status event stream

Examples:
  medscan serve                    # Start on default port 8080
  medscan serve --port 3000        # Start on custom port
  medscan serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Set up logger
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		// Get home directory
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		// Load configuration with hot reload
		configPath := cfgFile
		if configPath == "" && h.ConfigExists() {
			configPath = h.ConfigPath()
		}
		cm, err := config.NewManager(configPath)
		if err != nil {
			return err
		}
		cm.WatchConfig()

		cfg := cm.Get()
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = h.DataPath()
		}

		// Flags win over config file values.
		host := serveHost
		if !cmd.Flags().Changed("host") && cfg.Server.Host != "" {
			host = cfg.Server.Host
		}
		port := servePort
		if !cmd.Flags().Changed("port") && cfg.Server.Port != 0 {
			port = cfg.Server.Port
		}

		// Create server
		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			DataDir:       dataDir,
			ConfigManager: cm,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
