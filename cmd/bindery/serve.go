package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bindery/internal/config"
	"github.com/jackzampolin/bindery/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Bindery server",
	Long: `Start the Bindery HTTP server and processing pipeline.

Storage defaults to SQLite in the home directory. With database.driver set
to postgres and no DSN, a local PostgreSQL container is started and stopped
with the server. Config file changes to rate limits, detection and cache
policy apply without a restart.

The server provides:
  - /health  - Basic server health check
  - /ready   - Readiness check (includes database status)
  - /swagger - API documentation

Examples:
  bindery serve                    # Start on default port 8080
  bindery serve --port 3000        # Start on custom port
  bindery serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger, err := newLogger()
		if err != nil {
			return err
		}

		h, err := getHome()
		if err != nil {
			return err
		}

		if pid, err := h.RunningPid(); err != nil {
			return err
		} else if pid != 0 {
			return fmt.Errorf("bindery is already running (pid %d) with home %s", pid, h.Path())
		}
		if err := h.WritePid(); err != nil {
			return err
		}
		defer h.RemovePid()

		cm, err := config.NewManager(cfgFile, h.Path(), logger)
		if err != nil {
			return err
		}
		cm.WatchConfig()

		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          servePort,
			Home:          h,
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
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
