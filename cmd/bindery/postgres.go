package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bindery/internal/config"
	"github.com/jackzampolin/bindery/internal/home"
	"github.com/jackzampolin/bindery/internal/pgdocker"
)

var postgresCmd = &cobra.Command{
	Use:   "postgres",
	Short: "Manage the local PostgreSQL container",
	Long: `Manage the PostgreSQL container used when database.driver is postgres
and no DSN is configured.

Data is persisted to ~/.bindery/postgres/. The server starts this container
on its own; these commands are for inspecting it or running it ahead of time.

Examples:
  bindery postgres start   # Start the container
  bindery postgres stop    # Stop the container (data preserved)
  bindery postgres status  # Check container status
  bindery postgres logs    # View container logs`,
}

var postgresStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the PostgreSQL container",
	Long: `Start the PostgreSQL container.

If the container doesn't exist, it will be created and started.
If it exists but is stopped, it will be started.
If it's already running, this is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Starting PostgreSQL...")
		if err := mgr.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start PostgreSQL: %w", err)
		}

		fmt.Printf("PostgreSQL is running as %s\n", mgr.ContainerName())
		return nil
	},
}

var postgresStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the PostgreSQL container",
	Long: `Stop the PostgreSQL container.

This stops the container but preserves data. Use 'bindery postgres start'
to restart it later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Stopping PostgreSQL...")
		if err := mgr.Stop(cmd.Context()); err != nil {
			return fmt.Errorf("failed to stop PostgreSQL: %w", err)
		}

		fmt.Println("PostgreSQL stopped")
		return nil
	},
}

var postgresStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show PostgreSQL container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		status, err := mgr.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		switch status {
		case pgdocker.StatusRunning:
			fmt.Printf("Status: %s\n", status)
			fmt.Printf("Container: %s\n", mgr.ContainerName())
			fmt.Printf("DSN: %s\n", mgr.DSN())
		case pgdocker.StatusStopped:
			fmt.Printf("Status: %s (use 'bindery postgres start' to start)\n", status)
		case pgdocker.StatusNotFound:
			fmt.Printf("Status: %s (use 'bindery postgres start' to create)\n", status)
		default:
			fmt.Printf("Status: %s\n", status)
		}

		return nil
	},
}

var logsTail string

var postgresLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show PostgreSQL container logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		logs, err := mgr.Logs(cmd.Context(), logsTail)
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}

		fmt.Print(logs)
		return nil
	},
}

var postgresRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the PostgreSQL container",
	Long: `Remove the PostgreSQL container.

This stops and removes the container. Data in ~/.bindery/postgres/
is NOT deleted - only the container is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Removing PostgreSQL container...")
		if err := mgr.Remove(cmd.Context()); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}

		fmt.Println("PostgreSQL container removed (data preserved)")
		return nil
	},
}

var postgresWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for PostgreSQL to accept connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		fmt.Printf("Waiting for PostgreSQL (timeout: %s)...\n", timeout)

		if err := mgr.WaitReady(cmd.Context(), timeout); err != nil {
			return fmt.Errorf("PostgreSQL not ready: %w", err)
		}

		fmt.Println("PostgreSQL is ready")
		return nil
	},
}

func init() {
	postgresCmd.AddCommand(postgresStartCmd)
	postgresCmd.AddCommand(postgresStopCmd)
	postgresCmd.AddCommand(postgresStatusCmd)
	postgresCmd.AddCommand(postgresLogsCmd)
	postgresCmd.AddCommand(postgresRemoveCmd)
	postgresCmd.AddCommand(postgresWaitCmd)

	postgresLogsCmd.Flags().StringVar(&logsTail, "tail", "100", "Number of lines to show from the end")
	postgresWaitCmd.Flags().Duration("timeout", 30*time.Second, "Timeout waiting for PostgreSQL")

	rootCmd.AddCommand(postgresCmd)
}

// getPostgresManager creates a DockerManager from the loaded config.
func getPostgresManager() (*pgdocker.DockerManager, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}
	cm, err := config.NewManager(cfgFile, h.Path(), nil)
	if err != nil {
		return nil, err
	}
	return newPostgresManager(h, cm.Get())
}

func newPostgresManager(h *home.Dir, c *config.Config) (*pgdocker.DockerManager, error) {
	dataPath := h.PostgresPath()
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return pgdocker.NewDockerManager(c.PostgresConfig(h.Path(), dataPath))
}
