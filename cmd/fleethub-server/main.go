package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fleethub/fleethub/internal/config"
	"github.com/fleethub/fleethub/internal/server"
)

// buildVersion is overridden at build time via -ldflags.
var buildVersion = "dev"

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	root := &cobra.Command{
		Use:   "fleethub-server",
		Short: "fleethub-server runs one replica of the fleet monitoring and remote-control hub",
	}
	root.AddCommand(newRunCommand(log))
	root.AddCommand(newVersionCommand())
	root.AddCommand(newConfigCheckCommand(log))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCommand(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(log)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildVersion)
			return nil
		},
	}
}

func newConfigCheckCommand(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "config-check",
		Short: "Validate environment configuration without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			fmt.Printf("config ok: replica_id=%s listen=%s auth_mode=%s\n", cfg.ReplicaID, cfg.ListenAddr, cfg.AuthMode)
			return nil
		},
	}
}

func run(log zerolog.Logger) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := server.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	srv, err := server.New(cfg, db, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-shutdownCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server shutdown complete")
	return nil
}
