package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fleethub/fleethub/internal/agent"
	"github.com/fleethub/fleethub/internal/config"
	"github.com/fleethub/fleethub/internal/inventory"
)

var buildVersion = "dev"

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	root := &cobra.Command{
		Use:   "fleethub-agent",
		Short: "fleethub-agent connects one host to a fleethub-server replica",
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
		Short: "Run the agent (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(log)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildVersion)
			return nil
		},
	}
}

// newConfigCheckCommand validates env config and probes the server's
// /healthz endpoint without opening a WebSocket, grounded on the
// teacher's -check flag (SPEC_FULL.md §E).
func newConfigCheckCommand(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "config-check",
		Short: "Validate environment configuration and probe the server's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgentConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			healthURL := healthzURL(cfg.ServerURL)
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(healthURL)
			if err != nil {
				return fmt.Errorf("probe %s: %w", healthURL, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("probe %s: unexpected status %d", healthURL, resp.StatusCode)
			}
			fmt.Printf("config ok: agent_id=%s server=%s (healthz reachable)\n", cfg.AgentID, cfg.ServerURL)
			return nil
		},
	}
}

func healthzURL(serverURL string) string {
	u := strings.Replace(serverURL, "wss://", "https://", 1)
	u = strings.Replace(u, "ws://", "http://", 1)
	if idx := strings.LastIndex(u, "/ws"); idx != -1 {
		u = u[:idx]
	}
	return strings.TrimSuffix(u, "/") + "/healthz"
}

func run(log zerolog.Logger) error {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	extensions := []inventory.Extension{}
	if dockerExt, err := inventory.NewDockerExtension(); err == nil {
		extensions = append(extensions, dockerExt)
	} else {
		log.Debug().Err(err).Msg("docker inventory extension unavailable")
	}

	a := agent.New(cfg, log, extensions...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdownCh
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	return a.Run(ctx)
}
