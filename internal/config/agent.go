// Package config handles environment-variable configuration for both the
// agent and the server binaries.
package config

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// AgentConfig holds the agent's runtime configuration (spec §6).
type AgentConfig struct {
	ServerURL string // WebSocket URL of the server (ws:// or wss://)
	AgentID   string
	Secret    string

	HeartbeatInterval time.Duration
	InventoryInterval time.Duration
	Shell             string // overrides the platform default shell for terminal sessions
	LogLevel          string

	Hostname string
}

// DefaultAgentConfig returns an AgentConfig with spec-recommended
// interval defaults and a derived hostname.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		HeartbeatInterval: 15 * time.Second,
		InventoryInterval: 5 * time.Minute,
		LogLevel:          "info",
		Hostname:          stableHostname(),
	}
}

// stableHostname returns a stable hostname that doesn't change with
// network state (macOS's os.Hostname() can return a DHCP-derived name).
func stableHostname() string {
	if runtime.GOOS == "darwin" {
		if out, err := exec.Command("scutil", "--get", "LocalHostName").Output(); err == nil {
			if hostname := strings.TrimSpace(string(out)); hostname != "" {
				return hostname
			}
		}
	}
	hostname, _ := os.Hostname()
	if idx := strings.Index(hostname, "."); idx != -1 {
		hostname = hostname[:idx]
	}
	return hostname
}

// LoadAgentConfig reads AgentConfig from environment variables prefixed
// FLEETHUB_AGENT_.
func LoadAgentConfig() (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	cfg.ServerURL = os.Getenv("FLEETHUB_AGENT_SERVER_URL")
	if cfg.ServerURL == "" {
		return nil, errors.New("FLEETHUB_AGENT_SERVER_URL is required")
	}

	cfg.AgentID = os.Getenv("FLEETHUB_AGENT_ID")
	if cfg.AgentID == "" {
		cfg.AgentID = cfg.Hostname
	}

	cfg.Secret = os.Getenv("FLEETHUB_AGENT_SECRET")
	if cfg.Secret == "" {
		return nil, errors.New("FLEETHUB_AGENT_SECRET is required")
	}

	if v := os.Getenv("FLEETHUB_AGENT_HEARTBEAT_INTERVAL_S"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("FLEETHUB_AGENT_HEARTBEAT_INTERVAL_S must be a number of seconds")
		}
		cfg.HeartbeatInterval = time.Duration(seconds) * time.Second
	}

	if v := os.Getenv("FLEETHUB_AGENT_INVENTORY_INTERVAL_S"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("FLEETHUB_AGENT_INVENTORY_INTERVAL_S must be a number of seconds")
		}
		cfg.InventoryInterval = time.Duration(seconds) * time.Second
	}

	cfg.Shell = os.Getenv("FLEETHUB_AGENT_SHELL")

	if v := os.Getenv("FLEETHUB_AGENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLEETHUB_AGENT_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *AgentConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if c.AgentID == "" {
		return errors.New("agent id is required")
	}
	if c.Secret == "" {
		return errors.New("agent secret is required")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	if c.InventoryInterval < time.Second {
		return errors.New("inventory interval must be at least 1 second")
	}
	return nil
}
