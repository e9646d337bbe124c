package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds one replica's runtime configuration, loaded from
// environment variables (spec §6, §9 "no process-wide singletons" —
// this struct is passed explicitly to every collaborator that needs it).
type ServerConfig struct {
	ListenAddr string
	ReplicaID  string // defaults to hostname-pid if unset

	RedisURL string // presence directory backing store

	AuthMode         string // "oidc" (default) or "static" for local/dev deployments
	OIDCIssuer       string
	OIDCClientID     string
	StaticAuthSecret string // HMAC secret for AuthMode=="static"

	DatabasePath string
	DataDir      string

	AllowedOrigins []string

	HeartbeatInterval  time.Duration // advertised to agents in welcome
	InventoryInterval  time.Duration // advertised to agents in welcome
	HeartbeatTimeout   time.Duration // T_offline_declare
	PresenceTTL        time.Duration // T_presence
	SnapshotRetention  time.Duration
	ReconcileInterval  time.Duration // loaded and validated; no scheduled job reads it
	DrainTimeout       time.Duration // T_drain on shutdown
	EvictTimeout       time.Duration // T_handover: bound on waiting for a cross-replica eviction ack
	SessionIdleTimeout time.Duration // T_session_idle: terminal session teardown after no bytes either direction

	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// LoadServerConfig reads ServerConfig from environment variables prefixed
// FLEETHUB_SERVER_.
func LoadServerConfig() (*ServerConfig, error) {
	dataDir := getEnv("FLEETHUB_SERVER_DATA_DIR", "/data")

	cfg := &ServerConfig{
		ListenAddr:   getEnv("FLEETHUB_SERVER_LISTEN", ":8080"),
		ReplicaID:    getEnv("FLEETHUB_SERVER_REPLICA_ID", defaultReplicaID()),
		RedisURL:     os.Getenv("FLEETHUB_SERVER_REDIS_URL"),
		AuthMode:         getEnv("FLEETHUB_SERVER_AUTH_MODE", "oidc"),
		OIDCIssuer:       os.Getenv("FLEETHUB_SERVER_OIDC_ISSUER"),
		OIDCClientID:     os.Getenv("FLEETHUB_SERVER_OIDC_CLIENT_ID"),
		StaticAuthSecret: os.Getenv("FLEETHUB_SERVER_STATIC_AUTH_SECRET"),
		DatabasePath:     getEnv("FLEETHUB_SERVER_DB_PATH", dataDir+"/fleethub.db"),
		DataDir:      dataDir,

		AllowedOrigins: parseOrigins("FLEETHUB_SERVER_ALLOWED_ORIGINS"),

		HeartbeatInterval: parseDuration("FLEETHUB_SERVER_HEARTBEAT_INTERVAL", 15*time.Second),
		InventoryInterval: parseDuration("FLEETHUB_SERVER_INVENTORY_INTERVAL", 5*time.Minute),
		HeartbeatTimeout:  parseDuration("FLEETHUB_SERVER_HEARTBEAT_TIMEOUT", 90*time.Second),
		PresenceTTL:       parseDuration("FLEETHUB_SERVER_PRESENCE_TTL", 45*time.Second),
		SnapshotRetention: parseDuration("FLEETHUB_SERVER_SNAPSHOT_RETENTION", 30*24*time.Hour),
		ReconcileInterval: parseDuration("FLEETHUB_SERVER_RECONCILE_INTERVAL", time.Minute),
		DrainTimeout:      parseDuration("FLEETHUB_SERVER_DRAIN_TIMEOUT", 20*time.Second),
		EvictTimeout:      parseDuration("FLEETHUB_SERVER_EVICT_TIMEOUT", 5*time.Second),
		SessionIdleTimeout: parseDuration("FLEETHUB_SERVER_SESSION_IDLE_TIMEOUT", 10*time.Minute),

		RateLimitRequests: parseInt("FLEETHUB_SERVER_RATE_LIMIT", 10),
		RateLimitWindow:   parseDuration("FLEETHUB_SERVER_RATE_WINDOW", time.Minute),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) validate() error {
	var errs []string
	if c.RedisURL == "" {
		errs = append(errs, "FLEETHUB_SERVER_REDIS_URL is required (use memory:// for a single-replica deployment)")
	}
	switch c.AuthMode {
	case "oidc":
		if c.OIDCIssuer == "" {
			errs = append(errs, "FLEETHUB_SERVER_OIDC_ISSUER is required when FLEETHUB_SERVER_AUTH_MODE=oidc")
		}
		if c.OIDCClientID == "" {
			errs = append(errs, "FLEETHUB_SERVER_OIDC_CLIENT_ID is required when FLEETHUB_SERVER_AUTH_MODE=oidc")
		}
	case "static":
		if c.StaticAuthSecret == "" {
			errs = append(errs, "FLEETHUB_SERVER_STATIC_AUTH_SECRET is required when FLEETHUB_SERVER_AUTH_MODE=static")
		}
	default:
		errs = append(errs, "FLEETHUB_SERVER_AUTH_MODE must be \"oidc\" or \"static\"")
	}
	if c.PresenceTTL <= 2*c.HeartbeatInterval {
		errs = append(errs, "FLEETHUB_SERVER_PRESENCE_TTL must be greater than twice the heartbeat interval")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// UsesMemoryDirectory reports whether RedisURL opts into the in-process
// Presence Directory instead of Redis (single-replica deployments only).
func (c *ServerConfig) UsesMemoryDirectory() bool {
	return strings.HasPrefix(c.RedisURL, "memory://")
}

func defaultReplicaID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "replica"
	}
	return hostname + "-" + strconv.Itoa(os.Getpid())
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
