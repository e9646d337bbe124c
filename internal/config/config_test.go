package config

import "testing"

func TestLoadAgentConfig_RequiresServerURL(t *testing.T) {
	t.Setenv("FLEETHUB_AGENT_SERVER_URL", "")
	t.Setenv("FLEETHUB_AGENT_SECRET", "s3cret")
	if _, err := LoadAgentConfig(); err == nil {
		t.Fatal("expected error when server URL is missing")
	}
}

func TestLoadAgentConfig_Defaults(t *testing.T) {
	t.Setenv("FLEETHUB_AGENT_SERVER_URL", "wss://fleethub.example/ws")
	t.Setenv("FLEETHUB_AGENT_SECRET", "s3cret")
	t.Setenv("FLEETHUB_AGENT_ID", "agent-1")

	cfg, err := LoadAgentConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AgentID != "agent-1" {
		t.Fatalf("expected agent id agent-1, got %s", cfg.AgentID)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadServerConfig_RequiresOIDCAndRedis(t *testing.T) {
	t.Setenv("FLEETHUB_SERVER_REDIS_URL", "")
	t.Setenv("FLEETHUB_SERVER_OIDC_ISSUER", "")
	t.Setenv("FLEETHUB_SERVER_OIDC_CLIENT_ID", "")
	if _, err := LoadServerConfig(); err == nil {
		t.Fatal("expected error when required server config is missing")
	}
}

func TestLoadServerConfig_MemoryDirectory(t *testing.T) {
	t.Setenv("FLEETHUB_SERVER_REDIS_URL", "memory://local")
	t.Setenv("FLEETHUB_SERVER_OIDC_ISSUER", "https://issuer.example")
	t.Setenv("FLEETHUB_SERVER_OIDC_CLIENT_ID", "fleethub-server")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.UsesMemoryDirectory() {
		t.Fatal("expected memory directory to be selected")
	}
}

func TestLoadServerConfig_StaticAuthMode(t *testing.T) {
	t.Setenv("FLEETHUB_SERVER_REDIS_URL", "memory://local")
	t.Setenv("FLEETHUB_SERVER_OIDC_ISSUER", "")
	t.Setenv("FLEETHUB_SERVER_OIDC_CLIENT_ID", "")
	t.Setenv("FLEETHUB_SERVER_AUTH_MODE", "static")
	t.Setenv("FLEETHUB_SERVER_STATIC_AUTH_SECRET", "")

	if _, err := LoadServerConfig(); err == nil {
		t.Fatal("expected error when static auth secret is missing")
	}

	t.Setenv("FLEETHUB_SERVER_STATIC_AUTH_SECRET", "dev-secret")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthMode != "static" {
		t.Fatalf("expected static auth mode, got %s", cfg.AuthMode)
	}
}

func TestLoadServerConfig_RejectsTooShortPresenceTTL(t *testing.T) {
	t.Setenv("FLEETHUB_SERVER_REDIS_URL", "memory://local")
	t.Setenv("FLEETHUB_SERVER_OIDC_ISSUER", "https://issuer.example")
	t.Setenv("FLEETHUB_SERVER_OIDC_CLIENT_ID", "fleethub-server")
	t.Setenv("FLEETHUB_SERVER_PRESENCE_TTL", "1s")
	t.Setenv("FLEETHUB_SERVER_HEARTBEAT_INTERVAL", "15s")

	if _, err := LoadServerConfig(); err == nil {
		t.Fatal("expected error when presence TTL is too short relative to heartbeat interval")
	}
}
