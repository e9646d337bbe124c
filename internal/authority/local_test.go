package authority_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "modernc.org/sqlite"

	"github.com/fleethub/fleethub/internal/agentstore"
	"github.com/fleethub/fleethub/internal/authority"
)

func newAgentsForAuthority(t *testing.T) *agentstore.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := agentstore.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return agentstore.New(db)
}

func signToken(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestStaticAuthority_VerifyOperatorToken(t *testing.T) {
	agents := newAgentsForAuthority(t)
	a := authority.NewStaticAuthority("test-secret", agents)

	raw := signToken(t, "test-secret", jwt.MapClaims{
		"sub":    "operator-1",
		"email":  "op@example.com",
		"groups": []string{"on-call"},
		"exp":    time.Now().Add(time.Hour).Unix(),
	})

	identity, err := a.VerifyOperatorToken(context.Background(), raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.Subject != "operator-1" || identity.Email != "op@example.com" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestStaticAuthority_RejectsWrongSecret(t *testing.T) {
	agents := newAgentsForAuthority(t)
	a := authority.NewStaticAuthority("test-secret", agents)

	raw := signToken(t, "other-secret", jwt.MapClaims{
		"sub": "operator-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := a.VerifyOperatorToken(context.Background(), raw); err == nil {
		t.Fatal("expected rejection for wrong signing secret")
	}
}

func TestStaticAuthority_RejectsExpired(t *testing.T) {
	agents := newAgentsForAuthority(t)
	a := authority.NewStaticAuthority("test-secret", agents)

	raw := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "operator-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	if _, err := a.VerifyOperatorToken(context.Background(), raw); err == nil {
		t.Fatal("expected rejection for expired token")
	}
}

func TestStaticAuthority_VerifyAgentSecret(t *testing.T) {
	agents := newAgentsForAuthority(t)
	if err := agents.Enroll(context.Background(), "agent-1", "Agent One", "s3cret"); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	a := authority.NewStaticAuthority("test-secret", agents)

	if err := a.VerifyAgentSecret(context.Background(), "agent-1", "s3cret"); err != nil {
		t.Fatalf("verify agent secret: %v", err)
	}
	if err := a.VerifyAgentSecret(context.Background(), "agent-1", "wrong"); err == nil {
		t.Fatal("expected rejection for wrong agent secret")
	}
}
