package agentstore

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func TestEnrollAndVerifySecret(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Enroll(ctx, "agent-1", "Agent One", "s3cret"); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	if err := store.VerifySecret(ctx, "agent-1", "s3cret"); err != nil {
		t.Fatalf("verify secret: %v", err)
	}

	agent, err := store.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !agent.LastSeenAt.Valid {
		t.Fatal("expected last_seen_at to be stamped after a successful verify")
	}
}

func TestVerifySecret_WrongSecret(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Enroll(ctx, "agent-1", "Agent One", "s3cret"); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	if err := store.VerifySecret(ctx, "agent-1", "wrong"); err != ErrBadSecret {
		t.Fatalf("expected ErrBadSecret, got %v", err)
	}
}

func TestVerifySecret_UnknownAgent(t *testing.T) {
	store := newTestStore(t)
	if err := store.VerifySecret(context.Background(), "ghost", "whatever"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnroll_ReplacesSecretOnReEnroll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Enroll(ctx, "agent-1", "Agent One", "first"); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if err := store.Enroll(ctx, "agent-1", "Agent One Renamed", "second"); err != nil {
		t.Fatalf("re-enroll: %v", err)
	}

	if err := store.VerifySecret(ctx, "agent-1", "first"); err != ErrBadSecret {
		t.Fatalf("expected old secret to be rejected, got %v", err)
	}
	if err := store.VerifySecret(ctx, "agent-1", "second"); err != nil {
		t.Fatalf("expected new secret to verify: %v", err)
	}
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Enroll(ctx, "agent-b", "B", "b"); err != nil {
		t.Fatalf("enroll b: %v", err)
	}
	if err := store.Enroll(ctx, "agent-a", "A", "a"); err != nil {
		t.Fatalf("enroll a: %v", err)
	}

	agents, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 2 || agents[0].AgentID != "agent-a" || agents[1].AgentID != "agent-b" {
		t.Fatalf("expected [agent-a agent-b] in order, got %+v", agents)
	}
}
