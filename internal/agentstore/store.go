// Package agentstore persists Agent records: identity, bcrypt-hashed
// connection secrets, and the metadata surfaced by the operator UI.
package agentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrNotFound is returned when no agent record exists for the given ID.
var ErrNotFound = errors.New("agentstore: agent not found")

// ErrBadSecret is returned by VerifySecret when the supplied secret does
// not match the stored hash.
var ErrBadSecret = errors.New("agentstore: secret mismatch")

// Agent is one registered agent identity.
type Agent struct {
	AgentID     string
	SecretHash  string
	DisplayName string
	CreatedAt   time.Time
	LastSeenAt  sql.NullTime
}

// Store is the SQLite-backed Agent record store.
type Store struct {
	db *sql.DB
}

// New wraps an already-migrated *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the agents table if it does not already exist.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		agent_id     TEXT PRIMARY KEY,
		secret_hash  TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_seen_at DATETIME
	);
	`)
	if err != nil {
		return fmt.Errorf("agentstore: migrate: %w", err)
	}
	return nil
}

// Enroll creates a new agent record with a bcrypt-hashed secret. Callers
// are responsible for distributing plainSecret to the agent out of band.
func (s *Store) Enroll(ctx context.Context, agentID, displayName, plainSecret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plainSecret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("agentstore: hash secret: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, secret_hash, display_name)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET secret_hash = excluded.secret_hash, display_name = excluded.display_name
	`, agentID, string(hash), displayName)
	if err != nil {
		return fmt.Errorf("agentstore: enroll %s: %w", agentID, err)
	}
	return nil
}

// VerifySecret checks plainSecret against the stored bcrypt hash for
// agentID and, on success, stamps last_seen_at. Used by the Connection
// Hub during the hello/welcome handshake (spec §4.2, §4.4).
func (s *Store) VerifySecret(ctx context.Context, agentID, plainSecret string) error {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT secret_hash FROM agents WHERE agent_id = ?`, agentID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("agentstore: lookup %s: %w", agentID, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plainSecret)); err != nil {
		return ErrBadSecret
	}
	_, err = s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = CURRENT_TIMESTAMP WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("agentstore: stamp last_seen %s: %w", agentID, err)
	}
	return nil
}

// Get returns one agent record.
func (s *Store) Get(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, secret_hash, display_name, created_at, last_seen_at
		FROM agents WHERE agent_id = ?
	`, agentID).Scan(&a.AgentID, &a.SecretHash, &a.DisplayName, &a.CreatedAt, &a.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("agentstore: get %s: %w", agentID, err)
	}
	return a, nil
}

// List returns every known agent, ordered by agent_id.
func (s *Store) List(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, secret_hash, display_name, created_at, last_seen_at
		FROM agents ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("agentstore: list: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.AgentID, &a.SecretHash, &a.DisplayName, &a.CreatedAt, &a.LastSeenAt); err != nil {
			return nil, fmt.Errorf("agentstore: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
