// Package snapshotstore persists inventory snapshots as an append-only
// log, write-through before the agent is acknowledged (spec §4.2, §7).
package snapshotstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleethub/fleethub/internal/protocol"
)

// Store is the SQLite-backed snapshot log.
type Store struct {
	db        *sql.DB
	retention time.Duration
}

// New wraps an already-migrated *sql.DB. retention is how long snapshot
// rows are kept by Prune (spec's retention maintenance job, §4 Design
// Notes); zero disables pruning.
func New(db *sql.DB, retention time.Duration) *Store {
	return &Store{db: db, retention: retention}
}

// Migrate creates the snapshots table if it does not already exist.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS inventory_snapshots (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id      TEXT NOT NULL,
		collected_at  INTEGER NOT NULL,
		content_hash  TEXT NOT NULL,
		payload_json  TEXT NOT NULL,
		stored_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_agent_time ON inventory_snapshots(agent_id, collected_at);
	`)
	if err != nil {
		return fmt.Errorf("snapshotstore: migrate: %w", err)
	}
	return nil
}

// Store appends a new snapshot row for payload.AgentID, rejecting it if
// collected_at is not strictly greater than the most recent stored
// snapshot's collected_at (monotonicity invariant, spec §5). It returns
// changed=true when payload's content hash differs from the prior
// snapshot, which the Connection Hub surfaces via InventoryAckPayload.
func (s *Store) Store(ctx context.Context, payload protocol.InventoryPayload) (changed bool, err error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("snapshotstore: marshal payload: %w", err)
	}
	hashed := payload
	hashed.CollectedAt = 0
	hashData, err := json.Marshal(hashed)
	if err != nil {
		return false, fmt.Errorf("snapshotstore: marshal payload: %w", err)
	}
	hash := contentHash(hashData)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("snapshotstore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastCollectedAt int64
	var lastHash string
	err = tx.QueryRowContext(ctx, `
		SELECT collected_at, content_hash FROM inventory_snapshots
		WHERE agent_id = ? ORDER BY collected_at DESC LIMIT 1
	`, payload.AgentID).Scan(&lastCollectedAt, &lastHash)
	switch {
	case err == sql.ErrNoRows:
		changed = true
	case err != nil:
		return false, fmt.Errorf("snapshotstore: query last: %w", err)
	default:
		if payload.CollectedAt <= lastCollectedAt {
			return false, fmt.Errorf("snapshotstore: collected_at %d not after last %d for agent %s",
				payload.CollectedAt, lastCollectedAt, payload.AgentID)
		}
		changed = hash != lastHash
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_snapshots (agent_id, collected_at, content_hash, payload_json)
		VALUES (?, ?, ?, ?)
	`, payload.AgentID, payload.CollectedAt, hash, string(data))
	if err != nil {
		return false, fmt.Errorf("snapshotstore: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("snapshotstore: commit: %w", err)
	}
	return changed, nil
}

// Latest returns the most recently stored snapshot for agentID.
func (s *Store) Latest(ctx context.Context, agentID string) (protocol.InventoryPayload, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload_json FROM inventory_snapshots
		WHERE agent_id = ? ORDER BY collected_at DESC LIMIT 1
	`, agentID).Scan(&raw)
	if err != nil {
		return protocol.InventoryPayload{}, fmt.Errorf("snapshotstore: latest %s: %w", agentID, err)
	}
	var payload protocol.InventoryPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return protocol.InventoryPayload{}, fmt.Errorf("snapshotstore: corrupt snapshot for %s: %w", agentID, err)
	}
	return payload, nil
}

// Prune deletes snapshot rows older than retention, keeping at least the
// single most recent row per agent regardless of age.
func (s *Store) Prune(ctx context.Context, now time.Time) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.retention).Unix()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM inventory_snapshots
		WHERE collected_at < ?
		AND id NOT IN (
			SELECT MAX(id) FROM inventory_snapshots GROUP BY agent_id
		)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("snapshotstore: prune: %w", err)
	}
	return res.RowsAffected()
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
