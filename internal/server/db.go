package server

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/fleethub/fleethub/internal/agentstore"
	"github.com/fleethub/fleethub/internal/snapshotstore"
)

// OpenDatabase opens the replica's SQLite database in WAL mode and
// applies the Agent record store and Snapshot Store migrations.
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("server: open database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("server: enable WAL mode: %w", err)
	}
	if err := agentstore.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("server: migrate agent store: %w", err)
	}
	if err := snapshotstore.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("server: migrate snapshot store: %w", err)
	}
	return db, nil
}
