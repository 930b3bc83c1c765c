package indexstore

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the snapshot schema written by Migrate.
const SchemaVersion = 1

// Migrate creates (or upgrades) the snapshot schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id TEXT PRIMARY KEY,
			root TEXT NOT NULL,
			-- identity_json is the canonical rules + scope payload the id hashes.
			identity_json TEXT NOT NULL,
			file_count INTEGER NOT NULL,
			unmatched_count INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_root ON snapshots(root);`,

		`CREATE TABLE IF NOT EXISTS snapshot_files (
			snapshot_id TEXT NOT NULL,
			rel TEXT NOT NULL,
			path TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			-- entities_json holds the ordered key/value pairs.
			entities_json TEXT NOT NULL,
			PRIMARY KEY (snapshot_id, rel),
			FOREIGN KEY(snapshot_id) REFERENCES snapshots(snapshot_id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS snapshot_unmatched (
			snapshot_id TEXT NOT NULL,
			rel TEXT NOT NULL,
			PRIMARY KEY (snapshot_id, rel),
			FOREIGN KEY(snapshot_id) REFERENCES snapshots(snapshot_id) ON DELETE CASCADE
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
