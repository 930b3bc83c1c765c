package indexstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/niviz/pkg/entity"
	"github.com/3leaps/niviz/pkg/index"
	"github.com/3leaps/niviz/pkg/match"
)

// ErrSnapshotNotFound is returned when no snapshot matches an identity.
var ErrSnapshotNotFound = errors.New("index snapshot not found")

// Identity is everything that determines the contents of an index.
// Any change produces a different snapshot id.
type Identity struct {
	Root          string              `json:"root"`
	Entities      []entity.Entity     `json:"entities"`
	Patterns      []entity.RuleConfig `json:"patterns"`
	Scope         match.Config        `json:"scope"`
	SchemaVersion int                 `json:"schema_version"`
}

// NewIdentity derives the identity of an index built from root with rules and scope.
func NewIdentity(root string, rules *entity.Rules, scope match.Config) Identity {
	return Identity{
		Root:          root,
		Entities:      rules.Vocabulary().Entities(),
		Patterns:      rules.Configs(),
		Scope:         scope,
		SchemaVersion: SchemaVersion,
	}
}

// ComputeSnapshotID returns the snapshot id and the canonical JSON it hashes.
func ComputeSnapshotID(id Identity) (string, string, error) {
	canonical, err := json.Marshal(id)
	if err != nil {
		return "", "", fmt.Errorf("marshal snapshot identity: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "snap_" + hex.EncodeToString(sum[:16]), string(canonical), nil
}

// Snapshot describes one stored index.
type Snapshot struct {
	SnapshotID     string
	Root           string
	FileCount      int
	UnmatchedCount int
	CreatedAt      time.Time
}

// Save stores ix under id, replacing any snapshot with the same identity.
func Save(ctx context.Context, db *sql.DB, id Identity, ix *index.Index) (*Snapshot, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	snapshotID, canonical, err := ComputeSnapshotID(id)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM snapshot_files WHERE snapshot_id = ?`,
		`DELETE FROM snapshot_unmatched WHERE snapshot_id = ?`,
		`DELETE FROM snapshots WHERE snapshot_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, snapshotID); err != nil {
			return nil, fmt.Errorf("clear snapshot: %w", err)
		}
	}

	snap := &Snapshot{
		SnapshotID:     snapshotID,
		Root:           id.Root,
		FileCount:      ix.Len(),
		UnmatchedCount: len(ix.Unmatched()),
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (snapshot_id, root, identity_json, file_count, unmatched_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.Root, canonical, snap.FileCount, snap.UnmatchedCount, snap.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}

	fileStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO snapshot_files (snapshot_id, rel, path, role, entities_json) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare file insert: %w", err)
	}
	defer func() { _ = fileStmt.Close() }()

	for _, f := range ix.Files() {
		pairs, err := json.Marshal(f.Entities.Pairs())
		if err != nil {
			return nil, fmt.Errorf("marshal entities for %s: %w", f.Rel, err)
		}
		if _, err := fileStmt.ExecContext(ctx, snapshotID, f.Rel, f.Path, f.Role, string(pairs)); err != nil {
			return nil, fmt.Errorf("insert file %s: %w", f.Rel, err)
		}
	}

	for _, rel := range ix.Unmatched() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_unmatched (snapshot_id, rel) VALUES (?, ?)`, snapshotID, rel); err != nil {
			return nil, fmt.Errorf("insert unmatched %s: %w", rel, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return snap, nil
}

// Load reconstructs the index stored under id. Entity sets are rebuilt
// against vocab; a stored key vocab does not know fails the load.
func Load(ctx context.Context, db *sql.DB, id Identity, vocab *entity.Vocabulary) (*index.Index, *Snapshot, error) {
	if db == nil {
		return nil, nil, errors.New("db is nil")
	}
	snapshotID, _, err := ComputeSnapshotID(id)
	if err != nil {
		return nil, nil, err
	}

	snap := &Snapshot{SnapshotID: snapshotID}
	var createdAt string
	err = db.QueryRowContext(ctx,
		`SELECT root, file_count, unmatched_count, created_at FROM snapshots WHERE snapshot_id = ?`, snapshotID,
	).Scan(&snap.Root, &snap.FileCount, &snap.UnmatchedCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query snapshot: %w", err)
	}
	if snap.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, nil, fmt.Errorf("parse created_at: %w", err)
	}

	files, err := loadFiles(ctx, db, snapshotID, vocab)
	if err != nil {
		return nil, nil, err
	}
	unmatched, err := loadUnmatched(ctx, db, snapshotID)
	if err != nil {
		return nil, nil, err
	}

	return index.New(snap.Root, files, unmatched), snap, nil
}

func loadFiles(ctx context.Context, db *sql.DB, snapshotID string, vocab *entity.Vocabulary) ([]index.File, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT rel, path, role, entities_json FROM snapshot_files WHERE snapshot_id = ? ORDER BY rel`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []index.File
	for rows.Next() {
		var f index.File
		var raw string
		if err := rows.Scan(&f.Rel, &f.Path, &f.Role, &raw); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		var pairs []entity.Pair
		if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
			return nil, fmt.Errorf("decode entities for %s: %w", f.Rel, err)
		}
		values := make(map[string]string, len(pairs))
		for _, p := range pairs {
			values[p.Key] = p.Value
		}
		if f.Entities, err = vocab.NewSet(values); err != nil {
			return nil, fmt.Errorf("rebuild entities for %s: %w", f.Rel, err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func loadUnmatched(ctx context.Context, db *sql.DB, snapshotID string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT rel FROM snapshot_unmatched WHERE snapshot_id = ? ORDER BY rel`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("query unmatched: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var rel string
		if err := rows.Scan(&rel); err != nil {
			return nil, fmt.Errorf("scan unmatched: %w", err)
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// List returns stored snapshots, most recent first.
func List(ctx context.Context, db *sql.DB) ([]Snapshot, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT snapshot_id, root, file_count, unmatched_count, created_at FROM snapshots ORDER BY created_at DESC, snapshot_id`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var createdAt string
		if err := rows.Scan(&s.SnapshotID, &s.Root, &s.FileCount, &s.UnmatchedCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
