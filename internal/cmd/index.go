package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/niviz/internal/config"
	"github.com/3leaps/niviz/internal/observability"
	"github.com/3leaps/niviz/pkg/index"
	"github.com/3leaps/niviz/pkg/indexstore"
	"github.com/3leaps/niviz/pkg/match"
	"github.com/3leaps/niviz/pkg/spec"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage index snapshots",
	Long: `Manage index snapshots of derivative trees.

A snapshot stores the files and parsed entities of one walk. It is keyed by
the root, the entity vocabulary, the pattern rules and the index scope, so it
is reused only when all four are unchanged. Use "svg --index-db" to run from
a snapshot instead of walking the tree again.`,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

// resolveIndexDBPath resolves the snapshot database path: the explicit
// flag, then the index_db config key, then the app data dir.
func resolveIndexDBPath(explicit string) (string, error) {
	if p := strings.TrimSpace(explicit); p != "" {
		return p, nil
	}
	if cfg := config.GetConfig(); cfg != nil && strings.TrimSpace(cfg.IndexDB) != "" {
		return cfg.IndexDB, nil
	}

	identity := GetAppIdentity()
	if identity == nil || strings.TrimSpace(identity.ConfigName) == "" {
		return "", fmt.Errorf("app identity is not available to derive default index path")
	}
	dataDir := gfconfig.GetAppDataDir(identity.ConfigName)
	return filepath.Join(dataDir, "indexes", "niviz-index.db"), nil
}

// buildIndex walks root with the document's rules and scope.
func buildIndex(ctx context.Context, root string, doc *spec.Document) (*index.Index, error) {
	scope, err := match.New(doc.Scope)
	if err != nil {
		return nil, err
	}
	return index.Build(ctx, root, doc.Rules, index.Options{
		Scope:  scope,
		Logger: observability.CLILogger.Named("index"),
	})
}

// snapshotIndex returns the index for root from the snapshot store,
// walking and saving a new snapshot when none matches or rebuild is set.
func snapshotIndex(ctx context.Context, dbPath, root string, doc *spec.Document, rebuild bool) (*index.Index, *indexstore.Snapshot, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, nil, err
	}

	db, err := indexstore.Open(ctx, indexstore.Config{Path: dbPath})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = db.Close() }()
	if err := indexstore.Migrate(ctx, db); err != nil {
		return nil, nil, err
	}

	id := indexstore.NewIdentity(absRoot, doc.Rules, doc.Scope)
	if !rebuild {
		ix, snap, err := indexstore.Load(ctx, db, id, doc.Vocabulary)
		if err == nil {
			observability.CLILogger.Info("Using index snapshot",
				zap.String("snapshot_id", snap.SnapshotID),
				zap.Int("files", snap.FileCount))
			return ix, snap, nil
		}
		if !errors.Is(err, indexstore.ErrSnapshotNotFound) {
			return nil, nil, err
		}
	}

	ix, err := buildIndex(ctx, absRoot, doc)
	if err != nil {
		return nil, nil, err
	}
	snap, err := indexstore.Save(ctx, db, id, ix)
	if err != nil {
		return nil, nil, err
	}
	observability.CLILogger.Info("Saved index snapshot",
		zap.String("snapshot_id", snap.SnapshotID),
		zap.Int("files", snap.FileCount),
		zap.Int("unmatched", snap.UnmatchedCount))
	// the walk's diagnostics are not stored; keep the fresh index
	return ix, snap, nil
}

// indexExitError maps index failures to exit codes.
func indexExitError(err error) error {
	if errors.Is(err, index.ErrRootUnreadable) {
		return exitError(exitFileReadError, "Cannot read derivative root", err)
	}
	if errors.Is(err, context.Canceled) {
		return exitError(exitSignalInt, "Indexing cancelled", err)
	}
	var perr *match.PatternError
	if errors.As(err, &perr) {
		return exitError(exitInvalidArgument, "Invalid index scope", err)
	}
	return exitError(exitFileReadError, "Indexing failed", err)
}
