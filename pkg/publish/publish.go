// Package publish copies a run's artifacts and manifest to a provider.
//
// Outputs are uploaded first and the manifest last, so a reader that sees
// the new manifest can fetch every file it references. With Prune set,
// objects under the package prefix that the manifest no longer references
// are deleted afterwards.
package publish

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/niviz/pkg/manifest"
	"github.com/3leaps/niviz/pkg/provider"
)

// DefaultConcurrency bounds parallel uploads when Options leaves it zero.
const DefaultConcurrency = 8

const maxAttempts = 3

// Options configures Publish.
type Options struct {
	// Prune deletes stale objects under the package prefix.
	Prune bool

	Concurrency int

	// Backoff is the delay before the first retry of a transient failure;
	// it doubles per attempt. Zero means 200ms.
	Backoff time.Duration

	Logger *zap.Logger
}

// Result counts what Publish did.
type Result struct {
	Uploaded int   `json:"uploaded"`
	Pruned   int   `json:"pruned"`
	Bytes    int64 `json:"bytes"`
}

// ErrNoPackage is returned when pruning a manifest without a package name,
// which would leave no prefix to confine deletions to.
var ErrNoPackage = errors.New("prune requires a manifest package")

// Publish uploads the outputs of m, found under outDir, and then
// outDir/manifest.json. Keys mirror paths relative to outDir.
func Publish(ctx context.Context, p provider.Provider, outDir string, m *manifest.Manifest, opts Options) (*Result, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Prune && strings.Trim(m.Package, "/") == "" {
		return nil, ErrNoPackage
	}

	keys := m.Outputs()
	var uploaded atomic.Int64
	var bytes atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, key := range keys {
		g.Go(func() error {
			n, err := upload(gctx, p, outDir, key, opts.Backoff)
			if err != nil {
				return err
			}
			uploaded.Add(1)
			bytes.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n, err := upload(ctx, p, outDir, manifest.FileName, opts.Backoff)
	if err != nil {
		return nil, err
	}
	res := &Result{Uploaded: int(uploaded.Load()) + 1, Bytes: bytes.Load() + n}
	log.Info("Published artifacts", zap.Int("objects", res.Uploaded), zap.Int64("bytes", res.Bytes))

	if opts.Prune {
		pruned, err := prune(ctx, p, m.Package, keys)
		res.Pruned = pruned
		if err != nil {
			return res, err
		}
		log.Info("Pruned stale artifacts", zap.Int("objects", pruned))
	}
	return res, nil
}

func upload(ctx context.Context, p provider.Provider, outDir, key string, backoff time.Duration) (int64, error) {
	full := filepath.Join(outDir, filepath.FromSlash(key))
	info, err := os.Stat(full)
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", key, err)
	}
	contentType := mime.TypeByExtension(path.Ext(key))

	for attempt := 1; ; attempt++ {
		err = putFile(ctx, p, full, key, info.Size(), contentType)
		if err == nil || attempt == maxAttempts || !provider.IsRetryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff << (attempt - 1)):
		}
	}
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", key, err)
	}
	return info.Size(), nil
}

func putFile(ctx context.Context, p provider.Provider, full, key string, size int64, contentType string) error {
	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return p.Put(ctx, key, f, size, contentType)
}

// prune deletes objects under "<pkg>/" that are not in keep.
func prune(ctx context.Context, p provider.Provider, pkg string, keep []string) (int, error) {
	wanted := make(map[string]bool, len(keep))
	for _, k := range keep {
		wanted[k] = true
	}
	objs, err := p.List(ctx, strings.Trim(pkg, "/")+"/")
	if err != nil {
		return 0, fmt.Errorf("list for prune: %w", err)
	}
	pruned := 0
	for _, o := range objs {
		if wanted[o.Key] {
			continue
		}
		if err := p.Delete(ctx, o.Key); err != nil {
			return pruned, fmt.Errorf("prune %s: %w", o.Key, err)
		}
		pruned++
	}
	return pruned, nil
}
