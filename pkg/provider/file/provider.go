// Package file implements provider.Provider over a local directory, for
// publishing QC outputs to shared filesystems.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/niviz/pkg/provider"
)

// Provider stores objects as files under a base directory.
type Provider struct {
	baseDir string
}

var _ provider.Provider = (*Provider)(nil)

// Config configures a file provider.
type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// BaseDir returns the directory objects are stored under.
func (p *Provider) BaseDir() string { return p.baseDir }

func (p *Provider) Close() error { return nil }

func (p *Provider) List(ctx context.Context, prefix string) ([]provider.Object, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	// Walk from the deepest directory the prefix names, then filter.
	dir := prefix
	if i := strings.LastIndex(dir, "/"); i >= 0 {
		dir = dir[:i]
	} else {
		dir = ""
	}
	root, err := p.fullPath(dir)
	if err != nil {
		return nil, p.wrapError("List", prefix, err)
	}

	var out []provider.Object
	err = filepath.WalkDir(root, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && name == root {
				return filepath.SkipAll
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".niviz-put-") {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, name)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, provider.Object{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, p.wrapError("List", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Put writes body to a temp file beside the target and renames it into place.
func (p *Provider) Put(ctx context.Context, key string, body io.Reader, _ int64, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".niviz-put-*")
	if err != nil {
		return p.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("Put", key, err)
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("Delete", key, err)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return p.wrapError("Delete", key, err)
	}
	return nil
}

func (p *Provider) fullPath(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(filepath.ToSlash(key)), "/")
	clean := path.Clean(key)
	if clean == "." {
		clean = ""
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", provider.ErrInvalidKey
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Bucket: p.baseDir, Key: key, Err: err}
	switch {
	case errors.Is(err, provider.ErrInvalidKey):
	case os.IsNotExist(err):
		wrapped.Err = provider.ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
