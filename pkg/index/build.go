package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/niviz/pkg/entity"
	"github.com/3leaps/niviz/pkg/match"
)

// ErrRootUnreadable is returned when the index root cannot be read.
var ErrRootUnreadable = errors.New("index root unreadable")

// RootError wraps a failure to open the index root.
type RootError struct {
	Root string
	Err  error
}

func (e *RootError) Error() string {
	return fmt.Sprintf("index root %s: %v", e.Root, e.Err)
}

func (e *RootError) Unwrap() []error {
	return []error{ErrRootUnreadable, e.Err}
}

// DiagnosticKind classifies a walk diagnostic.
type DiagnosticKind string

const (
	// DiagCycle marks a symlinked directory that leads back to one of its ancestors.
	DiagCycle DiagnosticKind = "cycle"

	// DiagAlias marks a directory already reached through another path.
	DiagAlias DiagnosticKind = "alias"

	// DiagUnreadable marks a subdirectory or entry that could not be read.
	DiagUnreadable DiagnosticKind = "unreadable"

	// DiagBrokenLink marks a symlink whose target does not exist.
	DiagBrokenLink DiagnosticKind = "broken_link"
)

// Diagnostic is a non-fatal problem found during the walk.
type Diagnostic struct {
	Kind   DiagnosticKind `json:"kind"`
	Path   string         `json:"path"`
	Detail string         `json:"detail,omitempty"`
}

// Options configures Build.
type Options struct {
	// Scope restricts which files are indexed. Nil admits every non-hidden file.
	Scope *match.Matcher

	// Logger receives debug output. Nil disables logging.
	Logger *zap.Logger
}

// Build walks root and indexes every regular file a rule matches.
//
// Directories are visited in lexical order and directory symlinks are
// followed. Each directory is entered at most once: a link back to an
// ancestor is recorded as a cycle, any other repeat as an alias. Unreadable
// subdirectories are recorded and skipped. Only an unreadable root is fatal.
func Build(ctx context.Context, root string, rules *entity.Rules, opts Options) (*Index, error) {
	if rules == nil {
		return nil, errors.New("pattern rules are required")
	}
	if opts.Scope == nil {
		opts.Scope = match.MatchAll()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &RootError{Root: root, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &RootError{Root: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &RootError{Root: root, Err: errors.New("not a directory")}
	}
	if _, err := os.ReadDir(abs); err != nil {
		return nil, &RootError{Root: root, Err: err}
	}

	w := &walker{
		ctx:     ctx,
		rules:   rules,
		scope:   opts.Scope,
		log:     opts.Logger,
		visited: make(map[fileID]string),
		onPath:  make(map[fileID]bool),
	}
	if id, ok := identify(abs, info); ok {
		w.visited[id] = "."
	}

	for _, dir := range opts.Scope.WalkDirs() {
		rel := strings.TrimSuffix(dir, "/")
		if rel == "" {
			if err := w.walkDir(abs, ""); err != nil {
				return nil, err
			}
			continue
		}
		start := filepath.Join(abs, filepath.FromSlash(rel))
		sinfo, err := os.Stat(start)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				w.diag(DiagUnreadable, rel, err.Error())
			}
			continue
		}
		if !sinfo.IsDir() {
			w.visitFile(start, rel)
			continue
		}
		if err := w.enter(start, rel, sinfo); err != nil {
			return nil, err
		}
	}

	sort.Slice(w.files, func(i, j int) bool { return w.files[i].Rel < w.files[j].Rel })
	sort.Strings(w.unmatched)

	opts.Logger.Debug("Index built",
		zap.String("root", abs),
		zap.Int("files", len(w.files)),
		zap.Int("unmatched", len(w.unmatched)),
		zap.Int("diagnostics", len(w.diags)),
	)

	return &Index{root: abs, files: w.files, unmatched: w.unmatched, diags: w.diags}, nil
}

type walker struct {
	ctx   context.Context
	rules *entity.Rules
	scope *match.Matcher
	log   *zap.Logger

	// visited maps each entered directory to the relative path it was first reached by.
	visited map[fileID]string
	// onPath holds the directories on the current descent.
	onPath map[fileID]bool

	files     []File
	unmatched []string
	diags     []Diagnostic
}

func (w *walker) diag(kind DiagnosticKind, rel, detail string) {
	w.diags = append(w.diags, Diagnostic{Kind: kind, Path: rel, Detail: detail})
	w.log.Debug("Walk diagnostic", zap.String("kind", string(kind)), zap.String("path", rel), zap.String("detail", detail))
}

// enter descends into a directory unless it has been visited already.
func (w *walker) enter(abs, rel string, info fs.FileInfo) error {
	id, ok := identify(abs, info)
	if ok {
		if w.onPath[id] {
			w.diag(DiagCycle, rel, "links back to "+w.visited[id])
			return nil
		}
		if first, seen := w.visited[id]; seen {
			w.diag(DiagAlias, rel, "already indexed as "+first)
			return nil
		}
		w.visited[id] = rel
		w.onPath[id] = true
		defer delete(w.onPath, id)
	}
	return w.walkDir(abs, rel)
}

func (w *walker) walkDir(abs, rel string) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}

	if rel == "" {
		if id, ok := identify(abs, nil); ok {
			w.onPath[id] = true
			defer delete(w.onPath, id)
		}
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		w.diag(DiagUnreadable, rel, err.Error())
		return nil
	}

	for _, e := range entries {
		childAbs := filepath.Join(abs, e.Name())
		childRel := path.Join(rel, e.Name())

		mode := e.Type()
		var info fs.FileInfo
		if mode&fs.ModeSymlink != 0 {
			info, err = os.Stat(childAbs)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					w.diag(DiagBrokenLink, childRel, "")
				} else {
					w.diag(DiagUnreadable, childRel, err.Error())
				}
				continue
			}
			mode = info.Mode().Type()
		}

		switch {
		case mode.IsDir():
			if w.scope.SkipDir(childRel) {
				continue
			}
			if info == nil {
				info, err = e.Info()
				if err != nil {
					w.diag(DiagUnreadable, childRel, err.Error())
					continue
				}
			}
			if err := w.enter(childAbs, childRel, info); err != nil {
				return err
			}
		case mode.IsRegular():
			w.visitFile(childAbs, childRel)
		}
	}
	return nil
}

func (w *walker) visitFile(abs, rel string) {
	if !w.scope.Match(rel) {
		return
	}
	m, ok := w.rules.Match(rel)
	if !ok {
		w.unmatched = append(w.unmatched, rel)
		return
	}
	w.files = append(w.files, File{Path: abs, Rel: rel, Entities: m.Entities, Role: m.Role})
}
