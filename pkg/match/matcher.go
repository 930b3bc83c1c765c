// Package match scopes a derivative tree walk with glob patterns.
//
// Patterns use doublestar syntax and are evaluated against root-relative,
// slash-separated paths. A Matcher decides which files the index sees and
// which directories the walk can skip entirely.
package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultInclude matches every file under the root.
const DefaultInclude = "**"

// Matcher evaluates include and exclude patterns against relative paths.
//
// A path is in scope when it matches at least one include, matches no
// exclude and is not hidden (unless IncludeHidden is set).
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	dirs          []string
	includeHidden bool
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns a file must match (at least one).
	// Defaults to DefaultInclude.
	Includes []string `json:"include,omitempty" yaml:"include,omitempty" mapstructure:"include"`

	// Excludes are glob patterns a file must not match.
	Excludes []string `json:"exclude,omitempty" yaml:"exclude,omitempty" mapstructure:"exclude"`

	// IncludeHidden admits paths with a segment starting with '.'.
	IncludeHidden bool `json:"include_hidden,omitempty" yaml:"include_hidden,omitempty" mapstructure:"include_hidden"`
}

// ErrInvalidPattern is returned when a pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a Matcher. An empty include list means DefaultInclude.
func New(cfg Config) (*Matcher, error) {
	raw := cfg.Includes
	if len(raw) == 0 {
		raw = []string{DefaultInclude}
	}

	includes, err := compile(raw)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	return &Matcher{
		includes:      includes,
		excludes:      excludes,
		dirs:          DeriveDirs(includes),
		includeHidden: cfg.IncludeHidden,
	}, nil
}

// MatchAll returns a Matcher that admits every non-hidden file.
func MatchAll() *Matcher {
	m, _ := New(Config{})
	return m
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		normalized := NormalizePattern(strings.TrimPrefix(p, "./"))
		if normalized == "" || !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, normalized)
	}
	return out, nil
}

// Match reports whether the file at rel is in scope.
func (m *Matcher) Match(rel string) bool {
	if !m.includeHidden && IsHidden(rel) {
		return false
	}

	matched := false
	for _, inc := range m.includes {
		if matchPattern(inc, rel) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range m.excludes {
		if matchPattern(exc, rel) {
			return false
		}
	}
	return true
}

// SkipDir reports whether the directory at rel can be pruned from the walk.
//
// A directory is skipped when it is hidden and hidden paths are not
// admitted, or when an exclude pattern of the form "dir/**" covers it.
func (m *Matcher) SkipDir(rel string) bool {
	if rel == "" || rel == "." {
		return false
	}
	if !m.includeHidden && IsHidden(rel) {
		return true
	}
	for _, exc := range m.excludes {
		if base, ok := strings.CutSuffix(exc, "/**"); ok && matchPattern(base, rel) {
			return true
		}
	}
	return false
}

// WalkDirs returns the directories, relative to the root and ending in
// a slash, that the walk must start from. [""] means the whole root.
func (m *Matcher) WalkDirs() []string {
	return m.dirs
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return append([]string(nil), m.excludes...)
}

func matchPattern(pattern, rel string) bool {
	matched, err := doublestar.Match(pattern, rel)
	if err != nil {
		// validated in New
		return false
	}
	return matched
}
