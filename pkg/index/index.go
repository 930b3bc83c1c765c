// Package index walks a derivative tree and indexes files by their entities.
//
// The index is built once per run and is read-only afterwards, so it can be
// queried concurrently without locking.
package index

import (
	"sort"
	"strings"

	"github.com/3leaps/niviz/pkg/entity"
)

// File is one indexed derivative file.
type File struct {
	// Path is the absolute path as reached by the walk (symlinks not resolved).
	Path string `json:"path"`

	// Rel is the root-relative, slash-separated path.
	Rel string `json:"rel"`

	// Entities are the entities parsed from the filename.
	Entities entity.Set `json:"-"`

	// Role is the role of the pattern rule that matched, possibly empty.
	Role string `json:"role,omitempty"`
}

// Group is a set of files sharing one projection of their entities.
type Group struct {
	Key   entity.Key
	Files []File
}

// Index is a queryable set of indexed files.
type Index struct {
	root      string
	files     []File
	unmatched []string
	diags     []Diagnostic
}

// New constructs an index from already-indexed files, e.g. a loaded snapshot.
// Files are sorted by relative path.
func New(root string, files []File, unmatched []string) *Index {
	ix := &Index{
		root:      root,
		files:     append([]File(nil), files...),
		unmatched: append([]string(nil), unmatched...),
	}
	sort.Slice(ix.files, func(i, j int) bool { return ix.files[i].Rel < ix.files[j].Rel })
	sort.Strings(ix.unmatched)
	return ix
}

// Root returns the indexed root directory.
func (ix *Index) Root() string { return ix.root }

// Len returns the number of indexed files.
func (ix *Index) Len() int { return len(ix.files) }

// Files returns the indexed files ordered by relative path.
func (ix *Index) Files() []File {
	return append([]File(nil), ix.files...)
}

// Unmatched returns the relative paths of files no pattern rule matched.
func (ix *Index) Unmatched() []string {
	return append([]string(nil), ix.unmatched...)
}

// Diagnostics returns the problems recorded during the walk.
func (ix *Index) Diagnostics() []Diagnostic {
	return append([]Diagnostic(nil), ix.diags...)
}

// Query returns the files satisfying filter, grouped by their projection
// onto keys.
//
// Groups are ordered lexicographically over the key tuple and files within
// a group by relative path, so the result does not depend on the order in
// which the tree was walked. A nil keys slice yields a single group.
func (ix *Index) Query(filter entity.Filter, keys []string) []Group {
	byKey := make(map[string]int)
	var groups []Group

	for _, f := range ix.files {
		if !filter.Match(f.Entities) {
			continue
		}
		k := f.Entities.Project(keys)
		id := keyID(k)
		i, ok := byKey[id]
		if !ok {
			i = len(groups)
			byKey[id] = i
			groups = append(groups, Group{Key: k})
		}
		groups[i].Files = append(groups[i].Files, f)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Key.Compare(groups[j].Key) < 0
	})
	return groups
}

func keyID(k entity.Key) string {
	var b strings.Builder
	for _, p := range k {
		b.WriteString(p.Value)
		b.WriteByte(0)
	}
	return b.String()
}
