// Package spec loads declarative visualization configuration documents.
//
// A document names the entity vocabulary, the filename pattern rules, and an
// ordered list of specs. Each spec selects files by entity filter, groups
// them by a set of entity keys, binds them to roles, and names the rendering
// recipe that turns one group into panel images.
package spec

import (
	"github.com/3leaps/niviz/pkg/entity"
	"github.com/3leaps/niviz/pkg/match"
)

// Version is the only supported document version.
const Version = "1.0"

// DefaultPackage names the output subdirectory when the document sets none.
const DefaultPackage = "niviz"

// DefaultGroupBy is the document-level grouping used when neither the
// document nor a spec declares one.
var DefaultGroupBy = []string{"subject", "session"}

// Document is a loaded and validated configuration document.
type Document struct {
	// Version is the document format version.
	Version string

	// Package names the output subdirectory for every artifact.
	Package string

	// Vocabulary is the entity vocabulary all keys are checked against.
	Vocabulary *entity.Vocabulary

	// Rules are the compiled filename pattern rules.
	Rules *entity.Rules

	// Scope limits which files under the root are indexed.
	Scope match.Config

	// Specs are the visualization specs, in declaration order.
	Specs []Spec

	// Backends binds recipe ids to external render commands.
	Backends map[string]Backend
}

// Spec describes one visualization: which files to group and how to render them.
type Spec struct {
	Name    string
	Recipe  string
	GroupBy []string
	Filter  entity.Filter
	Roles   []Role
	Params  map[string]any

	// Output is an optional output stem template such as
	// "{subject}/sub-{subject}_{spec}". Empty means the default naming.
	Output string
}

// Role is one functional slot of a recipe.
type Role struct {
	Name string

	// Filter further restricts the files eligible for this role. When empty,
	// a file is eligible when the role detected by its pattern rule equals Name.
	Filter entity.Filter

	// Optional roles may be left unbound without skipping the group.
	Optional bool

	// Many roles bind every eligible file instead of exactly one.
	Many bool
}

// Required reports whether a group without a file for this role is skipped.
func (r Role) Required() bool {
	return !r.Optional
}

// Backend is an external command bound to a recipe id.
type Backend struct {
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
}

// Lookup returns the spec with the given name.
func (d *Document) Lookup(name string) (Spec, bool) {
	for _, s := range d.Specs {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

// Recipes returns the distinct recipe ids referenced by specs, in first-use order.
func (d *Document) Recipes() []string {
	seen := make(map[string]bool, len(d.Specs))
	out := make([]string, 0, len(d.Specs))
	for _, s := range d.Specs {
		if !seen[s.Recipe] {
			seen[s.Recipe] = true
			out = append(out, s.Recipe)
		}
	}
	return out
}

// RoleNames returns the spec's role names in declaration order.
func (s Spec) RoleNames() []string {
	names := make([]string, len(s.Roles))
	for i, r := range s.Roles {
		names[i] = r.Name
	}
	return names
}
