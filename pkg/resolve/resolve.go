// Package resolve turns visualization specs into concrete render jobs.
//
// For each group of files sharing a spec's grouping key, every role must be
// bound unambiguously before a Job is produced. Groups that cannot be bound
// become diagnostics, so every candidate file is accounted for.
package resolve

import (
	"github.com/3leaps/niviz/pkg/entity"
	"github.com/3leaps/niviz/pkg/index"
	"github.com/3leaps/niviz/pkg/spec"
)

// Job is one fully bound group, ready to render.
type Job struct {
	// Seq is the run-wide sequence number, assigned by ResolveAll.
	Seq int

	Spec   string
	Recipe string
	Params map[string]any

	// Key is the grouping key shared by every bound file.
	Key entity.Key

	// Inputs are the role bindings in the spec's role order. Unbound
	// optional roles are omitted.
	Inputs []Binding

	// Output is the spec's output template, possibly empty.
	Output string
}

// Binding assigns files to one role.
type Binding struct {
	Role  string
	Files []index.File
}

// Paths returns the absolute paths bound to the role.
func (b Binding) Paths() []string {
	out := make([]string, len(b.Files))
	for i, f := range b.Files {
		out[i] = f.Path
	}
	return out
}

// DiagnosticKind classifies why a group produced no Job.
type DiagnosticKind string

const (
	// Skipped marks a group missing at least one required role.
	Skipped DiagnosticKind = "skipped"

	// Ambiguous marks a group where a single-file role has several candidates.
	Ambiguous DiagnosticKind = "ambiguous"
)

// Diagnostic records a group that produced no Job.
type Diagnostic struct {
	Kind DiagnosticKind
	Spec string
	Key  entity.Key

	// Missing lists required roles with no candidate.
	Missing []string

	// Candidates lists, per role, every file that could fill it. Populated
	// for ambiguous groups only.
	Candidates []Binding
}

// Entry is one outcome, in group order: exactly one field is set.
type Entry struct {
	Job        *Job
	Diagnostic *Diagnostic
}

// Resolution is the outcome of resolving one spec.
type Resolution struct {
	Spec    string
	Entries []Entry
}

// Jobs returns the resolved jobs in order.
func (r *Resolution) Jobs() []*Job {
	var out []*Job
	for _, e := range r.Entries {
		if e.Job != nil {
			out = append(out, e.Job)
		}
	}
	return out
}

// Diagnostics returns the diagnostics in order.
func (r *Resolution) Diagnostics() []*Diagnostic {
	var out []*Diagnostic
	for _, e := range r.Entries {
		if e.Diagnostic != nil {
			out = append(out, e.Diagnostic)
		}
	}
	return out
}

// Resolve binds the groups of ix that s selects.
//
// The result depends only on s and the contents of ix, never on walk order.
// Job Seq numbers start at zero; use ResolveAll for run-wide numbering.
func Resolve(s spec.Spec, ix *index.Index) *Resolution {
	res := &Resolution{Spec: s.Name}
	seq := 0
	for _, g := range ix.Query(s.Filter, s.GroupBy) {
		e, ok := resolveGroup(s, g)
		if !ok {
			continue
		}
		if e.Job != nil {
			e.Job.Seq = seq
			seq++
		}
		res.Entries = append(res.Entries, e)
	}
	return res
}

// ResolveAll resolves specs in declaration order and numbers jobs across
// the whole run.
func ResolveAll(specs []spec.Spec, ix *index.Index) []*Resolution {
	out := make([]*Resolution, 0, len(specs))
	seq := 0
	for _, s := range specs {
		res := Resolve(s, ix)
		for _, e := range res.Entries {
			if e.Job != nil {
				e.Job.Seq = seq
				seq++
			}
		}
		out = append(out, res)
	}
	return out
}

func resolveGroup(s spec.Spec, g index.Group) (Entry, bool) {
	bindings := make([]Binding, len(s.Roles))
	var missing []string
	ambiguous := false
	anyCandidate := false

	for i, role := range s.Roles {
		bindings[i].Role = role.Name
		for _, f := range g.Files {
			if eligible(role, f) {
				bindings[i].Files = append(bindings[i].Files, f)
			}
		}
		n := len(bindings[i].Files)
		switch {
		case n > 0:
			anyCandidate = true
			if n > 1 && !role.Many {
				ambiguous = true
			}
		case role.Required():
			missing = append(missing, role.Name)
		}
	}

	if !anyCandidate {
		return Entry{}, false
	}

	if ambiguous {
		var candidates []Binding
		for _, b := range bindings {
			if len(b.Files) > 0 {
				candidates = append(candidates, b)
			}
		}
		return Entry{Diagnostic: &Diagnostic{
			Kind:       Ambiguous,
			Spec:       s.Name,
			Key:        g.Key,
			Missing:    missing,
			Candidates: candidates,
		}}, true
	}

	if len(missing) > 0 {
		return Entry{Diagnostic: &Diagnostic{
			Kind:    Skipped,
			Spec:    s.Name,
			Key:     g.Key,
			Missing: missing,
		}}, true
	}

	inputs := make([]Binding, 0, len(bindings))
	for _, b := range bindings {
		if len(b.Files) > 0 {
			inputs = append(inputs, b)
		}
	}
	return Entry{Job: &Job{
		Spec:   s.Name,
		Recipe: s.Recipe,
		Params: s.Params,
		Key:    g.Key,
		Inputs: inputs,
		Output: s.Output,
	}}, true
}

// eligible reports whether f may fill role. A role with a filter accepts
// files satisfying it; a role without one accepts files whose detected
// role carries the same name.
func eligible(role spec.Role, f index.File) bool {
	if !role.Filter.IsEmpty() {
		return role.Filter.Match(f.Entities)
	}
	return f.Role == role.Name
}
