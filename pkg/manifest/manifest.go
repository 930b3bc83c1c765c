// Package manifest defines the run manifest consumed by report assemblers.
//
// A manifest lists, in spec declaration order then group order, one entry
// per resolved group: the Artifact of a dispatched job, or the diagnostic
// explaining why a group produced no job. It carries no timestamps, so a
// rerun over an unchanged tree and configuration writes identical bytes.
//
// Example (abbreviated):
//
//	{
//	  "version": "1.0",
//	  "package": "fmriprep",
//	  "status": "completed",
//	  "entries": [
//	    {"kind": "artifact", "artifact": {"spec": "anat", "status": "success", ...}},
//	    {"kind": "skipped", "diagnostic": {"spec": "anat", "missing": ["mask"], ...}}
//	  ],
//	  "summary": {"jobs": 1, "succeeded": 1, "skipped": 1}
//	}
package manifest

import (
	"github.com/3leaps/niviz/pkg/entity"
	"github.com/3leaps/niviz/pkg/index"
)

// Version is the manifest format version.
const Version = "1.0"

// RunStatus is the terminal state of a run. A run always completes; per-job
// outcomes are reported through entries.
type RunStatus string

const StatusCompleted RunStatus = "completed"

// Status is the outcome of one artifact.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// ErrorCode classifies an artifact failure.
type ErrorCode string

const (
	CodeUnknownRecipe ErrorCode = "UNKNOWN_RECIPE"
	CodeRenderFailure ErrorCode = "RENDER_FAILURE"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCancelled     ErrorCode = "CANCELLED"
)

// EntryKind tags a manifest entry.
type EntryKind string

const (
	KindArtifact  EntryKind = "artifact"
	KindSkipped   EntryKind = "skipped"
	KindAmbiguous EntryKind = "ambiguous"
)

// Manifest is the record of one run.
type Manifest struct {
	Version string    `json:"version"`
	Package string    `json:"package"`
	Status  RunStatus `json:"status"`

	// Root is the indexed derivative root.
	Root string `json:"root"`

	Entries []Entry `json:"entries"`
	Summary Summary `json:"summary"`

	// Unmatched lists root-relative files no pattern rule matched.
	Unmatched []string `json:"unmatched,omitempty"`

	// Walk lists non-fatal problems found while indexing.
	Walk []index.Diagnostic `json:"walk_diagnostics,omitempty"`
}

// Entry is one manifest line item; exactly one of Artifact or Diagnostic is set.
type Entry struct {
	Kind       EntryKind   `json:"kind"`
	Artifact   *Artifact   `json:"artifact,omitempty"`
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
}

// Artifact is the outcome of dispatching one job.
type Artifact struct {
	// ID is the job identity, "<spec>:<key>".
	ID     string        `json:"id"`
	Seq    int           `json:"seq"`
	Spec   string        `json:"spec"`
	Recipe string        `json:"recipe"`
	Key    []entity.Pair `json:"key"`
	Inputs []Input       `json:"inputs"`

	// Outputs are paths relative to the output directory.
	Outputs []string `json:"outputs,omitempty"`

	Status Status       `json:"status"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// Input is one role binding, with root-relative paths.
type Input struct {
	Role  string   `json:"role"`
	Paths []string `json:"paths"`
}

// ErrorDetail describes a failed artifact.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Diagnostic records a group that produced no job.
type Diagnostic struct {
	Spec       string        `json:"spec"`
	Key        []entity.Pair `json:"key"`
	Missing    []string      `json:"missing,omitempty"`
	Candidates []Input       `json:"candidates,omitempty"`
}

// Summary counts the entries of a manifest.
type Summary struct {
	Jobs      int `json:"jobs"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Ambiguous int `json:"ambiguous"`

	// Undispatched counts resolved jobs never started because the run was
	// cancelled. They have no entry.
	Undispatched int `json:"undispatched,omitempty"`
}

// Succeeded reports whether the artifact rendered.
func (a *Artifact) Succeeded() bool {
	return a.Status == StatusSuccess
}

// Tally recomputes Summary from Entries, preserving Undispatched.
func (m *Manifest) Tally() {
	s := Summary{Undispatched: m.Summary.Undispatched}
	for _, e := range m.Entries {
		switch e.Kind {
		case KindArtifact:
			s.Jobs++
			if e.Artifact.Succeeded() {
				s.Succeeded++
			} else {
				s.Failed++
			}
		case KindSkipped:
			s.Skipped++
		case KindAmbiguous:
			s.Ambiguous++
		}
	}
	m.Summary = s
}

// Artifacts returns the artifacts in entry order.
func (m *Manifest) Artifacts() []*Artifact {
	var out []*Artifact
	for _, e := range m.Entries {
		if e.Artifact != nil {
			out = append(out, e.Artifact)
		}
	}
	return out
}

// BySpec returns the entries belonging to spec.
func (m *Manifest) BySpec(spec string) []Entry {
	var out []Entry
	for _, e := range m.Entries {
		switch {
		case e.Artifact != nil && e.Artifact.Spec == spec:
			out = append(out, e)
		case e.Diagnostic != nil && e.Diagnostic.Spec == spec:
			out = append(out, e)
		}
	}
	return out
}

// Outputs returns every output path in entry order.
func (m *Manifest) Outputs() []string {
	var out []string
	for _, a := range m.Artifacts() {
		out = append(out, a.Outputs...)
	}
	return out
}
