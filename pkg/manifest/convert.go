package manifest

import (
	"strings"

	"github.com/3leaps/niviz/pkg/entity"
	"github.com/3leaps/niviz/pkg/resolve"
)

// JobID returns the stable identity of a job: "<spec>:<k=v,...>".
func JobID(spec string, key entity.Key) string {
	if s := key.String(); s != "" {
		return spec + ":" + s
	}
	return spec
}

// NewArtifact returns a pending artifact for job with its identity and
// inputs filled in; the caller sets Status and Outputs or Error.
func NewArtifact(job *resolve.Job) *Artifact {
	return &Artifact{
		ID:     JobID(job.Spec, job.Key),
		Seq:    job.Seq,
		Spec:   job.Spec,
		Recipe: job.Recipe,
		Key:    job.Key.NonEmpty(),
		Inputs: Inputs(job.Inputs),
	}
}

// Fail marks a as failed with code and message.
func (a *Artifact) Fail(code ErrorCode, message string) {
	a.Status = StatusFailure
	a.Outputs = nil
	a.Error = &ErrorDetail{Code: code, Message: strings.TrimSpace(message)}
}

// Inputs converts role bindings to manifest inputs with root-relative paths.
func Inputs(bindings []resolve.Binding) []Input {
	out := make([]Input, len(bindings))
	for i, b := range bindings {
		paths := make([]string, len(b.Files))
		for j, f := range b.Files {
			paths[j] = f.Rel
		}
		out[i] = Input{Role: b.Role, Paths: paths}
	}
	return out
}

// DiagnosticEntry converts a resolver diagnostic to a manifest entry.
func DiagnosticEntry(d *resolve.Diagnostic) Entry {
	kind := KindSkipped
	if d.Kind == resolve.Ambiguous {
		kind = KindAmbiguous
	}
	diag := &Diagnostic{
		Spec:    d.Spec,
		Key:     d.Key.NonEmpty(),
		Missing: d.Missing,
	}
	if len(d.Candidates) > 0 {
		diag.Candidates = Inputs(d.Candidates)
	}
	return Entry{Kind: kind, Diagnostic: diag}
}

// ArtifactEntry wraps a in an entry.
func ArtifactEntry(a *Artifact) Entry {
	return Entry{Kind: KindArtifact, Artifact: a}
}
