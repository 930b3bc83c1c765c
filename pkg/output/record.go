// Package output streams run events as JSONL.
//
// Each line is a typed record envelope carrying one event of a run: a
// rendered or failed artifact, a skipped or ambiguous group, a progress
// update, an error or the final summary. Lines are self-contained and can
// be parsed independently while the run is still going.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/niviz/pkg/manifest"
)

// Record type constants follow the pattern: niviz.<type>.v<version>
const (
	// TypeArtifact identifies dispatched job outcomes.
	TypeArtifact = "niviz.artifact.v1"

	// TypeSkip identifies groups missing a required role.
	TypeSkip = "niviz.skip.v1"

	// TypeAmbiguous identifies groups with several candidates for one role.
	TypeAmbiguous = "niviz.ambiguous.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "niviz.progress.v1"

	// TypeError identifies run-level error records.
	TypeError = "niviz.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "niviz.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "niviz.artifact.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates the records of one run.
	RunID string `json:"run_id"`

	// Package is the output package of the run.
	Package string `json:"package"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// ProgressRecord is the data payload for progress updates.
type ProgressRecord struct {
	// Phase indicates the current run phase.
	Phase string `json:"phase"`

	// Done is the number of jobs that reached a terminal state.
	Done int `json:"done"`

	// Total is the number of resolved jobs.
	Total int `json:"total"`

	// Failed is the number of failed jobs so far.
	Failed int `json:"failed"`
}

// Progress phase constants.
const (
	PhaseIndexing  = "indexing"
	PhaseResolving = "resolving"
	PhaseRendering = "rendering"
	PhaseComplete  = "complete"
)

// ErrorRecord is the data payload for run-level errors that do not belong
// to a single artifact, such as a manifest that could not be published.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Path is the file related to this error, if applicable.
	Path string `json:"path,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeWalk     = "WALK"
	ErrCodePublish  = "PUBLISH"
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	manifest.Summary

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Cancelled reports whether dispatch stopped early.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
