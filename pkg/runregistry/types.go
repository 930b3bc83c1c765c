package runregistry

import (
	"time"

	"github.com/3leaps/niviz/pkg/manifest"
)

// RunState is the lifecycle state of a run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"

	// RunStateInterrupted marks a run whose process is gone without
	// finishing, or that stopped dispatching after a signal.
	RunStateInterrupted RunState = "interrupted"

	// RunStateFailed marks a run that stopped on a fatal error before a
	// manifest was written.
	RunStateFailed RunState = "failed"
)

// RunRecord is the persistent record written to run.json.
type RunRecord struct {
	RunID     string   `json:"run_id"`
	State     RunState `json:"state"`
	Package   string   `json:"package"`
	Root      string   `json:"root"`
	SpecFile  string   `json:"spec_file"`
	OutputDir string   `json:"output_dir"`
	PID       int      `json:"pid,omitempty"`

	// SnapshotID is the index snapshot the run used, when one was stored.
	SnapshotID string `json:"snapshot_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	ManifestPath string            `json:"manifest_path,omitempty"`
	EventsPath   string            `json:"events_path,omitempty"`
	Summary      *manifest.Summary `json:"summary,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Terminal reports whether the run has finished in any way.
func (r *RunRecord) Terminal() bool {
	return r.State != RunStateRunning
}
