// Package runregistry keeps a history of runs under the output directory.
//
// Each run gets a record that is written when it starts and rewritten when
// it ends, so an operator can tell finished runs from interrupted ones.
package runregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/niviz/pkg/manifest"
)

// DirName is the registry directory inside an output directory.
const DirName = ".niviz/runs"

// Store persists RunRecords.
//
// Directory layout:
//
//	<root>/<run_id>/run.json
//	<root>/<run_id>/events.jsonl
type Store struct {
	root string
	now  func() time.Time
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root), now: func() time.Time { return time.Now().UTC() }}
}

// ForOutputDir returns the store kept under outDir.
func ForOutputDir(outDir string) *Store {
	return NewStore(filepath.Join(outDir, filepath.FromSlash(DirName)))
}

func (s *Store) RootDir() string { return s.root }

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

// EventsPath is where the run's JSONL event stream is kept.
func (s *Store) EventsPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "events.jsonl")
}

// Begin assigns rec a new run id, marks it running and persists it.
func (s *Store) Begin(rec *RunRecord) error {
	rec.RunID = uuid.NewString()
	rec.State = RunStateRunning
	rec.PID = os.Getpid()
	rec.CreatedAt = s.now()
	return s.Write(rec)
}

// Finish records how the run ended. A nil summary with a non-nil runErr
// marks the run failed.
func (s *Store) Finish(rec *RunRecord, state RunState, summary *manifest.Summary, runErr error) error {
	ended := s.now()
	rec.State = state
	rec.EndedAt = &ended
	rec.Summary = summary
	rec.PID = 0
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	return s.Write(rec)
}

func (s *Store) Write(rec *RunRecord) error {
	if rec == nil {
		return fmt.Errorf("run record is nil")
	}
	runID := strings.TrimSpace(rec.RunID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if s.root == "" {
		return fmt.Errorf("run registry root dir is empty")
	}

	runDir := s.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(runDir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, s.RunPath(runID)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads a record. A record that claims to be running but whose process
// is gone is reported, and persisted, as interrupted.
func (s *Store) Get(runID string) (*RunRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	b, err := os.ReadFile(s.RunPath(runID))
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty")
	}

	var rec RunRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}

	if rec.State == RunStateRunning && rec.PID > 0 && !isProcessAlive(rec.PID) {
		ended := s.now()
		rec.State = RunStateInterrupted
		rec.EndedAt = &ended
		_ = s.Write(&rec)
	}
	return &rec, nil
}

// List returns every readable record, newest first. A missing registry is
// an empty history.
func (s *Store) List() ([]RunRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}

	out := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering anything (unix).
	return p.Signal(syscall.Signal(0)) == nil
}
