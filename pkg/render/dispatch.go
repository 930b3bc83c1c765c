package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"

	"github.com/3leaps/niviz/pkg/entity"
	"github.com/3leaps/niviz/pkg/manifest"
	"github.com/3leaps/niviz/pkg/resolve"
	"github.com/3leaps/niviz/pkg/spec"
)

// DefaultTimeout bounds a single render call when none is configured.
const DefaultTimeout = 5 * time.Minute

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Registry resolves recipe ids. Required.
	Registry *Registry

	// OutputDir is the root every output is written under. Required.
	OutputDir string

	// Package names the output subdirectory. It must be a single path
	// segment; see spec.ValidPackage.
	Package string

	// Vocabulary supplies entity labels for output names.
	Vocabulary *entity.Vocabulary

	// Timeout bounds each render call. Zero means DefaultTimeout;
	// negative disables the bound.
	Timeout time.Duration

	// Previous is the manifest of the last run into OutputDir, if any. The
	// outputs it lists for a job are removed before that job renders again.
	Previous *manifest.Manifest

	// SkipExisting reuses a successful artifact from Previous when its
	// recipe and inputs are unchanged and all its outputs still exist.
	SkipExisting bool

	// Logger receives per-job logs. Nil disables logging.
	Logger *zap.Logger
}

// Dispatcher renders jobs one at a time. It is safe for concurrent use.
type Dispatcher struct {
	reg     *Registry
	outDir  string
	pkg     string
	vocab   *entity.Vocabulary
	timeout time.Duration
	prev    map[string]*manifest.Artifact
	reuse   bool
	log     *zap.Logger
}

// NewDispatcher validates cfg and returns a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, errors.New("output directory is required")
	}
	if cfg.Package != "" && !spec.ValidPackage(cfg.Package) {
		return nil, fmt.Errorf("invalid package %q", cfg.Package)
	}
	outDir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output directory: %w", err)
	}
	d := &Dispatcher{
		reg:     cfg.Registry,
		outDir:  outDir,
		pkg:     cfg.Package,
		vocab:   cfg.Vocabulary,
		timeout: cfg.Timeout,
		prev:    make(map[string]*manifest.Artifact),
		reuse:   cfg.SkipExisting,
		log:     cfg.Logger,
	}
	if cfg.Previous != nil {
		for _, a := range cfg.Previous.Artifacts() {
			d.prev[a.ID] = a
		}
	}
	if d.timeout == 0 {
		d.timeout = DefaultTimeout
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	return d, nil
}

// OutputDir returns the absolute output directory.
func (d *Dispatcher) OutputDir() string { return d.outDir }

// Request builds the render request for job.
func (d *Dispatcher) Request(job *resolve.Job) Request {
	inputs := make([]Input, len(job.Inputs))
	for i, b := range job.Inputs {
		inputs[i] = Input{Role: b.Role, Paths: b.Paths()}
	}
	return Request{
		JobID:      manifest.JobID(job.Spec, job.Key),
		Spec:       job.Spec,
		Recipe:     job.Recipe,
		Key:        job.Key.NonEmpty(),
		Inputs:     inputs,
		Params:     job.Params,
		OutputDir:  d.outDir,
		OutputStem: filepath.Join(d.outDir, filepath.FromSlash(Stem(d.pkg, d.vocab, job))),
	}
}

type result struct {
	outputs []string
	err     error
}

// Dispatch renders job and returns its Artifact. It never returns an error:
// every failure becomes a failure Artifact carrying an error code.
func (d *Dispatcher) Dispatch(ctx context.Context, job *resolve.Job) *manifest.Artifact {
	art := manifest.NewArtifact(job)
	log := d.log.With(zap.String("job", art.ID), zap.String("recipe", job.Recipe))

	r, err := d.reg.Lookup(job.Recipe)
	if err != nil {
		art.Fail(manifest.CodeUnknownRecipe, err.Error())
		log.Warn("Unknown recipe")
		return art
	}

	req := d.Request(job)
	if !d.contains(req.OutputStem) {
		art.Fail(manifest.CodeRenderFailure, fmt.Sprintf("output stem %s is outside %s", req.OutputStem, d.outDir))
		log.Warn("Output stem escapes output directory", zap.String("stem", req.OutputStem))
		return art
	}

	if d.reuse {
		if outputs, ok := d.reusable(art); ok {
			art.Status = manifest.StatusSuccess
			art.Outputs = outputs
			log.Debug("Reused previous outputs", zap.Strings("outputs", outputs))
			return art
		}
	}

	if err := d.clearPrevious(art.ID, req.OutputStem); err != nil {
		art.Fail(manifest.CodeRenderFailure, err.Error())
		log.Warn("Failed to clear previous outputs", zap.Error(err))
		return art
	}

	jobCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("renderer panicked: %v", p)}
			}
		}()
		outputs, err := r.Render(jobCtx, req)
		done <- result{outputs: outputs, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-jobCtx.Done():
		// The renderer keeps running until it notices. Whatever it reports
		// once it returns is removed.
		go d.discardLate(done, log)
		if ctx.Err() != nil {
			art.Fail(manifest.CodeCancelled, "run cancelled before render finished")
		} else {
			art.Fail(manifest.CodeTimeout, fmt.Sprintf("render exceeded %s", d.timeout))
		}
		log.Warn("Render abandoned", zap.String("code", string(art.Error.Code)), zap.Duration("elapsed", time.Since(start)))
		return art
	}

	if res.err != nil {
		code := manifest.CodeRenderFailure
		switch {
		case errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil:
			code = manifest.CodeTimeout
		case errors.Is(res.err, context.Canceled) && ctx.Err() != nil:
			code = manifest.CodeCancelled
		case errors.Is(res.err, ErrUnknownRecipe):
			code = manifest.CodeUnknownRecipe
		}
		art.Fail(code, res.err.Error())
		log.Warn("Render failed", zap.Error(res.err))
		return art
	}

	outputs, err := d.verify(res.outputs)
	if err != nil {
		art.Fail(manifest.CodeRenderFailure, err.Error())
		log.Warn("Render outputs rejected", zap.Error(err))
		return art
	}

	art.Status = manifest.StatusSuccess
	art.Outputs = outputs
	log.Debug("Rendered", zap.Strings("outputs", outputs), zap.Duration("elapsed", time.Since(start)))
	return art
}

// verify checks every reported output exists under the output directory
// and returns them relative to it, sorted.
func (d *Dispatcher) verify(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, errors.New("renderer reported no outputs")
	}
	out := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(d.outDir, abs)
		}
		abs = filepath.Clean(abs)
		if !d.contains(abs) {
			return nil, fmt.Errorf("output %s is outside %s", p, d.outDir)
		}
		rel, _ := filepath.Rel(d.outDir, abs)
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("reported output missing: %s", p)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("reported output is not a file: %s", p)
		}
		slash := filepath.ToSlash(rel)
		if !seen[slash] {
			seen[slash] = true
			out = append(out, slash)
		}
	}
	sort.Strings(out)
	return out, nil
}

// contains reports whether p lies strictly below the output directory.
func (d *Dispatcher) contains(p string) bool {
	rel, err := filepath.Rel(d.outDir, filepath.Clean(p))
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// reusable returns the outputs of the previous artifact for a when it
// succeeded with the same recipe and inputs and every output is still a
// regular file.
func (d *Dispatcher) reusable(a *manifest.Artifact) ([]string, bool) {
	prev, ok := d.prev[a.ID]
	if !ok || !prev.Succeeded() || prev.Recipe != a.Recipe || len(prev.Outputs) == 0 {
		return nil, false
	}
	if !cmp.Equal(prev.Inputs, a.Inputs, cmpopts.EquateEmpty()) {
		return nil, false
	}
	for _, rel := range prev.Outputs {
		abs := filepath.Join(d.outDir, filepath.FromSlash(rel))
		if !d.contains(abs) {
			return nil, false
		}
		info, err := os.Stat(abs)
		if err != nil || !info.Mode().IsRegular() {
			return nil, false
		}
	}
	return append([]string(nil), prev.Outputs...), true
}

// clearPrevious removes the outputs the previous manifest recorded for
// jobID and makes sure the stem's directory exists. Files the manifest does
// not list for this job are never touched.
func (d *Dispatcher) clearPrevious(jobID, stem string) error {
	if prev, ok := d.prev[jobID]; ok {
		for _, rel := range prev.Outputs {
			abs := filepath.Join(d.outDir, filepath.FromSlash(rel))
			if !d.contains(abs) {
				continue
			}
			if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove stale output %s: %w", path.Clean(rel), err)
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(stem), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return nil
}

// discardLate waits for an abandoned render and removes the outputs it
// reports, so a timed-out job leaves nothing behind a failure artifact.
func (d *Dispatcher) discardLate(done <-chan result, log *zap.Logger) {
	res := <-done
	for _, p := range res.outputs {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(d.outDir, abs)
		}
		if !d.contains(abs) {
			continue
		}
		if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("Failed to remove late output", zap.String("path", abs), zap.Error(err))
			continue
		}
		log.Debug("Removed late output", zap.String("path", abs))
	}
}
