// Package run coordinates one QC run: resolve every spec, dispatch the
// resulting jobs on a bounded worker pool and assemble the manifest.
//
// Jobs are independent, so dispatch order is free; manifest order is not.
// Each worker stores its artifact at the job's sequence number and the
// manifest is assembled only after the pool drains, so entries always
// follow spec declaration order then group order.
package run

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/3leaps/niviz/pkg/index"
	"github.com/3leaps/niviz/pkg/manifest"
	"github.com/3leaps/niviz/pkg/output"
	"github.com/3leaps/niviz/pkg/resolve"
	"github.com/3leaps/niviz/pkg/spec"
)

// Dispatcher renders one job. *render.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *resolve.Job) *manifest.Artifact
}

// Config configures a Coordinator.
type Config struct {
	// Workers bounds concurrent dispatches. Zero means runtime.NumCPU().
	Workers int

	// RateLimit caps dispatch starts per second. Zero disables the limit.
	RateLimit float64

	// Package is recorded in the manifest.
	Package string

	// Events receives streamed run records. Optional.
	Events output.Writer

	// ProgressEvery emits a progress record after this many finished jobs.
	// Zero means 100.
	ProgressEvery int

	// Logger receives run logs. Nil disables logging.
	Logger *zap.Logger
}

// ErrNoIndex is returned when Run is called without an index.
var ErrNoIndex = errors.New("run requires a file index")

// Coordinator runs specs against an index.
type Coordinator struct {
	dispatcher Dispatcher
	cfg        Config
	limiter    *rate.Limiter
	log        *zap.Logger

	eventErr sync.Once
}

// New returns a Coordinator dispatching through d.
func New(d Dispatcher, cfg Config) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 100
	}
	c := &Coordinator{dispatcher: d, cfg: cfg, log: cfg.Logger}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c
}

// Run resolves specs against ix, dispatches every job and returns the
// manifest.
//
// Cancelling ctx stops new dispatches; jobs already running finish or time
// out under their own deadline. Jobs never started are left out of the
// manifest and counted in Summary.Undispatched. The returned manifest is
// non-nil whenever ix is; a cancelled run also returns ctx.Err().
func (c *Coordinator) Run(ctx context.Context, specs []spec.Spec, ix *index.Index) (*manifest.Manifest, error) {
	if ix == nil {
		return nil, ErrNoIndex
	}
	start := time.Now()
	// Records describe work already done, so they are written even after
	// cancellation.
	evCtx := context.WithoutCancel(ctx)

	resolutions := resolve.ResolveAll(specs, ix)
	var jobs []*resolve.Job
	for _, res := range resolutions {
		jobs = append(jobs, res.Jobs()...)
	}
	c.log.Info("Resolved specs",
		zap.Int("specs", len(specs)),
		zap.Int("jobs", len(jobs)),
		zap.Int("files", ix.Len()))

	c.emit(func(w output.Writer) error {
		return w.WriteProgress(evCtx, &output.ProgressRecord{Phase: output.PhaseResolving, Total: len(jobs)})
	})
	for _, res := range resolutions {
		for _, d := range res.Diagnostics() {
			e := manifest.DiagnosticEntry(d)
			c.emit(func(w output.Writer) error { return output.WriteEntry(evCtx, w, e) })
		}
	}

	results, cancelled := c.dispatch(ctx, jobs)

	m := &manifest.Manifest{
		Version:   manifest.Version,
		Package:   c.cfg.Package,
		Status:    manifest.StatusCompleted,
		Root:      ix.Root(),
		Entries:   []manifest.Entry{},
		Unmatched: ix.Unmatched(),
		Walk:      ix.Diagnostics(),
	}
	for _, res := range resolutions {
		for _, e := range res.Entries {
			switch {
			case e.Job != nil:
				if a := results[e.Job.Seq]; a != nil {
					m.Entries = append(m.Entries, manifest.ArtifactEntry(a))
				} else {
					m.Summary.Undispatched++
				}
			case e.Diagnostic != nil:
				m.Entries = append(m.Entries, manifest.DiagnosticEntry(e.Diagnostic))
			}
		}
	}
	m.Tally()

	elapsed := time.Since(start)
	c.emit(func(w output.Writer) error {
		return w.WriteSummary(evCtx, &output.SummaryRecord{
			Summary:       m.Summary,
			Duration:      elapsed,
			DurationHuman: elapsed.Round(time.Millisecond).String(),
			Cancelled:     cancelled,
		})
	})
	c.log.Info("Run complete",
		zap.Int("jobs", m.Summary.Jobs),
		zap.Int("succeeded", m.Summary.Succeeded),
		zap.Int("failed", m.Summary.Failed),
		zap.Int("skipped", m.Summary.Skipped),
		zap.Int("ambiguous", m.Summary.Ambiguous),
		zap.Int("undispatched", m.Summary.Undispatched),
		zap.Duration("elapsed", elapsed))

	if cancelled {
		return m, ctx.Err()
	}
	return m, nil
}

// dispatch renders jobs on the worker pool. The result slice is indexed by
// job sequence number; a nil slot is a job that never started.
func (c *Coordinator) dispatch(ctx context.Context, jobs []*resolve.Job) ([]*manifest.Artifact, bool) {
	results := make([]*manifest.Artifact, len(jobs))
	if len(jobs) == 0 {
		return results, false
	}

	// In-flight jobs outlive cancellation; the dispatcher's own timeout
	// bounds them.
	jobCtx := context.WithoutCancel(ctx)

	var done, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Workers)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				break
			}
		}
		g.Go(func() error {
			// A slot can free up after cancellation; do not start new work.
			if ctx.Err() != nil {
				return nil
			}
			a := c.dispatcher.Dispatch(jobCtx, job)
			results[job.Seq] = a

			n := done.Add(1)
			if !a.Succeeded() {
				failed.Add(1)
			}
			c.emit(func(w output.Writer) error { return w.WriteArtifact(jobCtx, a) })
			if n%int64(c.cfg.ProgressEvery) == 0 || int(n) == len(jobs) {
				c.emit(func(w output.Writer) error {
					return w.WriteProgress(jobCtx, &output.ProgressRecord{
						Phase:  output.PhaseRendering,
						Done:   int(n),
						Total:  len(jobs),
						Failed: int(failed.Load()),
					})
				})
			}
			return nil
		})
	}
	_ = g.Wait() // failures are carried by the artifacts

	cancelled := int(done.Load()) < len(jobs)
	if cancelled {
		c.log.Warn("Run cancelled before all jobs were dispatched",
			zap.Int64("dispatched", done.Load()),
			zap.Int("jobs", len(jobs)))
	}
	return results, cancelled
}

// emit writes to the event stream, if any. Stream failures never fail the
// run; the first one is logged.
func (c *Coordinator) emit(write func(output.Writer) error) {
	if c.cfg.Events == nil {
		return
	}
	if err := write(c.cfg.Events); err != nil {
		c.eventErr.Do(func() {
			c.log.Warn("Event stream write failed; further errors suppressed", zap.Error(err))
		})
	}
}
