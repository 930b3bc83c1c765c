package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/niviz/internal/config"
	"github.com/3leaps/niviz/internal/observability"
	"github.com/3leaps/niviz/pkg/index"
	"github.com/3leaps/niviz/pkg/manifest"
	"github.com/3leaps/niviz/pkg/output"
	"github.com/3leaps/niviz/pkg/publish"
	"github.com/3leaps/niviz/pkg/render"
	"github.com/3leaps/niviz/pkg/render/backend"
	"github.com/3leaps/niviz/pkg/render/provenance"
	"github.com/3leaps/niviz/pkg/resolve"
	"github.com/3leaps/niviz/pkg/run"
	"github.com/3leaps/niviz/pkg/runregistry"
	"github.com/3leaps/niviz/pkg/spec"
)

var svgCmd = &cobra.Command{
	Use:   "svg <base_path> <spec_file> <out_path>",
	Short: "Render every visualization spec against a derivative tree",
	Long: `Index base_path, resolve every spec in spec_file into render jobs, dispatch
the jobs to their recipes and write out_path/manifest.json.

Jobs that fail are recorded in the manifest with an error code and do not
change the exit status. Configuration errors, an unreadable base_path or a
manifest that cannot be written are fatal. On SIGINT no further jobs are
dispatched; jobs already running finish or time out, the manifest is written
and the undispatched count is recorded.

Events are streamed as JSONL to out_path/.niviz/runs/<run_id>/events.jsonl,
or to stdout with --events -.

Examples:
  niviz svg /data/derivatives/fmriprep qc.yaml /data/qc
  niviz svg /data/derivatives/fmriprep qc.yaml /data/qc --nthreads 8 --timeout 2m
  niviz svg /data/derivatives/fmriprep qc.yaml /data/qc --publish s3://qc-bucket/ds001 --prune`,
	Args: cobra.ExactArgs(3),
	RunE: runSVG,
}

var (
	svgWorkers     int
	svgTimeout     time.Duration
	svgRateLimit   float64
	svgEvents      string
	svgIndexDB     string
	svgRebuild     bool
	svgStrict      bool
	svgDryRun      bool
	svgPublish     string
	svgPrune       bool
	svgSkipExist   bool
	svgS3Region    string
	svgS3Endpoint  string
	svgS3Profile   string
	svgS3PathStyle bool
)

func init() {
	rootCmd.AddCommand(svgCmd)

	f := svgCmd.Flags()
	f.IntVarP(&svgWorkers, "nthreads", "n", 0, "Concurrent render jobs (default: workers config, NumCPU)")
	f.DurationVar(&svgTimeout, "timeout", 0, "Per-job render timeout, 0 disables (default: job_timeout config)")
	f.Float64Var(&svgRateLimit, "rate-limit", 0, "Max job dispatches per second, 0 disables (default: rate_limit config)")
	f.StringVar(&svgEvents, "events", "", "JSONL event destination: a file path or - for stdout")
	f.StringVar(&svgIndexDB, "index-db", "", "Reuse or create an index snapshot in this database")
	f.BoolVar(&svgRebuild, "rebuild-index", false, "Walk the tree even when a matching snapshot exists")
	f.BoolVar(&svgStrict, "strict", true, "Fail before indexing when a spec names an unknown recipe")
	f.BoolVar(&svgDryRun, "dry-run", false, "Resolve jobs and print the plan without rendering")
	f.BoolVar(&svgSkipExist, "skip-existing", false, "Reuse outputs of jobs the previous manifest records as succeeded with unchanged inputs")
	f.StringVar(&svgPublish, "publish", "", "Publish artifacts and manifest to s3://bucket/prefix or a directory")
	f.BoolVar(&svgPrune, "prune", false, "With --publish, delete published objects the manifest no longer lists")
	f.StringVar(&svgS3Region, "s3-region", "", "AWS region for s3 publishing")
	f.StringVar(&svgS3Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL")
	f.StringVar(&svgS3Profile, "s3-profile", "", "AWS shared config profile")
	f.BoolVar(&svgS3PathStyle, "s3-path-style", false, "Use path-style S3 addressing")
}

// runSettings are the effective run knobs after flags override config.
type runSettings struct {
	Workers    int
	JobTimeout time.Duration
	RateLimit  float64
}

func effectiveSettings(cmd *cobra.Command) (runSettings, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return runSettings{}, errors.New("configuration not loaded")
	}
	s := runSettings{Workers: cfg.Workers, JobTimeout: cfg.JobTimeout, RateLimit: cfg.RateLimit}
	flags := cmd.Flags()
	if flags.Changed("nthreads") {
		if svgWorkers < 1 {
			return s, fmt.Errorf("nthreads must be >= 1")
		}
		s.Workers = svgWorkers
	}
	if flags.Changed("timeout") {
		if svgTimeout < 0 {
			return s, fmt.Errorf("timeout must be >= 0")
		}
		s.JobTimeout = svgTimeout
	}
	if flags.Changed("rate-limit") {
		if svgRateLimit < 0 {
			return s, fmt.Errorf("rate-limit must be >= 0")
		}
		s.RateLimit = svgRateLimit
	}
	return s, nil
}

// dispatchTimeout converts "0 disables" into the dispatcher's convention.
func (s runSettings) dispatchTimeout() time.Duration {
	if s.JobTimeout == 0 {
		return -1
	}
	return s.JobTimeout
}

// loadDocument loads and validates a spec file. Failures are fatal
// configuration errors.
func loadDocument(path string) (*spec.Document, error) {
	doc, err := spec.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "Spec file not found", err)
		}
		return nil, exitError(exitInvalidArgument, "Invalid spec file", err)
	}
	return doc, nil
}

// buildRegistry registers the built-in recipes, then the document's
// backends. A backend may not shadow a built-in.
func buildRegistry(doc *spec.Document) (*render.Registry, error) {
	reg := render.NewRegistry()
	if err := provenance.Register(reg); err != nil {
		return nil, err
	}
	if err := backend.Register(reg, doc.Backends); err != nil {
		return nil, err
	}
	return reg, nil
}

func runSVG(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	root, specFile, outDir := args[0], args[1], args[2]

	settings, err := effectiveSettings(cmd)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid run settings", err)
	}

	var dest *DestinationURI
	if svgPublish != "" {
		if dest, err = ParseDestination(svgPublish); err != nil {
			return exitError(exitInvalidArgument, "Invalid --publish destination", err)
		}
	}

	doc, err := loadDocument(specFile)
	if err != nil {
		return err
	}
	reg, err := buildRegistry(doc)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid backends", err)
	}
	if svgStrict {
		if err := reg.Validate(doc.Recipes()); err != nil {
			return exitError(exitInvalidArgument, "Unknown recipe", err)
		}
	}

	absOut, err := filepath.Abs(outDir)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid output path", err)
	}
	if err := os.MkdirAll(absOut, 0755); err != nil {
		return exitError(exitFileWriteError, "Cannot create output directory", err)
	}

	ix, snapshotID, err := loadRunIndex(ctx, root, doc)
	if err != nil {
		return indexExitError(err)
	}

	prev := previousManifest(absOut)
	skipExisting := svgSkipExist
	if skipExisting && prev != nil && prev.Root != ix.Root() {
		observability.CLILogger.Info("Previous manifest indexed another root; rendering every job",
			zap.String("previous_root", prev.Root))
		skipExisting = false
	}

	disp, err := render.NewDispatcher(render.DispatcherConfig{
		Registry:     reg,
		OutputDir:    absOut,
		Package:      doc.Package,
		Vocabulary:   doc.Vocabulary,
		Timeout:      settings.dispatchTimeout(),
		Previous:     prev,
		SkipExisting: skipExisting,
		Logger:       observability.CLILogger.Named("render"),
	})
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid dispatcher settings", err)
	}

	if svgDryRun {
		return printPlan(os.Stdout, disp, doc, ix)
	}

	absSpec, _ := filepath.Abs(specFile)
	store := runregistry.ForOutputDir(absOut)
	rec := &runregistry.RunRecord{
		Package:    doc.Package,
		Root:       ix.Root(),
		SpecFile:   absSpec,
		OutputDir:  absOut,
		SnapshotID: snapshotID,
	}
	if err := store.Begin(rec); err != nil {
		return exitError(exitFileWriteError, "Cannot record run", err)
	}

	events, closeEvents, err := openEvents(store, rec)
	if err != nil {
		_ = store.Finish(rec, runregistry.RunStateFailed, nil, err)
		return exitError(exitFileWriteError, "Cannot open event stream", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	observability.CLILogger.Info("Run started",
		zap.String("run_id", rec.RunID),
		zap.String("package", doc.Package),
		zap.Int("specs", len(doc.Specs)),
		zap.Int("workers", settings.Workers),
		zap.Duration("job_timeout", settings.JobTimeout))

	coord := run.New(disp, run.Config{
		Workers:   settings.Workers,
		RateLimit: settings.RateLimit,
		Package:   doc.Package,
		Events:    events,
		Logger:    observability.CLILogger.Named("run"),
	})
	m, runErr := coord.Run(runCtx, doc.Specs, ix)
	closeEvents()

	if m == nil {
		_ = store.Finish(rec, runregistry.RunStateFailed, nil, runErr)
		return exitError(exitInvalidArgument, "Run failed", runErr)
	}

	manifestPath := filepath.Join(absOut, manifest.FileName)
	if err := manifest.Write(manifestPath, m); err != nil {
		_ = store.Finish(rec, runregistry.RunStateFailed, &m.Summary, err)
		return exitError(exitFileWriteError, "Cannot write manifest", err)
	}
	rec.ManifestPath = manifestPath

	state := runregistry.RunStateCompleted
	if runErr != nil {
		state = runregistry.RunStateInterrupted
	}
	if err := store.Finish(rec, state, &m.Summary, runErr); err != nil {
		observability.CLILogger.Warn("Failed to record run end", zap.Error(err))
	}

	observability.CLILogger.Info("Run finished",
		zap.String("run_id", rec.RunID),
		zap.String("manifest", manifestPath),
		zap.Int("jobs", m.Summary.Jobs),
		zap.Int("succeeded", m.Summary.Succeeded),
		zap.Int("failed", m.Summary.Failed),
		zap.Int("skipped", m.Summary.Skipped),
		zap.Int("ambiguous", m.Summary.Ambiguous),
		zap.Int("undispatched", m.Summary.Undispatched))

	if runErr != nil {
		return exitError(exitSignalInt, "Run cancelled", runErr)
	}

	if dest != nil {
		return publishRun(ctx, dest, absOut, m)
	}
	return nil
}

// previousManifest reads the manifest a prior run left in outDir. A missing
// or unreadable manifest yields nil: nothing is cleared or reused.
func previousManifest(outDir string) *manifest.Manifest {
	path := filepath.Join(outDir, manifest.FileName)
	m, err := manifest.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			observability.CLILogger.Warn("Ignoring unreadable previous manifest", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	return m
}

// loadRunIndex walks root, or goes through the snapshot store when
// --index-db is set.
func loadRunIndex(ctx context.Context, root string, doc *spec.Document) (*index.Index, string, error) {
	if svgIndexDB == "" {
		ix, err := buildIndex(ctx, root, doc)
		return ix, "", err
	}
	dbPath, err := resolveIndexDBPath(svgIndexDB)
	if err != nil {
		return nil, "", err
	}
	ix, snap, err := snapshotIndex(ctx, dbPath, root, doc, svgRebuild)
	if err != nil {
		return nil, "", err
	}
	return ix, snap.SnapshotID, nil
}

// openEvents opens the JSONL event stream. The returned func closes both
// the writer and the underlying file.
func openEvents(store *runregistry.Store, rec *runregistry.RunRecord) (output.Writer, func(), error) {
	var w io.Writer = os.Stdout
	var f *os.File
	if svgEvents != "-" {
		path := svgEvents
		if path == "" {
			path = store.EventsPath(rec.RunID)
		}
		var err error
		if f, err = os.Create(path); err != nil {
			return nil, nil, err
		}
		w = f
		rec.EventsPath = path
	}

	jw := output.NewJSONLWriter(w, rec.RunID, rec.Package)
	return jw, func() {
		_ = jw.Close()
		if f != nil {
			_ = f.Close()
		}
	}, nil
}

type planRecord struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Seq    int            `json:"seq"`
	Spec   string         `json:"spec"`
	Recipe string         `json:"recipe"`
	Output string         `json:"output"`
	Inputs []render.Input `json:"inputs"`
}

// printPlan writes one line per job that a run would dispatch, then one
// per diagnostic.
func printPlan(w io.Writer, disp *render.Dispatcher, doc *spec.Document, ix *index.Index) error {
	enc := json.NewEncoder(w)
	for _, res := range resolve.ResolveAll(doc.Specs, ix) {
		for _, job := range res.Jobs() {
			req := disp.Request(job)
			stem, err := filepath.Rel(disp.OutputDir(), req.OutputStem)
			if err != nil {
				return err
			}
			if err := enc.Encode(planRecord{
				Type:   "niviz.plan.v1",
				ID:     req.JobID,
				Seq:    job.Seq,
				Spec:   job.Spec,
				Recipe: job.Recipe,
				Output: filepath.ToSlash(stem),
				Inputs: req.Inputs,
			}); err != nil {
				return err
			}
		}
		for _, d := range res.Diagnostics() {
			if err := enc.Encode(manifest.DiagnosticEntry(d)); err != nil {
				return err
			}
		}
	}
	return nil
}

// publishRun uploads the run's outputs and manifest.
func publishRun(ctx context.Context, dest *DestinationURI, outDir string, m *manifest.Manifest) error {
	p, err := openDestination(ctx, dest, s3Options{
		Region:         svgS3Region,
		Endpoint:       svgS3Endpoint,
		Profile:        svgS3Profile,
		ForcePathStyle: svgS3PathStyle,
	})
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to connect to storage provider", err)
	}
	defer func() { _ = p.Close() }()

	opts := publish.Options{Prune: svgPrune, Logger: observability.CLILogger.Named("publish")}
	if cfg := config.GetConfig(); cfg != nil {
		opts.Concurrency = cfg.Publish.Concurrency
		opts.Backoff = cfg.Publish.Backoff
	}
	res, err := publish.Publish(ctx, p, outDir, m, opts)
	if err != nil {
		return exitError(exitFileWriteError, "Publish failed", err)
	}
	observability.CLILogger.Info("Published",
		zap.String("destination", dest.String()),
		zap.Int("uploaded", res.Uploaded),
		zap.Int("pruned", res.Pruned),
		zap.Int64("bytes", res.Bytes))
	return nil
}
