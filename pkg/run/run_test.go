package run

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/niviz/pkg/entity"
	"github.com/3leaps/niviz/pkg/index"
	"github.com/3leaps/niviz/pkg/manifest"
	"github.com/3leaps/niviz/pkg/output"
	"github.com/3leaps/niviz/pkg/render"
	"github.com/3leaps/niviz/pkg/resolve"
	"github.com/3leaps/niviz/pkg/spec"
)

var vocab = entity.MustVocabulary(entity.DefaultEntities)

// subjects returns an index with one T1w image per subject and a mask for
// every subject except those in noMask.
func subjects(t *testing.T, n int, noMask ...int) *index.Index {
	t.Helper()
	skip := make(map[int]bool)
	for _, i := range noMask {
		skip[i] = true
	}
	var files []index.File
	for i := 0; i < n; i++ {
		sub := fmt.Sprintf("%03d", i)
		files = append(files, file(t, sub, "T1w", "image"))
		if !skip[i] {
			files = append(files, file(t, sub, "mask", "mask"))
		}
	}
	rand.New(rand.NewSource(7)).Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })
	return index.New("/data", files, nil)
}

func file(t *testing.T, sub, suffix, role string) index.File {
	t.Helper()
	set, err := vocab.NewSet(map[string]string{"subject": sub, "suffix": suffix})
	require.NoError(t, err)
	rel := fmt.Sprintf("sub-%s/anat/sub-%s_%s.nii.gz", sub, sub, suffix)
	return index.File{Path: "/data/" + rel, Rel: rel, Entities: set, Role: role}
}

func anatSpec(recipe string) spec.Spec {
	return spec.Spec{
		Name:    "anat",
		Recipe:  recipe,
		GroupBy: []string{"subject", "session"},
		Roles:   []spec.Role{{Name: "image"}, {Name: "mask"}},
	}
}

// fakeDispatcher succeeds for every job except those whose subject is in fail.
type fakeDispatcher struct {
	fail  map[string]bool
	delay func(seq int) time.Duration
	calls atomic.Int64
}

func (f *fakeDispatcher) Dispatch(_ context.Context, job *resolve.Job) *manifest.Artifact {
	f.calls.Add(1)
	if f.delay != nil {
		time.Sleep(f.delay(job.Seq))
	}
	a := manifest.NewArtifact(job)
	sub := job.Key.Map()["subject"]
	if f.fail[sub] {
		a.Fail(manifest.CodeRenderFailure, "bad volume")
		return a
	}
	a.Status = manifest.StatusSuccess
	a.Outputs = []string{"niviz/sub-" + sub + ".svg"}
	return a
}

func TestRun_OneFailureAmongHundred(t *testing.T) {
	ix := subjects(t, 100)
	d := &fakeDispatcher{fail: map[string]bool{"042": true}}

	m, err := New(d, Config{Workers: 8, Package: "niviz"}).Run(context.Background(), []spec.Spec{anatSpec("anatomical")}, ix)
	require.NoError(t, err)

	assert.Equal(t, manifest.StatusCompleted, m.Status)
	assert.Equal(t, manifest.Summary{Jobs: 100, Succeeded: 99, Failed: 1}, m.Summary)
	require.Len(t, m.Entries, 100)

	for i, e := range m.Entries {
		require.Equal(t, manifest.KindArtifact, e.Kind)
		assert.Equal(t, i, e.Artifact.Seq, "entries follow group order")
	}
	failed := m.Entries[42].Artifact
	assert.Equal(t, manifest.StatusFailure, failed.Status)
	assert.Equal(t, manifest.CodeRenderFailure, failed.Error.Code)
}

func TestRun_OrderIndependentOfCompletion(t *testing.T) {
	ix := subjects(t, 30, 3, 17)
	specs := []spec.Spec{anatSpec("anatomical"), {Name: "image-only", Recipe: "mosaic", GroupBy: []string{"subject"}, Roles: []spec.Role{{Name: "image"}}}}

	slowFirst := &fakeDispatcher{delay: func(seq int) time.Duration { return time.Duration(60-seq) * time.Millisecond / 10 }}
	fast := &fakeDispatcher{}

	a, err := New(slowFirst, Config{Workers: 16}).Run(context.Background(), specs, ix)
	require.NoError(t, err)
	b, err := New(fast, Config{Workers: 1}).Run(context.Background(), specs, ix)
	require.NoError(t, err)

	ab, err := manifest.Encode(a)
	require.NoError(t, err)
	bb, err := manifest.Encode(b)
	require.NoError(t, err)
	assert.Equal(t, string(bb), string(ab))

	assert.Equal(t, manifest.Summary{Jobs: 58, Succeeded: 58, Skipped: 2}, a.Summary)
	assert.Equal(t, "anat", a.Entries[0].Artifact.Spec)
	assert.Equal(t, manifest.KindSkipped, a.Entries[3].Kind)
	assert.Equal(t, []string{"mask"}, a.Entries[3].Diagnostic.Missing)
	assert.Equal(t, "image-only", a.Entries[len(a.Entries)-1].Artifact.Spec)
}

func TestRun_CancelStopsNewDispatch(t *testing.T) {
	ix := subjects(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var jobCtxErr error
	d := &cancellingDispatcher{cancel: cancel, seen: &jobCtxErr}

	m, err := New(d, Config{Workers: 1}).Run(ctx, []spec.Spec{anatSpec("anatomical")}, ix)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, m)

	assert.Equal(t, int64(1), d.calls.Load())
	assert.Equal(t, 1, m.Summary.Jobs)
	assert.Equal(t, 9, m.Summary.Undispatched)
	require.Len(t, m.Entries, 1)
	assert.True(t, m.Entries[0].Artifact.Succeeded())
	assert.NoError(t, jobCtxErr, "in-flight job keeps running after cancel")
}

type cancellingDispatcher struct {
	cancel context.CancelFunc
	seen   *error
	calls  atomic.Int64
}

func (d *cancellingDispatcher) Dispatch(ctx context.Context, job *resolve.Job) *manifest.Artifact {
	d.calls.Add(1)
	d.cancel()
	*d.seen = ctx.Err()
	a := manifest.NewArtifact(job)
	a.Status = manifest.StatusSuccess
	a.Outputs = []string{"x.svg"}
	return a
}

func TestRun_NoIndex(t *testing.T) {
	_, err := New(&fakeDispatcher{}, Config{}).Run(context.Background(), nil, nil)
	assert.True(t, errors.Is(err, ErrNoIndex))
}

func TestRun_EmptyRun(t *testing.T) {
	m, err := New(&fakeDispatcher{}, Config{}).Run(context.Background(), []spec.Spec{anatSpec("anatomical")}, index.New("/data", nil, []string{"README"}))
	require.NoError(t, err)
	assert.NotNil(t, m.Entries)
	assert.Empty(t, m.Entries)
	assert.Equal(t, []string{"README"}, m.Unmatched)

	data, err := manifest.Encode(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"entries": []`)
}

func TestRun_RateLimit(t *testing.T) {
	ix := subjects(t, 5)
	start := time.Now()
	_, err := New(&fakeDispatcher{}, Config{Workers: 5, RateLimit: 50}).Run(context.Background(), []spec.Spec{anatSpec("a")}, ix)
	require.NoError(t, err)
	// burst of one, then 20ms per start
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestRun_StreamsEvents(t *testing.T) {
	ix := subjects(t, 4, 2)
	var buf bytes.Buffer
	w := output.NewJSONLWriter(&buf, "run-1", "niviz")

	_, err := New(&fakeDispatcher{}, Config{Events: w, ProgressEvery: 2}).Run(context.Background(), []spec.Spec{anatSpec("a")}, ix)
	require.NoError(t, err)

	counts := map[string]int{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec output.Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.Equal(t, "run-1", rec.RunID)
		counts[rec.Type]++
	}
	assert.Equal(t, 3, counts[output.TypeArtifact])
	assert.Equal(t, 1, counts[output.TypeSkip])
	assert.Equal(t, 1, counts[output.TypeSummary])
	assert.GreaterOrEqual(t, counts[output.TypeProgress], 2)
}

// End to end through the real dispatcher: a rerun over the same tree
// overwrites outputs and writes a byte-identical manifest.
func TestRun_RerunIsIdempotent(t *testing.T) {
	ix := subjects(t, 6)
	outDir := t.TempDir()

	reg := render.NewRegistry()
	reg.MustRegister("svg", render.RendererFunc(func(_ context.Context, req render.Request) ([]string, error) {
		out := req.OutputStem + ".svg"
		if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
			return nil, err
		}
		return []string{out}, os.WriteFile(out, []byte(req.JobID), 0644)
	}))

	runOnce := func() []byte {
		d, err := render.NewDispatcher(render.DispatcherConfig{Registry: reg, OutputDir: outDir, Package: "niviz", Vocabulary: vocab})
		require.NoError(t, err)
		m, err := New(d, Config{Workers: 3, Package: "niviz"}).Run(context.Background(), []spec.Spec{anatSpec("svg")}, ix)
		require.NoError(t, err)
		path := filepath.Join(outDir, manifest.FileName)
		require.NoError(t, manifest.Write(path, m))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return data
	}

	first := runOnce()
	second := runOnce()
	assert.Equal(t, string(first), string(second))

	outs, err := filepath.Glob(filepath.Join(outDir, "niviz", "sub-*", "*.svg"))
	require.NoError(t, err)
	assert.Len(t, outs, 6, "rerun overwrites instead of duplicating")

	m, err := manifest.Read(filepath.Join(outDir, manifest.FileName))
	require.NoError(t, err)
	assert.Equal(t, "niviz/sub-000/sub-000_desc-anat.svg", m.Entries[0].Artifact.Outputs[0])
}
