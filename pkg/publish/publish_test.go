package publish

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/niviz/pkg/entity"
	"github.com/3leaps/niviz/pkg/manifest"
	"github.com/3leaps/niviz/pkg/provider"
	"github.com/3leaps/niviz/pkg/provider/file"
)

func writeRun(t *testing.T, outputs ...string) (string, *manifest.Manifest) {
	t.Helper()
	dir := t.TempDir()
	m := &manifest.Manifest{Version: manifest.Version, Package: "niviz", Status: manifest.StatusCompleted, Root: "/data", Entries: []manifest.Entry{}}
	for i, out := range outputs {
		full := filepath.Join(dir, filepath.FromSlash(out))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(out), 0644))
		m.Entries = append(m.Entries, manifest.ArtifactEntry(&manifest.Artifact{
			ID: out, Seq: i, Spec: "anat", Recipe: "svg", Key: []entity.Pair{}, Inputs: []manifest.Input{},
			Outputs: []string{out}, Status: manifest.StatusSuccess,
		}))
	}
	m.Tally()
	require.NoError(t, manifest.Write(filepath.Join(dir, manifest.FileName), m))
	return dir, m
}

func TestPublish_ToFileProvider(t *testing.T) {
	outDir, m := writeRun(t, "niviz/sub-01/sub-01_desc-anat.svg", "niviz/sub-02/sub-02_desc-anat.svg")
	dest, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	res, err := Publish(context.Background(), dest, outDir, m, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Uploaded)
	assert.Positive(t, res.Bytes)

	data, err := os.ReadFile(filepath.Join(dest.BaseDir(), "niviz", "sub-02", "sub-02_desc-anat.svg"))
	require.NoError(t, err)
	assert.Equal(t, "niviz/sub-02/sub-02_desc-anat.svg", string(data))

	published, err := manifest.Read(filepath.Join(dest.BaseDir(), manifest.FileName))
	require.NoError(t, err)
	assert.Equal(t, m.Summary, published.Summary)
}

func TestPublish_Prune(t *testing.T) {
	outDir, m := writeRun(t, "niviz/sub-01/a.svg")
	dest, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	for _, k := range []string{"niviz/sub-09/stale.svg", "elsewhere/keep.svg"} {
		require.NoError(t, dest.Put(ctx, k, strings.NewReader("x"), 1, ""))
	}

	res, err := Publish(ctx, dest, outDir, m, Options{Prune: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pruned)
	assert.NoFileExists(t, filepath.Join(dest.BaseDir(), "niviz", "sub-09", "stale.svg"))
	assert.FileExists(t, filepath.Join(dest.BaseDir(), "elsewhere", "keep.svg"), "prune stays inside the package prefix")
	assert.FileExists(t, filepath.Join(dest.BaseDir(), "niviz", "sub-01", "a.svg"))
}

func TestPublish_PruneNeedsPackage(t *testing.T) {
	outDir, m := writeRun(t)
	m.Package = ""
	_, err := Publish(context.Background(), &flaky{}, outDir, m, Options{Prune: true})
	assert.ErrorIs(t, err, ErrNoPackage)
}

func TestPublish_MissingOutput(t *testing.T) {
	outDir, m := writeRun(t, "niviz/a.svg")
	require.NoError(t, os.Remove(filepath.Join(outDir, "niviz", "a.svg")))

	_, err := Publish(context.Background(), &flaky{}, outDir, m, Options{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// flaky throttles the first `failures` puts of every key.
type flaky struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
	stored   []string
}

func (f *flaky) List(context.Context, string) ([]provider.Object, error) { return nil, nil }
func (f *flaky) Delete(context.Context, string) error                    { return nil }
func (f *flaky) Close() error                                            { return nil }

func (f *flaky) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	_, _ = io.Copy(io.Discard, body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = map[string]int{}
	}
	f.attempts[key]++
	if f.attempts[key] <= f.failures {
		return &provider.ProviderError{Op: "Put", Key: key, Err: provider.ErrThrottled}
	}
	f.stored = append(f.stored, key)
	return nil
}

func TestPublish_RetriesTransientFailures(t *testing.T) {
	outDir, m := writeRun(t, "niviz/a.svg", "niviz/b.svg")
	dest := &flaky{failures: 2}

	res, err := Publish(context.Background(), dest, outDir, m, Options{Backoff: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Uploaded)

	sort.Strings(dest.stored[:2])
	assert.Equal(t, []string{"niviz/a.svg", "niviz/b.svg", manifest.FileName}, dest.stored, "manifest is uploaded last")
}

func TestPublish_GivesUpAfterMaxAttempts(t *testing.T) {
	outDir, m := writeRun(t, "niviz/a.svg")
	dest := &flaky{failures: maxAttempts}

	_, err := Publish(context.Background(), dest, outDir, m, Options{Backoff: time.Millisecond})
	assert.ErrorIs(t, err, provider.ErrThrottled)
	assert.Equal(t, maxAttempts, dest.attempts["niviz/a.svg"])
}
