package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/niviz/pkg/entity"
	"github.com/3leaps/niviz/pkg/manifest"
)

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "fmriprep", "sub-01"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fmriprep", "sub-01", "sub-01_desc-brainmask.svg"), []byte("<svg/>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("nope"), 0644))

	key := []entity.Pair{{Key: "subject", Value: "01"}}
	m := &manifest.Manifest{
		Version: manifest.Version,
		Package: "fmriprep",
		Status:  manifest.StatusCompleted,
		Root:    "/data",
		Entries: []manifest.Entry{
			{Kind: manifest.KindArtifact, Artifact: &manifest.Artifact{
				ID: "brainmask:subject=01", Spec: "brainmask", Recipe: "overlay", Key: key,
				Inputs:  []manifest.Input{{Role: "mask", Paths: []string{"sub-01_mask.nii.gz"}}},
				Outputs: []string{"fmriprep/sub-01/sub-01_desc-brainmask.svg"},
				Status:  manifest.StatusSuccess,
			}},
			{Kind: manifest.KindSkipped, Diagnostic: &manifest.Diagnostic{Spec: "carpet", Key: key, Missing: []string{"bold"}}},
		},
	}
	m.Tally()
	require.NoError(t, manifest.Write(filepath.Join(dir, manifest.FileName), m))
	return dir
}

func router(a *Artifacts) http.Handler {
	r := chi.NewRouter()
	r.Get("/manifest", a.ManifestHandler)
	r.Get("/specs/{spec}", a.SpecHandler)
	r.Get("/files/*", a.FileHandler)
	return r
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestArtifacts_Manifest(t *testing.T) {
	h := router(NewArtifacts(writeFixture(t)))

	rec := get(h, "/manifest")
	require.Equal(t, http.StatusOK, rec.Code)
	m, err := manifest.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Summary.Succeeded)
	assert.Equal(t, 1, m.Summary.Skipped)
}

func TestArtifacts_MissingManifest(t *testing.T) {
	rec := get(router(NewArtifacts(t.TempDir())), "/manifest")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifacts_Spec(t *testing.T) {
	h := router(NewArtifacts(writeFixture(t)))

	rec := get(h, "/specs/carpet")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SpecResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, manifest.KindSkipped, resp.Entries[0].Kind)

	assert.Equal(t, http.StatusNotFound, get(h, "/specs/unknown").Code)
}

func TestArtifacts_Files(t *testing.T) {
	h := router(NewArtifacts(writeFixture(t)))

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{name: "listed output", target: "/files/fmriprep/sub-01/sub-01_desc-brainmask.svg", want: http.StatusOK},
		{name: "unlisted file", target: "/files/secret.txt", want: http.StatusNotFound},
		{name: "manifest itself is not an output", target: "/files/manifest.json", want: http.StatusNotFound},
		{name: "traversal", target: "/files/fmriprep/../secret.txt", want: http.StatusBadRequest},
		{name: "encoded traversal", target: "/files/fmriprep/%2e%2e/secret.txt", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(h, tt.target)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "<svg/>", rec.Body.String())
			}
		})
	}
}

func TestCleanRel(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "a/b.svg", want: "a/b.svg", ok: true},
		{in: "a//b.svg", want: "a/b.svg", ok: true},
		{in: "", ok: false},
		{in: ".", ok: false},
		{in: "/etc/passwd", ok: false},
		{in: "a/../b", ok: false},
		{in: `a\b`, ok: false},
	}
	for _, tt := range tests {
		got, ok := cleanRel(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
