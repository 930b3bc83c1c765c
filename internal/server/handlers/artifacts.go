package handlers

import (
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/niviz/internal/errors"
	"github.com/3leaps/niviz/pkg/manifest"
)

// Artifacts serves the manifest and artifact files of one output directory
// to the report assembler. The manifest is re-read on every request so a
// rerun is visible without a restart.
type Artifacts struct {
	outDir string
}

func NewArtifacts(outDir string) *Artifacts {
	return &Artifacts{outDir: outDir}
}

// SpecResponse is the body of GET /specs/{spec}.
type SpecResponse struct {
	Spec    string           `json:"spec"`
	Entries []manifest.Entry `json:"entries"`
}

func (a *Artifacts) load() (*manifest.Manifest, error) {
	m, err := manifest.Read(filepath.Join(a.outDir, manifest.FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NotFound("no manifest in output directory")
		}
		return nil, apperrors.Internal("manifest unreadable", err)
	}
	return m, nil
}

// ManifestHandler serves the full manifest.
func (a *Artifacts) ManifestHandler(w http.ResponseWriter, r *http.Request) {
	m, err := a.load()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	b, err := manifest.Encode(m)
	if err != nil {
		respondWithError(w, r, apperrors.Internal("encode manifest", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

// SpecHandler serves the entries of one spec in manifest order.
func (a *Artifacts) SpecHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "spec")
	m, err := a.load()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	entries := m.BySpec(name)
	if len(entries) == 0 {
		respondWithError(w, r, apperrors.NotFound("no entries for spec "+name))
		return
	}
	writeJSON(w, http.StatusOK, SpecResponse{Spec: name, Entries: entries})
}

// FileHandler serves an artifact. Only paths listed as outputs in the
// manifest are served.
func (a *Artifacts) FileHandler(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest("invalid artifact path"))
		return
	}
	rel, ok := cleanRel(raw)
	if !ok {
		respondWithError(w, r, apperrors.BadRequest("invalid artifact path"))
		return
	}
	m, err := a.load()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if !listed(m, rel) {
		respondWithError(w, r, apperrors.NotFound("artifact not found: "+rel))
		return
	}

	f, err := os.Open(filepath.Join(a.outDir, filepath.FromSlash(rel)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			respondWithError(w, r, apperrors.NotFound("artifact missing on disk: "+rel))
			return
		}
		respondWithError(w, r, apperrors.Internal("open artifact", err))
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		respondWithError(w, r, apperrors.NotFound("artifact not found: "+rel))
		return
	}
	http.ServeContent(w, r, path.Base(rel), info.ModTime(), f)
}

// cleanRel rejects absolute paths and any ".." segment.
func cleanRel(p string) (string, bool) {
	if p == "" || strings.Contains(p, `\`) || strings.HasPrefix(p, "/") {
		return "", false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", false
		}
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", false
	}
	return clean, true
}

func listed(m *manifest.Manifest, rel string) bool {
	for _, out := range m.Outputs() {
		if out == rel {
			return true
		}
	}
	return false
}
