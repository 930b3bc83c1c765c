package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/niviz/internal/errors"
)

func TestSetHTTPErrorResponder(t *testing.T) {
	defer ResetHTTPErrorResponder()

	var captured error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest("GET", "/test", nil), assert.AnError)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, assert.AnError, captured)
}

func TestSetHTTPErrorResponder_NilRestoresDefault(t *testing.T) {
	defer ResetHTTPErrorResponder()

	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusTeapot)
	})
	SetHTTPErrorResponder(nil)

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest("GET", "/test", nil), apperrors.NotFound("gone"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}
