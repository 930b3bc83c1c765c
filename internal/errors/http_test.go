package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) HTTPErrorResponse {
	t.Helper()
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{name: "not found", err: NotFound("no such spec"), wantStatus: http.StatusNotFound, wantCode: CodeNotFound, wantMsg: "no such spec"},
		{name: "wrapped", err: fmt.Errorf("lookup: %w", BadRequest("bad path")), wantStatus: http.StatusBadRequest, wantCode: CodeBadRequest, wantMsg: "bad path"},
		{name: "plain error hides cause", err: assert.AnError, wantStatus: http.StatusInternalServerError, wantCode: CodeInternal, wantMsg: "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			req = req.WithContext(WithRequestID(req.Context(), "req-1"))
			rec := httptest.NewRecorder()

			RespondWithError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			body := decode(t, rec)
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, tt.wantMsg, body.Error.Message)
			assert.Equal(t, "req-1", body.Error.RequestID)
		})
	}
}

func TestHTTPError_Unwrap(t *testing.T) {
	err := Internal("manifest unreadable", assert.AnError)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "manifest unreadable")
}

func TestWriteError_Details(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, nil, http.StatusServiceUnavailable, CodeServiceUnavailable, "down", map[string]any{"checks": map[string]any{"db": "unhealthy"}})

	body := decode(t, rec)
	assert.Empty(t, body.Error.RequestID)
	assert.Equal(t, map[string]any{"checks": map[string]any{"db": "unhealthy"}}, body.Error.Details)
}
