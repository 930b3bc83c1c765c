// Package errors holds the JSON error envelope shared by every HTTP endpoint.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
)

// Error codes used in HTTP responses.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPErrorResponse is the body of every error response.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPError is an error that knows its response status and code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

func NotFound(msg string) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
}

func BadRequest(msg string) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: msg}
}

func ServiceUnavailable(msg string, details map[string]any) *HTTPError {
	return &HTTPError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: msg, Details: details}
}

// Internal wraps err as a 500. The cause is not exposed to clients.
func Internal(msg string, err error) *HTTPError {
	return &HTTPError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: msg, Err: err}
}

type requestIDKey struct{}

// WithRequestID stores the request id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored on ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RespondWithError writes err as a JSON envelope. Errors that are not
// HTTPErrors become 500s.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var he *HTTPError
	if !stderrors.As(err, &he) {
		he = Internal("internal error", err)
	}
	WriteError(w, r, he.Status, he.Code, he.Message, he.Details)
}

// WriteError writes a JSON error envelope with the given status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, msg string, details map[string]any) {
	body := HTTPErrorResponse{Error: ErrorBody{Code: code, Message: msg, Details: details}}
	if r != nil {
		body.Error.RequestID = RequestID(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
