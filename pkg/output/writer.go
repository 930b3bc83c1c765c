package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/3leaps/niviz/pkg/manifest"
)

// Writer emits JSONL run events.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	WriteArtifact(ctx context.Context, a *manifest.Artifact) error
	WriteSkip(ctx context.Context, d *manifest.Diagnostic) error
	WriteAmbiguous(ctx context.Context, d *manifest.Diagnostic) error
	WriteProgress(ctx context.Context, p *ProgressRecord) error
	WriteError(ctx context.Context, e *ErrorRecord) error
	WriteSummary(ctx context.Context, s *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized with a mutex so lines never interleave.
type JSONLWriter struct {
	w     io.Writer
	runID string
	pkg   string
	mu    sync.Mutex

	closed bool
}

// NewJSONLWriter creates a writer stamping every record with runID and pkg.
func NewJSONLWriter(w io.Writer, runID, pkg string) *JSONLWriter {
	return &JSONLWriter{w: w, runID: runID, pkg: pkg}
}

func (jw *JSONLWriter) WriteArtifact(ctx context.Context, a *manifest.Artifact) error {
	return jw.writeRecord(ctx, TypeArtifact, a)
}

func (jw *JSONLWriter) WriteSkip(ctx context.Context, d *manifest.Diagnostic) error {
	return jw.writeRecord(ctx, TypeSkip, d)
}

func (jw *JSONLWriter) WriteAmbiguous(ctx context.Context, d *manifest.Diagnostic) error {
	return jw.writeRecord(ctx, TypeAmbiguous, d)
}

func (jw *JSONLWriter) WriteProgress(ctx context.Context, p *ProgressRecord) error {
	return jw.writeRecord(ctx, TypeProgress, p)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, e *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, e)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, s *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, s)
}

// WriteEntry emits the record matching a manifest entry's kind.
func WriteEntry(ctx context.Context, w Writer, e manifest.Entry) error {
	switch e.Kind {
	case manifest.KindArtifact:
		return w.WriteArtifact(ctx, e.Artifact)
	case manifest.KindSkipped:
		return w.WriteSkip(ctx, e.Diagnostic)
	case manifest.KindAmbiguous:
		return w.WriteAmbiguous(ctx, e.Diagnostic)
	}
	return nil
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	// Check context cancellation before acquiring lock
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type:    recordType,
		TS:      time.Now().UTC(),
		RunID:   jw.runID,
		Package: jw.pkg,
		Data:    dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)
