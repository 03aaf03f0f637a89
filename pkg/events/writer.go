package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Supported formats.
const (
	FormatText  = "text"
	FormatJSONL = "jsonl"
)

// Writer emits run events. Implementations are safe for concurrent use and
// write each event as one complete line.
type Writer interface {
	RunID() string
	WriteRunStart(ctx context.Context, rec *RunStartRecord) error
	WriteRunComplete(ctx context.Context, rec *RunCompleteRecord) error
	WriteRsyncStats(ctx context.Context, rec *RsyncStatsRecord) error
	WriteRsyncErrors(ctx context.Context, rec *RsyncErrorsRecord) error
	WriteHostStatus(ctx context.Context, rec *HostStatusRecord) error
	Close() error
}

// New returns a writer for format bound to runID. An empty format means text.
func New(format string, w io.Writer, runID string) (Writer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		return NewTextWriter(w, runID), nil
	case FormatJSONL:
		return NewJSONLWriter(w, runID), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// lineWriter serializes complete lines onto w.
type lineWriter struct {
	w      io.Writer
	runID  string
	now    func() time.Time
	mu     sync.Mutex
	closed bool
}

func (lw *lineWriter) RunID() string { return lw.runID }

// Close marks the writer closed. The underlying writer is not closed.
func (lw *lineWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.closed = true
	return nil
}

func (lw *lineWriter) emit(ctx context.Context, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.closed {
		return ErrWriterClosed
	}
	if err := writeAll(lw.w, line); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// TextWriter writes the key=value line contract.
type TextWriter struct {
	lineWriter
}

// NewTextWriter creates a text contract writer.
func NewTextWriter(w io.Writer, runID string) *TextWriter {
	return &TextWriter{lineWriter{w: w, runID: runID, now: time.Now}}
}

func (tw *TextWriter) WriteRunStart(ctx context.Context, _ *RunStartRecord) error {
	return tw.line(ctx, KindRunStart)
}

func (tw *TextWriter) WriteRunComplete(ctx context.Context, rec *RunCompleteRecord) error {
	return tw.line(ctx, KindRunComplete, "status", rec.Status)
}

func (tw *TextWriter) WriteRsyncStats(ctx context.Context, rec *RsyncStatsRecord) error {
	return tw.line(ctx, KindRsyncStats,
		"host", rec.Host,
		"path", rec.Path,
		"bytes_sent", strconv.FormatInt(rec.BytesSent, 10),
		"bytes_received", strconv.FormatInt(rec.BytesReceived, 10),
		"transfer_rate", strconv.FormatFloat(rec.TransferRate, 'f', 2, 64),
		"total_size", strconv.FormatInt(rec.TotalSize, 10),
		"speedup", strconv.FormatFloat(rec.Speedup, 'f', 2, 64),
		"exit_code", strconv.Itoa(rec.ExitCode),
		"error_count", strconv.Itoa(rec.ErrorCount),
		"warning_count", strconv.Itoa(rec.WarningCount),
		"permission_errors", strconv.Itoa(rec.PermissionErrors),
		"connection_errors", strconv.Itoa(rec.ConnectionErrors),
	)
}

// WriteRsyncErrors writes the messages joined with "; ". The messages value
// is always quoted.
func (tw *TextWriter) WriteRsyncErrors(ctx context.Context, rec *RsyncErrorsRecord) error {
	return tw.line(ctx, KindRsyncErrors,
		"host", rec.Host,
		"path", rec.Path,
		"messages", quoteAlways(strings.Join(rec.Messages, "; ")),
	)
}

func (tw *TextWriter) WriteHostStatus(ctx context.Context, rec *HostStatusRecord) error {
	return tw.line(ctx, KindHostStatus,
		"host", rec.Host,
		"status", rec.Status,
		"status_numeric", strconv.FormatFloat(rec.StatusNumeric, 'f', -1, 64),
		"duration_seconds", strconv.FormatFloat(rec.DurationSeconds, 'f', 3, 64),
		"paths", strconv.Itoa(rec.Paths),
	)
}

// line renders kind and kv pairs, then appends run_id and timestamp.
func (tw *TextWriter) line(ctx context.Context, kind string, kv ...string) error {
	var b strings.Builder
	b.WriteString(kind)
	b.WriteByte(':')
	for i := 0; i+1 < len(kv); i += 2 {
		b.WriteByte(' ')
		b.WriteString(kv[i])
		b.WriteByte('=')
		if kv[i] == "messages" {
			b.WriteString(kv[i+1])
		} else {
			b.WriteString(quoteIfNeeded(kv[i+1]))
		}
	}
	b.WriteString(" run_id=")
	b.WriteString(quoteIfNeeded(tw.runID))
	b.WriteString(" timestamp=")
	b.WriteString(tw.now().UTC().Format(time.RFC3339))
	b.WriteByte('\n')
	return tw.emit(ctx, []byte(b.String()))
}

// JSONLWriter writes typed envelopes as newline-delimited JSON.
type JSONLWriter struct {
	lineWriter
}

// NewJSONLWriter creates a jsonl writer.
func NewJSONLWriter(w io.Writer, runID string) *JSONLWriter {
	return &JSONLWriter{lineWriter{w: w, runID: runID, now: time.Now}}
}

func (jw *JSONLWriter) WriteRunStart(ctx context.Context, rec *RunStartRecord) error {
	return jw.record(ctx, TypeRunStart, rec)
}

func (jw *JSONLWriter) WriteRunComplete(ctx context.Context, rec *RunCompleteRecord) error {
	return jw.record(ctx, TypeRunComplete, rec)
}

func (jw *JSONLWriter) WriteRsyncStats(ctx context.Context, rec *RsyncStatsRecord) error {
	return jw.record(ctx, TypeRsyncStats, rec)
}

func (jw *JSONLWriter) WriteRsyncErrors(ctx context.Context, rec *RsyncErrorsRecord) error {
	return jw.record(ctx, TypeRsyncErrors, rec)
}

func (jw *JSONLWriter) WriteHostStatus(ctx context.Context, rec *HostStatusRecord) error {
	return jw.record(ctx, TypeHostStatus, rec)
}

func (jw *JSONLWriter) record(ctx context.Context, recordType string, data any) error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}
	recordBytes, err := json.Marshal(Record{
		Type:  recordType,
		TS:    jw.now().UTC(),
		RunID: jw.runID,
		Data:  dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	return jw.emit(ctx, append(recordBytes, '\n'))
}

// writeAll writes all bytes to w, looping over short writes so lines are
// never truncated.
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

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\"=\n") {
		return quoteAlways(s)
	}
	return s
}

func quoteAlways(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", " ")
	return `"` + s + `"`
}

var (
	_ Writer = (*TextWriter)(nil)
	_ Writer = (*JSONLWriter)(nil)
)
