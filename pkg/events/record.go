// Package events emits the run's monitoring stream.
//
// The default text format is a line contract consumed by the metrics
// pipeline: one "KIND: key=value ..." line per event, every line carrying the
// run_id. The jsonl format wraps the same payloads in typed envelopes.
package events

import (
	"encoding/json"
	"errors"
	"time"
)

// Line kinds of the text format.
const (
	KindRunStart    = "BACKUP_RUN_START"
	KindRunComplete = "BACKUP_RUN_COMPLETE"
	KindRsyncStats  = "RSYNC_STATS"
	KindRsyncErrors = "RSYNC_ERRORS"
	KindHostStatus  = "BACKUP_HOST_STATUS"
)

// Envelope types of the jsonl format.
const (
	TypeRunStart    = "backup.run_start.v1"
	TypeRunComplete = "backup.run_complete.v1"
	TypeRsyncStats  = "backup.rsync_stats.v1"
	TypeRsyncErrors = "backup.rsync_errors.v1"
	TypeHostStatus  = "backup.host_status.v1"
)

// Record is the jsonl envelope.
type Record struct {
	Type  string          `json:"type"`
	TS    time.Time       `json:"ts"`
	RunID string          `json:"run_id"`
	Data  json.RawMessage `json:"data"`
}

// RunStartRecord marks the start of a run.
type RunStartRecord struct {
	Mode string `json:"mode,omitempty"`
}

// RunCompleteRecord carries the folded run status.
type RunCompleteRecord struct {
	Status string `json:"status"`
}

// RsyncStatsRecord is emitted once per path job.
type RsyncStatsRecord struct {
	Host             string  `json:"host"`
	Path             string  `json:"path"`
	BytesSent        int64   `json:"bytes_sent"`
	BytesReceived    int64   `json:"bytes_received"`
	TransferRate     float64 `json:"transfer_rate"`
	TotalSize        int64   `json:"total_size"`
	Speedup          float64 `json:"speedup"`
	ExitCode         int     `json:"exit_code"`
	ErrorCount       int     `json:"error_count"`
	WarningCount     int     `json:"warning_count"`
	PermissionErrors int     `json:"permission_errors"`
	ConnectionErrors int     `json:"connection_errors"`
}

// RsyncErrorsRecord carries the first error lines of a path job.
type RsyncErrorsRecord struct {
	Host     string   `json:"host"`
	Path     string   `json:"path"`
	Messages []string `json:"messages"`
}

// HostStatusRecord is emitted once per host after its paths are folded.
type HostStatusRecord struct {
	Host            string  `json:"host"`
	Status          string  `json:"status"`
	StatusNumeric   float64 `json:"status_numeric"`
	DurationSeconds float64 `json:"duration_seconds"`
	Paths           int     `json:"paths"`
}

var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("events writer is closed")

	// ErrUnknownFormat is returned by New for an unsupported format name.
	ErrUnknownFormat = errors.New("unknown events format")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "events: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
