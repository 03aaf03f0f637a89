package runregistry

import "time"

// RunState is the lifecycle state of a recorded run.
//
// These values are persisted in run.json.
type RunState string

const (
	RunStateRunning  RunState = "running"
	RunStateFinished RunState = "finished"
	RunStateAborted  RunState = "aborted"
	RunStateUnknown  RunState = "unknown"
)

// HostSummary is the folded outcome of one host.
type HostSummary struct {
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	Paths           int     `json:"paths"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// RunRecord is the persistent record written to run.json.
//
// Only run-level summaries are stored; fields are additive.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	State      RunState  `json:"state"`
	Status     string    `json:"status,omitempty"`
	ConfigPath string    `json:"config_path,omitempty"`
	PID        int       `json:"pid,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	Hosts       []HostSummary `json:"hosts,omitempty"`
	FailedHosts []string      `json:"failed_hosts,omitempty"`
	Error       string        `json:"error,omitempty"`
}
