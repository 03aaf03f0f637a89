// Package orchestrator drives one backup run: snapshots, the run lock,
// connectivity verification, the path jobs, and the status fold-up.
package orchestrator

import (
	"errors"
	"time"

	"github.com/pljakobs/backup/pkg/command"
	"github.com/pljakobs/backup/pkg/snapshot"
	"github.com/pljakobs/backup/pkg/status"
	"github.com/pljakobs/backup/pkg/verify"
)

// ErrNoReachableHosts aborts a run in which verification left no host.
var ErrNoReachableHosts = errors.New("no reachable hosts")

// State is a coordinator state.
type State string

const (
	StateInit          State = "init"
	StateSnapshotsDone State = "snapshots_done"
	StateLocked        State = "locked"
	StateVerified      State = "verified"
	StateRunning       State = "running"
	StateFolding       State = "folding"
	StateReleased      State = "released"
)

// Mode selects what the coordinator does with external tools.
type Mode string

const (
	ModeBackup Mode = "backup"
	// ModeDryRun records every external invocation instead of running it.
	ModeDryRun Mode = "dry-run"
)

// HostReport is the folded outcome of one working host.
type HostReport struct {
	Name     string
	Address  string
	Status   status.Status
	Paths    []JobResult
	Started  time.Time
	Duration time.Duration
}

// Report describes a finished run.
type Report struct {
	RunID  string
	Mode   Mode
	Status status.Status
	// States lists every state the run passed through, in order.
	States []State

	Snapshots   []snapshot.Outcome
	Hosts       []HostReport
	FailedHosts []verify.HostCheck
	// Planned holds the recorded plan of a dry run.
	Planned []command.Action

	Started  time.Time
	Duration time.Duration

	// Err is set when the run aborted before folding: lock held, no
	// reachable host, or interruption.
	Err error
}

// Jobs returns every path result of the run.
func (r *Report) Jobs() []JobResult {
	var out []JobResult
	for _, h := range r.Hosts {
		out = append(out, h.Paths...)
	}
	return out
}

// Reached reports whether the run passed through s.
func (r *Report) Reached(s State) bool {
	for _, st := range r.States {
		if st == s {
			return true
		}
	}
	return false
}
