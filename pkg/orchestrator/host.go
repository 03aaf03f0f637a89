package orchestrator

import (
	"context"
	"time"

	"github.com/pljakobs/backup/pkg/backupconfig"
	"github.com/pljakobs/backup/pkg/pool"
	"github.com/pljakobs/backup/pkg/status"
)

// MessageCancelled marks paths that never started because the run was
// interrupted.
const MessageCancelled = "cancelled before start"

// HostRun collects the path jobs of one host. Each slot is written by
// exactly one job and read only after the pool has drained.
type HostRun struct {
	Host    backupconfig.HostSpec
	slots   []JobResult
	started []bool
}

// HostExecutor submits a host's paths to the shared pool.
type HostExecutor struct {
	paths *PathExecutor
}

// NewHostExecutor returns a HostExecutor running paths with pe.
func NewHostExecutor(pe *PathExecutor) *HostExecutor {
	return &HostExecutor{paths: pe}
}

// Submit schedules one job per path of h on p and returns the run handle.
// The handle must not be folded before p has been shut down.
func (x *HostExecutor) Submit(p *pool.Pool, h backupconfig.HostSpec) *HostRun {
	run := &HostRun{
		Host:    h,
		slots:   make([]JobResult, len(h.Paths)),
		started: make([]bool, len(h.Paths)),
	}
	for i, ps := range h.Paths {
		err := p.Submit(func(ctx context.Context) {
			run.started[i] = true
			run.slots[i] = x.paths.Run(ctx, h, ps)
		})
		if err != nil {
			break
		}
	}
	return run
}

// Fold returns the host report. Paths that never ran are failed.
func (r *HostRun) Fold() HostReport {
	rep := HostReport{
		Name:    r.Host.Name,
		Address: r.Host.Address,
		Paths:   make([]JobResult, len(r.slots)),
	}

	var end time.Time
	statuses := make([]status.Status, 0, len(r.slots))
	for i, res := range r.slots {
		if !r.started[i] {
			p := r.Host.Paths[i]
			res = JobResult{
				Host:        r.Host.Name,
				Path:        p.Source,
				Destination: p.Destination,
				ExitCode:    -1,
				Status:      status.Failed,
				Message:     MessageCancelled,
			}
		} else {
			if rep.Started.IsZero() || res.Started.Before(rep.Started) {
				rep.Started = res.Started
			}
			if e := res.Started.Add(res.Duration); e.After(end) {
				end = e
			}
		}
		rep.Paths[i] = res
		statuses = append(statuses, res.Status)
	}

	rep.Status = status.Fold(statuses...)
	if !rep.Started.IsZero() {
		rep.Duration = end.Sub(rep.Started)
	}
	return rep
}
