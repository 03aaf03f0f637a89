package command

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Action is one invocation a dry run would have performed.
type Action struct {
	Host    string `json:"host,omitempty"`
	Path    string `json:"path,omitempty"`
	Seq     int    `json:"seq"`
	Step    string `json:"step"`
	Command string `json:"command"`
}

// DryRun records every command instead of running it and reports success.
//
// Sequence numbers are counted per (host, path) pair. Commands for one path
// are issued in order by a single job, so the sorted plan is the same for
// every run over the same configuration regardless of job scheduling.
type DryRun struct {
	logger *zap.Logger

	mu      sync.Mutex
	seq     map[[2]string]int
	actions []Action
}

// NewDryRun returns an empty recorder. A nil logger is replaced by a no-op.
func NewDryRun(logger *zap.Logger) *DryRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRun{logger: logger, seq: make(map[[2]string]int)}
}

// Run implements Runner.
func (d *DryRun) Run(ctx context.Context, c Cmd) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: LaunchExitCode}, err
	}

	line := c.String()

	d.mu.Lock()
	key := [2]string{c.Host, c.Path}
	n := d.seq[key]
	d.seq[key] = n + 1
	d.actions = append(d.actions, Action{
		Host:    c.Host,
		Path:    c.Path,
		Seq:     n,
		Step:    c.Step,
		Command: line,
	})
	d.mu.Unlock()

	d.logger.Info("would run",
		zap.String("host", c.Host),
		zap.String("path", c.Path),
		zap.String("step", c.Step),
		zap.String("command", line),
	)
	return Result{ExitCode: 0}, nil
}

// Actions returns the recorded plan sorted by host, path and sequence.
func (d *DryRun) Actions() []Action {
	d.mu.Lock()
	out := make([]Action, len(d.actions))
	copy(out, d.actions)
	d.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}
