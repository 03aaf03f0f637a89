// Package snapshot rotates filesystem snapshots of the backup volume before
// a run. The snapshot tool is external; a failing schedule is logged and
// never stops the backup.
package snapshot

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pljakobs/backup/pkg/backupconfig"
	"github.com/pljakobs/backup/pkg/command"
)

// Outcome records one schedule invocation.
type Outcome struct {
	Schedule backupconfig.Schedule
	ExitCode int
	Err      error
	Duration time.Duration
}

// OK reports a successful invocation.
func (o Outcome) OK() bool { return o.Err == nil && o.ExitCode == 0 }

// Scheduler invokes the snapshot tool once per schedule.
type Scheduler struct {
	runner command.Runner
	logger *zap.Logger
	// tool overrides the tool named in the configuration when set.
	tool string
}

// New returns a Scheduler. tool may be empty to use the configured tool.
func New(runner command.Runner, tool string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{runner: runner, tool: tool, logger: logger}
}

// Args renders the tool's positional arguments:
// volume, schedule type, retention count, interval in seconds.
func Args(volume string, s backupconfig.Schedule) []string {
	return []string{
		volume,
		s.Type,
		strconv.Itoa(s.Count),
		strconv.FormatInt(int64(s.Interval/time.Second), 10),
	}
}

// Run invokes every schedule in order. A nil spec or one without schedules
// does nothing.
func (s *Scheduler) Run(ctx context.Context, spec *backupconfig.SnapshotSpec) []Outcome {
	if spec == nil || len(spec.Schedules) == 0 {
		s.logger.Debug("no snapshot schedules configured")
		return nil
	}

	tool := s.tool
	if tool == "" {
		tool = spec.Tool
	}
	if tool == "" {
		tool = backupconfig.DefaultSnapshotTool
	}

	out := make([]Outcome, 0, len(spec.Schedules))
	for _, sched := range spec.Schedules {
		if ctx.Err() != nil {
			out = append(out, Outcome{Schedule: sched, ExitCode: command.LaunchExitCode, Err: ctx.Err()})
			continue
		}

		res, err := s.runner.Run(ctx, command.Cmd{
			Name: tool,
			Args: Args(spec.Volume, sched),
			Step: "snapshot_" + sched.Type,
		})
		o := Outcome{Schedule: sched, ExitCode: res.ExitCode, Err: err, Duration: res.Duration}
		out = append(out, o)

		fields := []zap.Field{
			zap.String("volume", spec.Volume),
			zap.String("schedule", sched.Type),
			zap.Int("count", sched.Count),
			zap.Duration("interval", sched.Interval),
			zap.Int("exit_code", res.ExitCode),
		}
		if o.OK() {
			s.logger.Info("snapshot rotated", fields...)
		} else {
			s.logger.Warn("snapshot failed", append(fields, zap.Error(err))...)
		}
	}
	return out
}
