package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pljakobs/backup/pkg/backupconfig"
	"github.com/pljakobs/backup/pkg/command"
	"github.com/pljakobs/backup/pkg/events"
	"github.com/pljakobs/backup/pkg/lockfile"
	"github.com/pljakobs/backup/pkg/metrics"
	"github.com/pljakobs/backup/pkg/pool"
	"github.com/pljakobs/backup/pkg/runregistry"
	"github.com/pljakobs/backup/pkg/snapshot"
	"github.com/pljakobs/backup/pkg/status"
	"github.com/pljakobs/backup/pkg/verify"
)

// Options configures a Coordinator.
type Options struct {
	Mode       Mode
	Config     *backupconfig.Config
	ConfigPath string

	// Workers bounds concurrent path jobs; <= 0 uses the CPU count.
	Workers int
	Verify  verify.Options
	Tools   Tools
	// SnapshotTool overrides the tool named in the configuration.
	SnapshotTool string

	// Runner executes external tools in backup mode. Dry runs always use a
	// recorder instead.
	Runner command.Runner

	// Events receives the monitoring stream; nil discards it.
	Events       io.Writer
	EventsFormat string

	// Journal records the run; nil disables it. Dry runs are never recorded.
	Journal *runregistry.Store
	// MetricsTextfile, when set, receives the run gauges. Dry runs never
	// write it.
	MetricsTextfile string

	Locks  *lockfile.Manager
	Logger *zap.Logger
}

// Coordinator runs backups.
type Coordinator struct {
	opts   Options
	logger *zap.Logger
}

// New validates opts and returns a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: configuration is required", backupconfig.ErrConfig)
	}
	switch opts.Mode {
	case ModeBackup, ModeDryRun:
	case "":
		opts.Mode = ModeBackup
	default:
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}
	if _, err := events.New(opts.EventsFormat, io.Discard, ""); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Runner == nil {
		opts.Runner = command.Exec{}
	}
	if opts.Events == nil {
		opts.Events = io.Discard
	}
	if opts.Locks == nil {
		opts.Locks = lockfile.NewManager(opts.Logger)
	}
	opts.Tools = opts.Tools.withDefaults()
	if opts.Verify.ConnectTimeout <= 0 {
		opts.Verify.ConnectTimeout = verify.DefaultOptions().ConnectTimeout
	}
	if opts.Verify.Tools.SSH == "" {
		opts.Verify.Tools.SSH = opts.Tools.SSH
	}
	return &Coordinator{opts: opts, logger: opts.Logger}, nil
}

// run is the mutable state of one Run call.
type run struct {
	c       *Coordinator
	ctx     context.Context
	logger  *zap.Logger
	report  *Report
	events  events.Writer
	dry     *command.DryRun
	lock    *lockfile.Lock
	pool    *pool.Pool
	metrics *metrics.Recorder
	record  *runregistry.RunRecord

	releaseOnce sync.Once
}

// Run executes one backup run and returns its report. It never panics on
// tool failures; aborts are reported in Report.Err. The lock is released on
// every return path.
func (c *Coordinator) Run(ctx context.Context) *Report {
	runID := NewRunID()
	r := &run{
		c:      c,
		ctx:    ctx,
		logger: c.logger.With(zap.String("run_id", runID)),
		report: &Report{
			RunID:   runID,
			Mode:    c.opts.Mode,
			Status:  status.Success,
			Started: time.Now(),
		},
		metrics: metrics.NewRecorder(),
	}
	// The format was checked in New.
	r.events, _ = events.New(c.opts.EventsFormat, c.opts.Events, runID)
	defer r.release()

	runner := c.opts.Runner
	if c.opts.Mode == ModeDryRun {
		r.dry = command.NewDryRun(r.logger)
		runner = r.dry
	}

	r.transition(StateInit)
	if err := r.events.WriteRunStart(context.WithoutCancel(ctx), &events.RunStartRecord{Mode: string(c.opts.Mode)}); err != nil {
		r.logger.Warn("emit run start failed", zap.Error(err))
	}

	cfg := c.opts.Config
	r.report.Snapshots = snapshot.New(runner, c.opts.SnapshotTool, r.logger).Run(ctx, cfg.Snapshots)
	r.transition(StateSnapshotsDone)

	if err := ctx.Err(); err != nil {
		r.abort(err)
		return r.report
	}

	lock, err := c.opts.Locks.Acquire(cfg.LockFile)
	if err != nil {
		r.abort(err)
		return r.report
	}
	r.lock = lock
	r.transition(StateLocked)
	r.journalStart()

	checks := verify.New(runner, c.opts.Verify, nil, r.logger).VerifyAll(ctx, cfg.Hosts, false)
	r.report.FailedHosts = checks.Failed
	r.transition(StateVerified)

	if err := ctx.Err(); err != nil {
		r.abort(err)
		return r.report
	}
	if len(checks.Working) == 0 {
		r.abort(ErrNoReachableHosts)
		return r.report
	}

	pe := NewPathExecutor(runner, r.events, PathOptions{
		RsyncOptions:   cfg.RsyncOptions,
		ConnectTimeout: c.opts.Verify.ConnectTimeout,
		Tools:          c.opts.Tools,
		SkipMkdir:      c.opts.Mode == ModeDryRun,
	}, r.logger)
	hx := NewHostExecutor(pe)

	r.pool = pool.New(ctx, c.opts.Workers)
	hostRuns := make([]*HostRun, 0, len(checks.Working))
	for _, h := range checks.WorkingHosts() {
		hostRuns = append(hostRuns, hx.Submit(r.pool, h))
	}
	r.transition(StateRunning)
	r.pool.Shutdown()

	r.transition(StateFolding)
	statuses := make([]status.Status, 0, len(hostRuns))
	for _, hr := range hostRuns {
		rep := hr.Fold()
		r.report.Hosts = append(r.report.Hosts, rep)
		statuses = append(statuses, rep.Status)
		r.observeHost(rep)
	}
	r.report.Status = status.Fold(statuses...)

	if err := ctx.Err(); err != nil {
		r.report.Err = err
	}
	return r.report
}

// abort ends the run early with a failed status.
func (r *run) abort(err error) {
	r.report.Err = err
	r.report.Status = status.Failed
	if lockfile.IsAlreadyRunning(err) {
		r.logger.Error("another backup is running", zap.Error(err))
		return
	}
	r.logger.Error("run aborted", zap.Error(err))
}

func (r *run) transition(s State) {
	r.report.States = append(r.report.States, s)
	r.logger.Debug("run state", zap.String("state", string(s)))
}

func (r *run) observeHost(rep HostReport) {
	for _, j := range rep.Paths {
		r.metrics.ObservePath(metrics.PathSample{
			Host:          j.Host,
			Path:          j.Path,
			Status:        j.Status,
			ExitCode:      j.ExitCode,
			BytesSent:     j.BytesSent,
			BytesReceived: j.BytesReceived,
			TotalSize:     j.TotalSize,
			ErrorCount:    j.ErrorCount,
		})
	}
	r.metrics.ObserveHost(rep.Name, rep.Status, rep.Duration)

	err := r.events.WriteHostStatus(context.WithoutCancel(r.ctx), &events.HostStatusRecord{
		Host:            rep.Name,
		Status:          rep.Status.String(),
		StatusNumeric:   rep.Status.Numeric(),
		DurationSeconds: rep.Duration.Seconds(),
		Paths:           len(rep.Paths),
	})
	if err != nil {
		r.logger.Warn("emit host status failed", zap.Error(err))
	}

	r.logger.Info("host finished",
		zap.String("host", rep.Name),
		zap.String("status", rep.Status.String()),
		zap.Int("paths", len(rep.Paths)),
		zap.Duration("duration", rep.Duration),
	)
}

// release drains the pool, frees the lock and publishes the final status.
// It runs once per run whatever path led here.
func (r *run) release() {
	r.releaseOnce.Do(func() {
		if r.pool != nil {
			r.pool.Shutdown()
		}

		rep := r.report
		rep.Duration = time.Since(rep.Started)
		if r.dry != nil {
			rep.Planned = r.dry.Actions()
		}

		if r.lock != nil {
			if err := r.lock.Release(); err != nil {
				r.logger.Warn("release lock failed", zap.Error(err))
			}
			r.journalFinish()
			r.writeMetrics()
		}

		ctx := context.WithoutCancel(r.ctx)
		if err := r.events.WriteRunComplete(ctx, &events.RunCompleteRecord{Status: rep.Status.String()}); err != nil {
			r.logger.Warn("emit run complete failed", zap.Error(err))
		}
		_ = r.events.Close()

		r.transition(StateReleased)
		r.logger.Info("run finished",
			zap.String("status", rep.Status.String()),
			zap.Int("hosts", len(rep.Hosts)),
			zap.Int("unreachable", len(rep.FailedHosts)),
			zap.Duration("duration", rep.Duration),
		)
	})
}

func (r *run) journalStart() {
	store := r.c.opts.Journal
	if store == nil || r.dry != nil {
		return
	}
	r.record = &runregistry.RunRecord{
		RunID:      r.report.RunID,
		Mode:       string(r.report.Mode),
		State:      runregistry.RunStateRunning,
		ConfigPath: r.c.opts.ConfigPath,
		PID:        os.Getpid(),
		CreatedAt:  r.report.Started.UTC(),
	}
	if err := store.Write(r.record); err != nil {
		r.logger.Warn("write run journal failed", zap.Error(err))
		r.record = nil
	}
}

func (r *run) journalFinish() {
	if r.record == nil {
		return
	}
	rep := r.report
	ended := time.Now().UTC()
	r.record.EndedAt = &ended
	r.record.Status = rep.Status.String()
	r.record.State = runregistry.RunStateFinished
	if rep.Err != nil {
		r.record.State = runregistry.RunStateAborted
		r.record.Error = rep.Err.Error()
	}
	for _, h := range rep.Hosts {
		r.record.Hosts = append(r.record.Hosts, runregistry.HostSummary{
			Name:            h.Name,
			Status:          h.Status.String(),
			Paths:           len(h.Paths),
			DurationSeconds: h.Duration.Seconds(),
		})
	}
	for _, f := range rep.FailedHosts {
		r.record.FailedHosts = append(r.record.FailedHosts, f.Host.Name)
	}
	if err := r.c.opts.Journal.Write(r.record); err != nil {
		r.logger.Warn("write run journal failed", zap.Error(err))
	}
}

func (r *run) writeMetrics() {
	path := r.c.opts.MetricsTextfile
	if path == "" || r.dry != nil {
		return
	}
	rep := r.report
	r.metrics.ObserveRun(rep.Status, rep.Started, rep.Duration, len(rep.FailedHosts))
	if err := r.metrics.WriteTextfile(path); err != nil {
		r.logger.Warn("write metrics failed", zap.Error(err))
	}
}
