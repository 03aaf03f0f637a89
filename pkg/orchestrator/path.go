package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/pljakobs/backup/pkg/backupconfig"
	"github.com/pljakobs/backup/pkg/command"
	"github.com/pljakobs/backup/pkg/events"
	"github.com/pljakobs/backup/pkg/rsync"
	"github.com/pljakobs/backup/pkg/status"
	"github.com/pljakobs/backup/pkg/verify"
)

// JobResult is the outcome of one path job. It is not modified after the job
// returns it.
type JobResult struct {
	Host        string
	Path        string
	Destination string

	ExitCode int
	Status   status.Status
	rsync.Stats

	// HookWarnings counts hooks that were missing or did not succeed.
	HookWarnings int
	// Message explains a failure that is not visible in the tool output.
	Message string

	Started  time.Time
	Duration time.Duration
}

// Tools names the external binaries used by path jobs.
type Tools struct {
	Rsync string
	SSH   string
	Shell string
	Chown string
	Chmod string
}

func (t Tools) withDefaults() Tools {
	if t.Rsync == "" {
		t.Rsync = "rsync"
	}
	if t.SSH == "" {
		t.SSH = "ssh"
	}
	if t.Shell == "" {
		t.Shell = "sh"
	}
	if t.Chown == "" {
		t.Chown = "chown"
	}
	if t.Chmod == "" {
		t.Chmod = "chmod"
	}
	return t
}

// PathOptions configures a PathExecutor.
type PathOptions struct {
	RsyncOptions   string
	ConnectTimeout time.Duration
	Tools          Tools
	// SkipMkdir leaves destination directories alone (dry runs).
	SkipMkdir bool
}

// PathExecutor runs the hook, transfer and ownership steps for one path.
type PathExecutor struct {
	runner command.Runner
	events events.Writer
	logger *zap.Logger
	opts   PathOptions
	mkdir  func(path string) error
}

// NewPathExecutor returns a PathExecutor. ev may be nil to suppress events.
func NewPathExecutor(runner command.Runner, ev events.Writer, opts PathOptions, logger *zap.Logger) *PathExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Tools = opts.Tools.withDefaults()
	return &PathExecutor{
		runner: runner,
		events: ev,
		logger: logger,
		opts:   opts,
		mkdir:  func(path string) error { return os.MkdirAll(path, 0o755) },
	}
}

// Run executes one path job. It never fails: every problem is folded into
// the returned JobResult.
func (e *PathExecutor) Run(ctx context.Context, h backupconfig.HostSpec, p backupconfig.PathSpec) JobResult {
	res := JobResult{
		Host:        h.Name,
		Path:        p.Source,
		Destination: p.Destination,
		Started:     time.Now(),
	}
	logger := e.logger.With(zap.String("host", h.Name), zap.String("path", p.Source))

	e.remoteHook(ctx, logger, h, p, "pre_hook", p.PreHook, &res)
	e.localHook(ctx, logger, h, p, "pre_hook_local", p.PreHookLocal, &res)

	e.transfer(ctx, logger, h, p, &res)

	if res.ExitCode != command.LaunchExitCode {
		e.normalizeOwnership(ctx, logger, h, p)
	}

	e.localHook(ctx, logger, h, p, "post_hook_local", p.PostHookLocal, &res)
	e.remoteHook(ctx, logger, h, p, "post_hook", p.PostHook, &res)

	res.Duration = time.Since(res.Started)
	e.emit(ctx, logger, &res)

	fields := []zap.Field{
		zap.String("status", res.Status.String()),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.Int64("bytes_received", res.BytesReceived),
	}
	switch res.Status {
	case status.Failed:
		logger.Error("path failed", append(fields, zap.String("reason", res.Message))...)
	case status.Warning:
		logger.Warn("path completed with warnings", fields...)
	default:
		logger.Info("path completed", fields...)
	}
	return res
}

func (e *PathExecutor) transfer(ctx context.Context, logger *zap.Logger, h backupconfig.HostSpec, p backupconfig.PathSpec, res *JobResult) {
	res.ExitCode = command.LaunchExitCode
	res.Status = status.Failed

	if !e.opts.SkipMkdir {
		if err := e.mkdir(p.Destination); err != nil {
			res.Message = fmt.Sprintf("create destination: %v", err)
			res.ErrorMessages = []string{res.Message}
			return
		}
	}

	args := rsync.BuildArgs(rsync.Invocation{
		BaseOptions:       e.opts.RsyncOptions,
		ExtraOptions:      p.ExtraOptions,
		PreserveOwnership: h.PreserveOwnership,
		RemoteRsyncPath:   h.RsyncPath,
		Remote:            !h.IsLocal(),
		SSHCommand:        e.opts.Tools.SSH,
		SSHKey:            h.SSHKey,
		ConnectTimeout:    e.opts.ConnectTimeout,
		ExcludeFile:       p.ExcludeFile,
		Source:            h.Source(p),
		Destination:       p.Destination,
	})

	out, err := e.runner.Run(ctx, command.Cmd{
		Name: e.opts.Tools.Rsync,
		Args: args,
		Step: "rsync",
		Host: h.Name,
		Path: p.Source,
	})
	if err != nil && out.ExitCode == 0 {
		// Interrupted before it could report an exit code.
		out.ExitCode = command.LaunchExitCode
	}

	res.Stats = rsync.ParseStats(out.Output)
	res.ExitCode = out.ExitCode
	res.Status = rsync.Classify(out.ExitCode)

	if err != nil {
		res.Message = err.Error()
		if len(res.ErrorMessages) < rsync.MaxErrorMessages {
			res.ErrorMessages = append(res.ErrorMessages, res.Message)
		}
		res.ErrorCount++
	} else if res.Status != status.Success {
		res.Message = rsync.Describe(out.ExitCode)
	}
}

func (e *PathExecutor) normalizeOwnership(ctx context.Context, logger *zap.Logger, h backupconfig.HostSpec, p backupconfig.PathSpec) {
	var cmds []command.Cmd
	if h.PreserveOwnership {
		cmds = append(cmds, command.Cmd{Name: e.opts.Tools.Chmod, Args: []string{"-R", "u+w", p.Destination}, Step: "chmod"})
	} else {
		cmds = append(cmds,
			command.Cmd{Name: e.opts.Tools.Chown, Args: []string{"-R", "0:0", p.Destination}, Step: "chown"},
			command.Cmd{Name: e.opts.Tools.Chmod, Args: []string{"-R", "u+rwX,go+rX,go-w", p.Destination}, Step: "chmod"},
		)
	}

	for _, c := range cmds {
		c.Host, c.Path = h.Name, p.Source
		out, err := e.runner.Run(ctx, c)
		if err != nil || !out.OK() {
			logger.Warn("ownership normalization failed",
				zap.String("step", c.Step),
				zap.Int("exit_code", out.ExitCode),
				zap.Error(err),
			)
		}
	}
}

// remoteHook runs script on the host itself. The script is read locally and
// streamed to a remote shell; on a local host it is simply executed.
func (e *PathExecutor) remoteHook(ctx context.Context, logger *zap.Logger, h backupconfig.HostSpec, p backupconfig.PathSpec, step, script string, res *JobResult) {
	if script == "" {
		return
	}
	if !e.hookExists(logger, step, script, res) {
		return
	}

	c := command.Cmd{Step: step, Host: h.Name, Path: p.Source}
	if h.IsLocal() {
		c.Name = e.opts.Tools.Shell
		c.Args = []string{script}
	} else {
		c.Name = e.opts.Tools.SSH
		c.Args = verify.SSHArgs(h, e.opts.ConnectTimeout, "bash", "-s")
		c.StdinFile = script
	}
	e.runHook(ctx, logger, c, res)
}

// localHook runs script on the backup server.
func (e *PathExecutor) localHook(ctx context.Context, logger *zap.Logger, h backupconfig.HostSpec, p backupconfig.PathSpec, step, script string, res *JobResult) {
	if script == "" {
		return
	}
	if !e.hookExists(logger, step, script, res) {
		return
	}
	e.runHook(ctx, logger, command.Cmd{
		Name: e.opts.Tools.Shell,
		Args: []string{script},
		Step: step,
		Host: h.Name,
		Path: p.Source,
	}, res)
}

func (e *PathExecutor) hookExists(logger *zap.Logger, step, script string, res *JobResult) bool {
	if _, err := os.Stat(script); err != nil {
		res.HookWarnings++
		logger.Warn("hook script not found, skipping",
			zap.String("hook", step),
			zap.String("script", script),
		)
		return false
	}
	return true
}

func (e *PathExecutor) runHook(ctx context.Context, logger *zap.Logger, c command.Cmd, res *JobResult) {
	out, err := e.runner.Run(ctx, c)
	if err == nil && out.OK() {
		logger.Debug("hook completed", zap.String("hook", c.Step))
		return
	}
	res.HookWarnings++
	logger.Warn("hook failed",
		zap.String("hook", c.Step),
		zap.Int("exit_code", out.ExitCode),
		zap.ByteString("output", tail(out.Output, 512)),
		zap.Error(err),
	)
}

func (e *PathExecutor) emit(ctx context.Context, logger *zap.Logger, res *JobResult) {
	if e.events == nil {
		return
	}
	// Interrupted jobs still report what they did.
	ctx = context.WithoutCancel(ctx)

	err := e.events.WriteRsyncStats(ctx, &events.RsyncStatsRecord{
		Host:             res.Host,
		Path:             res.Path,
		BytesSent:        res.BytesSent,
		BytesReceived:    res.BytesReceived,
		TransferRate:     res.TransferRate,
		TotalSize:        res.TotalSize,
		Speedup:          res.Speedup,
		ExitCode:         res.ExitCode,
		ErrorCount:       res.ErrorCount,
		WarningCount:     res.WarningCount,
		PermissionErrors: res.PermissionErrors,
		ConnectionErrors: res.ConnectionErrors,
	})
	if err != nil {
		logger.Warn("emit stats event failed", zap.Error(err))
	}

	if len(res.ErrorMessages) == 0 {
		return
	}
	err = e.events.WriteRsyncErrors(ctx, &events.RsyncErrorsRecord{
		Host:     res.Host,
		Path:     res.Path,
		Messages: res.ErrorMessages,
	})
	if err != nil {
		logger.Warn("emit errors event failed", zap.Error(err))
	}
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
