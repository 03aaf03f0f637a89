package orchestrator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pljakobs/backup/pkg/backupconfig"
	"github.com/pljakobs/backup/pkg/command"
	"github.com/pljakobs/backup/pkg/events"
	"github.com/pljakobs/backup/pkg/lockfile"
	"github.com/pljakobs/backup/pkg/runregistry"
	"github.com/pljakobs/backup/pkg/status"
)

func newTestCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func rsyncExitByPath(codes map[string]int) func(command.Cmd) (command.Result, error) {
	return func(c command.Cmd) (command.Result, error) {
		if c.Step == "rsync" {
			return command.Result{ExitCode: codes[c.Path], Output: []byte(rsyncOutput)}, nil
		}
		return command.Result{}, nil
	}
}

func parseEvents(t *testing.T, buf *bytes.Buffer) []events.Line {
	t.Helper()
	var out []events.Line
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		line, err := events.ParseLine(l)
		require.NoError(t, err)
		out = append(out, line)
	}
	return out
}

func TestNewRunID_Distinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRunID()
		require.False(t, seen[id], "duplicate run id %s", id)
		seen[id] = true
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, backupconfig.ErrConfig)

	cfg := &backupconfig.Config{}
	_, err = New(Options{Config: cfg, EventsFormat: "xml"})
	assert.ErrorIs(t, err, events.ErrUnknownFormat)

	_, err = New(Options{Config: cfg, Mode: "restore"})
	assert.Error(t, err)
}

func TestRun_EventsShareRunID(t *testing.T) {
	cfg := testConfig(t, hostSpec("nas", "", "/etc", "/home"))
	var buf bytes.Buffer
	c := newTestCoordinator(t, Options{Config: cfg, Runner: &fakeRunner{}, Events: &buf})

	rep := c.Run(context.Background())
	require.NoError(t, rep.Err)
	assert.Equal(t, status.Success, rep.Status)

	lines := parseEvents(t, &buf)
	require.NotEmpty(t, lines)
	assert.Equal(t, events.KindRunStart, lines[0].Kind)
	last := lines[len(lines)-1]
	assert.Equal(t, events.KindRunComplete, last.Kind)
	assert.Equal(t, "success", last.Fields["status"])

	kinds := make(map[string]int)
	for _, l := range lines {
		kinds[l.Kind]++
		assert.Equal(t, rep.RunID, l.Fields["run_id"])
		_, err := time.Parse(time.RFC3339, l.Fields["timestamp"])
		assert.NoError(t, err)
	}
	assert.Equal(t, 2, kinds[events.KindRsyncStats])
	assert.Equal(t, 1, kinds[events.KindHostStatus])

	assert.Equal(t, []State{
		StateInit, StateSnapshotsDone, StateLocked, StateVerified, StateRunning, StateFolding, StateReleased,
	}, rep.States)
	assert.NoFileExists(t, cfg.LockFile)
}

func TestRun_WarningIsNotFailure(t *testing.T) {
	cfg := testConfig(t, hostSpec("nas", "", "/etc", "/var"))
	r := &fakeRunner{respond: rsyncExitByPath(map[string]int{"/var": 23})}
	rep := newTestCoordinator(t, Options{Config: cfg, Runner: r}).Run(context.Background())

	require.NoError(t, rep.Err)
	assert.Equal(t, status.Warning, rep.Status)
	require.Len(t, rep.Hosts, 1)
	assert.Equal(t, status.Warning, rep.Hosts[0].Status)
}

func TestRun_FailedTransferFailsRun(t *testing.T) {
	cfg := testConfig(t,
		hostSpec("a", "", "/etc"),
		hostSpec("b", "", "/srv"),
	)
	r := &fakeRunner{respond: rsyncExitByPath(map[string]int{"/srv": 12})}
	rep := newTestCoordinator(t, Options{Config: cfg, Runner: r}).Run(context.Background())

	require.NoError(t, rep.Err)
	assert.Equal(t, status.Failed, rep.Status)
	assert.Equal(t, status.Success, rep.Hosts[0].Status)
	assert.Equal(t, status.Failed, rep.Hosts[1].Status)
	assert.Len(t, r.steps("rsync"), 2, "a failing host does not stop the others")
}

func TestRun_UnreachableHostIsSkipped(t *testing.T) {
	cfg := testConfig(t,
		hostSpec("a", "backup@a.example", "/etc"),
		hostSpec("b", "backup@b.example", "/etc"),
	)
	r := &fakeRunner{respond: func(c command.Cmd) (command.Result, error) {
		switch {
		case c.Step == "ping" && c.Host == "b":
			return command.Result{ExitCode: 1}, nil
		case c.Step == "rsync":
			return command.Result{Output: []byte(rsyncOutput)}, nil
		}
		return command.Result{}, nil
	}}
	rep := newTestCoordinator(t, Options{Config: cfg, Runner: r}).Run(context.Background())

	require.NoError(t, rep.Err)
	assert.Equal(t, status.Success, rep.Status)
	require.Len(t, rep.Hosts, 1)
	assert.Equal(t, "a", rep.Hosts[0].Name)
	require.Len(t, rep.FailedHosts, 1)
	assert.Equal(t, "b", rep.FailedHosts[0].Host.Name)

	for _, c := range r.steps("rsync") {
		assert.Equal(t, "a", c.Host)
	}
}

func TestRun_NoReachableHosts(t *testing.T) {
	cfg := testConfig(t, hostSpec("a", "backup@a.example", "/etc"))
	r := &fakeRunner{respond: func(c command.Cmd) (command.Result, error) {
		if c.Step == "ssh_check" {
			return command.Result{ExitCode: 255}, nil
		}
		return command.Result{}, nil
	}}
	var buf bytes.Buffer
	rep := newTestCoordinator(t, Options{Config: cfg, Runner: r, Events: &buf}).Run(context.Background())

	assert.ErrorIs(t, rep.Err, ErrNoReachableHosts)
	assert.Equal(t, status.Failed, rep.Status)
	assert.True(t, rep.Reached(StateVerified))
	assert.False(t, rep.Reached(StateRunning))
	assert.True(t, rep.Reached(StateReleased))
	assert.Empty(t, r.steps("rsync"))
	assert.NoFileExists(t, cfg.LockFile)

	lines := parseEvents(t, &buf)
	assert.Equal(t, "failed", lines[len(lines)-1].Fields["status"])
}

func TestRun_LiveLockRefusesToStart(t *testing.T) {
	cfg := testConfig(t, hostSpec("nas", "", "/etc"))
	holder := strconv.Itoa(os.Getppid()) + "\n"
	require.NoError(t, os.WriteFile(cfg.LockFile, []byte(holder), 0o644))

	r := &fakeRunner{}
	rep := newTestCoordinator(t, Options{Config: cfg, Runner: r}).Run(context.Background())

	assert.True(t, lockfile.IsAlreadyRunning(rep.Err))
	assert.Equal(t, status.Failed, rep.Status)
	assert.Equal(t, []State{StateInit, StateSnapshotsDone, StateReleased}, rep.States)
	assert.Empty(t, r.steps("rsync"))

	b, err := os.ReadFile(cfg.LockFile)
	require.NoError(t, err)
	assert.Equal(t, holder, string(b), "a live holder's lock is left alone")
}

func TestRun_StaleLockIsReclaimed(t *testing.T) {
	cfg := testConfig(t, hostSpec("nas", "", "/etc"))
	require.NoError(t, os.WriteFile(cfg.LockFile, []byte("not-a-pid\n"), 0o644))

	r := &fakeRunner{}
	rep := newTestCoordinator(t, Options{Config: cfg, Runner: r}).Run(context.Background())

	require.NoError(t, rep.Err)
	assert.Equal(t, status.Success, rep.Status)
	assert.Len(t, r.steps("rsync"), 1)
	assert.NoFileExists(t, cfg.LockFile)
}

func TestRun_DryRunIsRepeatable(t *testing.T) {
	cfg := testConfig(t,
		hostSpec("web", "backup@web.example", "/srv", "/etc"),
		hostSpec("nas", "", "/home"),
	)
	cfg.Hosts[0].Paths[0].PreHook = writeScript(t, "pre.sh")
	cfg.Snapshots = &backupconfig.SnapshotSpec{
		Volume:    "/share",
		Schedules: []backupconfig.Schedule{{Type: "daily", Count: 7, Interval: 24 * time.Hour}},
	}

	r := &fakeRunner{}
	c := newTestCoordinator(t, Options{Mode: ModeDryRun, Config: cfg, Runner: r})

	first := c.Run(context.Background())
	second := c.Run(context.Background())

	assert.NotEqual(t, first.RunID, second.RunID)
	require.NotEmpty(t, first.Planned)
	assert.Equal(t, first.Planned, second.Planned)
	assert.Empty(t, r.calls, "dry runs never touch the real runner")
	assert.NoDirExists(t, cfg.Hosts[0].Paths[0].Destination)
	assert.NoFileExists(t, cfg.LockFile)

	var steps []string
	for _, a := range first.Planned {
		if a.Host == "web" && a.Path == "/srv" {
			steps = append(steps, a.Step)
		}
	}
	assert.Equal(t, []string{"pre_hook", "rsync", "chown", "chmod"}, steps)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	cfg := testConfig(t, hostSpec("nas", "", "/etc"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	r := &fakeRunner{}
	rep := newTestCoordinator(t, Options{Config: cfg, Runner: r, Events: &buf}).Run(ctx)

	assert.ErrorIs(t, rep.Err, context.Canceled)
	assert.Equal(t, status.Failed, rep.Status)
	assert.True(t, rep.Reached(StateReleased))
	assert.Empty(t, r.steps("rsync"))
	assert.NoFileExists(t, cfg.LockFile)

	lines := parseEvents(t, &buf)
	assert.Equal(t, events.KindRunComplete, lines[len(lines)-1].Kind)
}

func TestRun_InterruptedDuringSnapshots(t *testing.T) {
	cfg := testConfig(t, hostSpec("a", "backup@a.example", "/etc"))
	cfg.Snapshots = &backupconfig.SnapshotSpec{
		Volume:    "/share",
		Schedules: []backupconfig.Schedule{{Type: "hourly", Count: 6, Interval: 4 * time.Hour}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &fakeRunner{respond: func(c command.Cmd) (command.Result, error) {
		if strings.HasPrefix(c.Step, "snapshot_") {
			cancel()
		}
		return command.Result{}, nil
	}}
	rep := newTestCoordinator(t, Options{Config: cfg, Runner: r}).Run(ctx)

	assert.ErrorIs(t, rep.Err, context.Canceled)
	assert.Equal(t, []State{StateInit, StateSnapshotsDone, StateReleased}, rep.States)
	assert.Equal(t, []string{"snapshot_hourly"}, r.stepNames(), "no verification or transfer after an interrupt")
	assert.NoFileExists(t, cfg.LockFile)
}

func TestRun_InterruptedMidRun(t *testing.T) {
	cfg := testConfig(t, hostSpec("nas", "", "/etc", "/home"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &fakeRunner{respond: func(c command.Cmd) (command.Result, error) {
		if c.Step == "rsync" {
			cancel()
			return command.Result{ExitCode: -1}, context.Canceled
		}
		return command.Result{}, nil
	}}
	rep := newTestCoordinator(t, Options{Config: cfg, Runner: r, Workers: 1}).Run(ctx)

	assert.ErrorIs(t, rep.Err, context.Canceled)
	assert.Equal(t, status.Failed, rep.Status)
	assert.NoFileExists(t, cfg.LockFile)

	jobs := rep.Jobs()
	require.Len(t, jobs, 2)
	cancelled := 0
	for _, j := range jobs {
		assert.Equal(t, status.Failed, j.Status)
		if j.Message == MessageCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
	assert.Len(t, r.steps("rsync"), 1)
}

func TestRun_JournalAndMetrics(t *testing.T) {
	cfg := testConfig(t, hostSpec("nas", "", "/etc"))
	store := runregistry.NewStore(filepath.Join(t.TempDir(), "runs"))
	textfile := filepath.Join(t.TempDir(), "backup.prom")

	rep := newTestCoordinator(t, Options{
		Config:          cfg,
		ConfigPath:      "/etc/backup/backup.yaml",
		Runner:          &fakeRunner{},
		Journal:         store,
		MetricsTextfile: textfile,
	}).Run(context.Background())
	require.NoError(t, rep.Err)

	rec, err := store.Get(rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, runregistry.RunStateFinished, rec.State)
	assert.Equal(t, "success", rec.Status)
	assert.Equal(t, "/etc/backup/backup.yaml", rec.ConfigPath)
	require.Len(t, rec.Hosts, 1)
	assert.Equal(t, "nas", rec.Hosts[0].Name)
	assert.NotNil(t, rec.EndedAt)

	b, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "backup_run_status 1")
	assert.Contains(t, string(b), `backup_host_status{host="nas"} 1`)
}

func TestHostRun_FoldMarksUnstartedPaths(t *testing.T) {
	h := hostSpec("nas", "", "/etc", "/home")
	start := time.Now()
	run := &HostRun{
		Host:    h,
		slots:   []JobResult{{Host: "nas", Path: "/etc", Status: status.Success, Started: start, Duration: time.Second}, {}},
		started: []bool{true, false},
	}

	rep := run.Fold()
	assert.Equal(t, status.Failed, rep.Status)
	assert.Equal(t, MessageCancelled, rep.Paths[1].Message)
	assert.Equal(t, "/home", rep.Paths[1].Path)
	assert.Equal(t, time.Second, rep.Duration)
}
