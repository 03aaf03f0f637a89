// Package verify decides which configured hosts can be backed up right now.
//
// A host is working when it answers a single ping (unless ping is disabled
// for it) and accepts a non-interactive SSH login. Local hosts are always
// working. A failing host never aborts verification of the others.
package verify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pljakobs/backup/pkg/backupconfig"
	"github.com/pljakobs/backup/pkg/command"
	"github.com/pljakobs/backup/pkg/pool"
)

// Stage names the check that failed.
type Stage string

const (
	StageNone      Stage = ""
	StageResolve   Stage = "resolve"
	StagePing      Stage = "ping"
	StageSSH       Stage = "ssh"
	StageProvision Stage = "provision"
)

// HintVerifyHosts is attached to SSH failures seen without a terminal.
const HintVerifyHosts = "rerun with --verify-hosts to install an SSH key"

// HostCheck is the verdict for one host.
type HostCheck struct {
	Host     backupconfig.HostSpec
	Working  bool
	Stage    Stage
	Detail   string
	Hint     string
	Duration time.Duration
}

// Result partitions hosts into working and failed, each in input order.
type Result struct {
	Working []HostCheck
	Failed  []HostCheck
}

// WorkingHosts returns the specs of the working hosts.
func (r Result) WorkingHosts() []backupconfig.HostSpec {
	out := make([]backupconfig.HostSpec, 0, len(r.Working))
	for _, c := range r.Working {
		out = append(out, c.Host)
	}
	return out
}

// Tools names the external binaries used for probing.
type Tools struct {
	SSH       string
	Ping      string
	SSHCopyID string
}

func (t Tools) withDefaults() Tools {
	if t.SSH == "" {
		t.SSH = "ssh"
	}
	if t.Ping == "" {
		t.Ping = "ping"
	}
	if t.SSHCopyID == "" {
		t.SSHCopyID = "ssh-copy-id"
	}
	return t
}

// Options configures a Verifier.
type Options struct {
	PingTimeout    time.Duration
	ConnectTimeout time.Duration
	// HandshakeRate limits SSH handshakes per second; 0 means unlimited.
	HandshakeRate float64
	// Workers bounds concurrent non-interactive checks.
	Workers int
	Tools   Tools
}

// DefaultOptions returns the probe timeouts used when none are configured.
func DefaultOptions() Options {
	return Options{
		PingTimeout:    2 * time.Second,
		ConnectTimeout: 5 * time.Second,
		Workers:        8,
	}
}

// Verifier probes hosts through a command.Runner.
type Verifier struct {
	runner      command.Runner
	logger      *zap.Logger
	opts        Options
	limiter     *rate.Limiter
	provisioner Provisioner
}

// New returns a Verifier. A nil provisioner disables interactive repair.
func New(runner command.Runner, opts Options, provisioner Provisioner, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = def.PingTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	opts.Tools = opts.Tools.withDefaults()

	v := &Verifier{runner: runner, logger: logger, opts: opts, provisioner: provisioner}
	if opts.HandshakeRate > 0 {
		v.limiter = rate.NewLimiter(rate.Limit(opts.HandshakeRate), 1)
	}
	return v
}

// VerifyAll checks every host. Interactive verification runs hosts one at a
// time so prompts do not interleave; otherwise hosts are checked
// concurrently. Context cancellation marks unchecked hosts as failed.
func (v *Verifier) VerifyAll(ctx context.Context, hosts []backupconfig.HostSpec, interactive bool) Result {
	checks := make([]HostCheck, len(hosts))

	if interactive {
		for i, h := range hosts {
			checks[i] = v.Verify(ctx, h, true)
		}
	} else {
		p := pool.New(ctx, v.opts.Workers)
		var mu sync.Mutex
		started := make([]bool, len(hosts))
		for i, h := range hosts {
			_ = p.Submit(func(ctx context.Context) {
				c := v.Verify(ctx, h, false)
				mu.Lock()
				checks[i] = c
				started[i] = true
				mu.Unlock()
			})
		}
		p.Shutdown()
		for i, ok := range started {
			if !ok {
				checks[i] = HostCheck{Host: hosts[i], Stage: StageResolve, Detail: "cancelled before check"}
			}
		}
	}

	var res Result
	for _, c := range checks {
		if c.Working {
			res.Working = append(res.Working, c)
		} else {
			res.Failed = append(res.Failed, c)
		}
	}
	return res
}

// Verify checks a single host.
func (v *Verifier) Verify(ctx context.Context, h backupconfig.HostSpec, interactive bool) HostCheck {
	start := time.Now()
	check := v.verify(ctx, h, interactive)
	check.Duration = time.Since(start)

	if check.Working {
		v.logger.Info("host reachable", zap.String("host", h.Name), zap.String("address", h.Address))
	} else {
		v.logger.Warn("host unreachable",
			zap.String("host", h.Name),
			zap.String("address", h.Address),
			zap.String("stage", string(check.Stage)),
			zap.String("detail", check.Detail),
			zap.String("hint", check.Hint),
		)
	}
	return check
}

func (v *Verifier) verify(ctx context.Context, h backupconfig.HostSpec, interactive bool) HostCheck {
	check := HostCheck{Host: h}

	if h.IsLocal() {
		check.Working = true
		return check
	}

	if !h.IgnorePing {
		if err := v.ping(ctx, h); err != nil {
			check.Stage = StagePing
			check.Detail = err.Error()
			return check
		}
	}

	err := v.sshCheck(ctx, h)
	if err == nil {
		check.Working = true
		return check
	}

	if !interactive {
		check.Stage = StageSSH
		check.Detail = err.Error()
		check.Hint = HintVerifyHosts
		return check
	}
	if v.provisioner == nil {
		check.Stage = StageSSH
		check.Detail = err.Error()
		return check
	}

	if perr := v.provisioner.Provision(ctx, h, err); perr != nil {
		check.Stage = StageProvision
		check.Detail = perr.Error()
		return check
	}
	if err := v.sshCheck(ctx, h); err != nil {
		check.Stage = StageSSH
		check.Detail = fmt.Sprintf("still failing after key installation: %v", err)
		return check
	}
	check.Working = true
	return check
}

// PingHost returns the address part ping understands.
func PingHost(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == '@' {
			return address[i+1:]
		}
	}
	return address
}

func (v *Verifier) ping(ctx context.Context, h backupconfig.HostSpec) error {
	secs := int(v.opts.PingTimeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	res, err := v.runner.Run(ctx, command.Cmd{
		Name:    v.opts.Tools.Ping,
		Args:    []string{"-c", "1", "-W", strconv.Itoa(secs), PingHost(h.Address)},
		Timeout: v.opts.PingTimeout + time.Second,
		Step:    "ping",
		Host:    h.Name,
	})
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("no ping reply from %s", PingHost(h.Address))
	}
	return nil
}

func (v *Verifier) sshCheck(ctx context.Context, h backupconfig.HostSpec) error {
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	res, err := v.runner.Run(ctx, command.Cmd{
		Name:    v.opts.Tools.SSH,
		Args:    SSHArgs(h, v.opts.ConnectTimeout, "true"),
		Timeout: v.opts.ConnectTimeout + 5*time.Second,
		Step:    "ssh_check",
		Host:    h.Name,
	})
	if err != nil {
		return fmt.Errorf("ssh: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("ssh login to %s failed with exit code %d", h.Address, res.ExitCode)
	}
	return nil
}

// SSHArgs renders a non-interactive ssh invocation of remote on h.
func SSHArgs(h backupconfig.HostSpec, connectTimeout time.Duration, remote ...string) []string {
	args := []string{"-o", "BatchMode=yes"}
	if connectTimeout > 0 {
		secs := int((connectTimeout + time.Second - 1) / time.Second)
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(secs))
	}
	if h.SSHKey != "" {
		args = append(args, "-i", h.SSHKey)
	}
	args = append(args, h.Address)
	return append(args, remote...)
}

