// Package command is the seam between the engine and the external tools it
// drives. Exec runs real subprocesses; DryRun records what would have run.
package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrLaunch is wrapped when a tool could not be started (missing binary,
// permission denied, bad working directory).
var ErrLaunch = errors.New("command could not be started")

// LaunchExitCode is reported in Result.ExitCode when the process never ran.
const LaunchExitCode = -1

// Cmd is one external invocation.
type Cmd struct {
	Name string
	Args []string

	// StdinFile, when set, is opened and fed to the process on stdin.
	StdinFile string
	// Interactive attaches the process to the terminal instead of capturing
	// its output.
	Interactive bool
	// Timeout bounds the invocation; zero means no limit beyond ctx.
	Timeout time.Duration

	// Step, Host and Path label the invocation for logs and dry-run plans.
	Step string
	Host string
	Path string
}

// String renders the command line with shell quoting.
func (c Cmd) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quote(c.Name))
	for _, a := range c.Args {
		parts = append(parts, quote(a))
	}
	s := strings.Join(parts, " ")
	if c.StdinFile != "" {
		s += " < " + quote(c.StdinFile)
	}
	return s
}

// Result is the outcome of a finished (or never started) invocation.
type Result struct {
	ExitCode int
	Output   []byte
	Duration time.Duration
}

// OK reports a zero exit code.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Runner executes commands. A non-zero exit is reported in Result, not as
// an error; errors mean the command did not run to completion.
type Runner interface {
	Run(ctx context.Context, c Cmd) (Result, error)
}

// Exec runs commands as real subprocesses.
type Exec struct {
	// Env is appended to the current environment when non-empty.
	Env []string
}

// Run implements Runner.
func (e Exec) Run(ctx context.Context, c Cmd) (Result, error) {
	start := time.Now()
	res := Result{ExitCode: LaunchExitCode}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}

	if c.StdinFile != "" {
		f, err := os.Open(c.StdinFile)
		if err != nil {
			res.Duration = time.Since(start)
			return res, fmt.Errorf("%w: open stdin %s: %v", ErrLaunch, c.StdinFile, err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdin = f
	} else if c.Interactive {
		cmd.Stdin = os.Stdin
	} else {
		cmd.Stdin = strings.NewReader("")
	}

	var err error
	if c.Interactive {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		err = cmd.Run()
	} else {
		res.Output, err = cmd.CombinedOutput()
	}
	res.Duration = time.Since(start)

	if err == nil {
		res.ExitCode = 0
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%s: %w", c.Name, ctxErr)
		}
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", c.Name, ctxErr)
	}
	return res, fmt.Errorf("%w: %s: %v", ErrLaunch, c.Name, err)
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	switch r {
	case '-', '_', '.', '/', ':', '@', '=', ',', '+', '%':
		return false
	}
	return true
}
