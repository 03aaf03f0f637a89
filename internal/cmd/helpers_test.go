package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/pljakobs/backup/pkg/command"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []command.Cmd
	respond func(c command.Cmd) (command.Result, error)
}

func (f *fakeRunner) Run(_ context.Context, c command.Cmd) (command.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(c)
	}
	return command.Result{}, nil
}

// resetCLI clears flag state left by earlier Execute calls and isolates
// settings from the host.
func resetCLI(t *testing.T) {
	t.Helper()
	for _, fs := range []*pflag.FlagSet{rootCmd.Flags(), rootCmd.PersistentFlags(), runsCmd.Flags(), runsShowCmd.Flags()} {
		fs.VisitAll(func(f *pflag.Flag) {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				_ = sv.Replace(nil)
			} else {
				_ = f.Value.Set(f.DefValue)
			}
			f.Changed = false
		})
	}
	settings = nil
	loggerReady = false

	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("BACKUP_SETTINGS_FILE", "")
	t.Setenv("BACKUP_STATE_DIR", filepath.Join(t.TempDir(), "runs"))

	origRunner := newRunner
	t.Cleanup(func() { newRunner = origRunner })
}

// execute runs the root command with args and captures its streams.
func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	if args == nil {
		// nil makes cobra fall back to os.Args.
		args = []string{}
	}
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	defer func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
	}()

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

// writePlan writes a backup plan whose destinations and lock live in temp
// dirs. hostsYAML is inserted under "hosts:".
func writePlan(t *testing.T, hostsYAML string) (path, lockFile string) {
	t.Helper()
	dir := t.TempDir()
	lockFile = filepath.Join(dir, "backup.fil")
	doc := fmt.Sprintf("config:\n  backup_base: %s\n  lock_file: %s\nhosts:\n%s",
		filepath.Join(dir, "data"), lockFile, hostsYAML)
	path = filepath.Join(dir, "backup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path, lockFile
}

const localHost = `  nas:
    paths:
      - path: /etc
      - path: /home
`
