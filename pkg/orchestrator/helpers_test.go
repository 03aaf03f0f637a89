package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pljakobs/backup/pkg/backupconfig"
	"github.com/pljakobs/backup/pkg/command"
)

const rsyncOutput = `receiving incremental file list

Number of files: 1,204 (reg: 1,100, dir: 104)
sent 1.23K bytes  received 4.56M bytes  912.00K bytes/sec
total size is 10.00G  speedup is 2,190.00
`

// fakeRunner records invocations and answers through respond.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []command.Cmd
	respond func(c command.Cmd) (command.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, c command.Cmd) (command.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(c)
	}
	if c.Step == "rsync" {
		return command.Result{Output: []byte(rsyncOutput)}, nil
	}
	return command.Result{}, nil
}

func (f *fakeRunner) steps(step string) []command.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []command.Cmd
	for _, c := range f.calls {
		if c.Step == step {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRunner) stepNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Step)
	}
	return out
}

func hostSpec(name, address string, sources ...string) backupconfig.HostSpec {
	h := backupconfig.HostSpec{Name: name, Address: address}
	for _, src := range sources {
		h.Paths = append(h.Paths, backupconfig.PathSpec{
			Source:     src,
			DestSubdir: strings.TrimPrefix(src, "/"),
		})
	}
	return h
}

// testConfig places destinations and the lock file under temp dirs.
func testConfig(t *testing.T, hosts ...backupconfig.HostSpec) *backupconfig.Config {
	t.Helper()
	base := t.TempDir()
	for i := range hosts {
		paths := make([]backupconfig.PathSpec, len(hosts[i].Paths))
		for j, p := range hosts[i].Paths {
			p.Destination = filepath.Join(base, hosts[i].Name, p.DestSubdir)
			paths[j] = p
		}
		hosts[i].Paths = paths
	}
	return &backupconfig.Config{
		BackupBase: base,
		LockFile:   filepath.Join(t.TempDir(), "backup.fil"),
		Hosts:      hosts,
	}
}

func writeScript(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}
