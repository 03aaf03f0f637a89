package backupconfig

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
config:
  backup_base: /share/backup/
  rsync_options: "-avz --delete --stats"
hosts:
  nas:
    ssh_user: backup
    hostname: nas.lan
    ssh_key: /root/.ssh/id_ed25519
    ignore_ping: true
    paths:
      - path: /etc
      - path: /srv/media/
        dest_subdir: media
        exclude_file: None
        pre_hook: /etc/backup/hooks/stop-db.sh
        post_hook: null
  laptop:
    target: me@laptop
    preserve_ownership: true
    rsync_path: "sudo rsync"
    paths:
      - path: /home/me
        rsync_options: "--one-file-system"
        post_hook_local: "~"
  server:
    paths:
      - path: /var/lib/data
snapshots:
  volume: /share
  schedules:
    - {type: hourly, count: 6, interval: 14400}
    - {type: daily, count: 7, interval: 86400}
`

func TestLoadFromBytes_Resolves(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(sampleConfig), "backup.yaml")
	require.NoError(t, err)

	assert.Equal(t, DefaultLockFile, cfg.LockFile)
	assert.Equal(t, "-avz --delete --stats", cfg.RsyncOptions)
	require.Len(t, cfg.Hosts, 3)
	assert.Equal(t, []string{"laptop", "nas", "server"}, hostNames(cfg))
	assert.Equal(t, 4, cfg.PathCount())

	nas, ok := cfg.Host("nas")
	require.True(t, ok)
	assert.Equal(t, "backup@nas.lan", nas.Address)
	assert.True(t, nas.IgnorePing)
	assert.False(t, nas.PreserveOwnership)
	require.Len(t, nas.Paths, 2)
	assert.Equal(t, "etc", nas.Paths[0].DestSubdir)
	assert.Equal(t, "/share/backup/nas/etc", nas.Paths[0].Destination)
	assert.Equal(t, "/share/backup/nas/media", nas.Paths[1].Destination)
	assert.Empty(t, nas.Paths[1].ExcludeFile, "None is unset")
	assert.Empty(t, nas.Paths[1].PostHook, "null is unset")
	assert.Equal(t, "/etc/backup/hooks/stop-db.sh", nas.Paths[1].PreHook)
	assert.Equal(t, "backup@nas.lan:/etc", nas.Source(nas.Paths[0]))

	laptop, _ := cfg.Host("laptop")
	assert.Equal(t, "me@laptop", laptop.Address)
	assert.True(t, laptop.PreserveOwnership)
	assert.Equal(t, "sudo rsync", laptop.RsyncPath)
	assert.Equal(t, "--one-file-system", laptop.Paths[0].ExtraOptions)
	assert.Empty(t, laptop.Paths[0].PostHookLocal, "~ is unset")

	server, _ := cfg.Host("server")
	assert.True(t, server.IsLocal())
	assert.Equal(t, "/var/lib/data", server.Source(server.Paths[0]))

	require.NotNil(t, cfg.Snapshots)
	assert.Equal(t, DefaultSnapshotTool, cfg.Snapshots.Tool)
	require.Len(t, cfg.Snapshots.Schedules, 2)
	assert.Equal(t, Schedule{Type: "hourly", Count: 6, Interval: 4 * time.Hour}, cfg.Snapshots.Schedules[0])
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantMsg string
	}{
		{
			name:    "duplicate destination",
			doc:     "config: {backup_base: /b}\nhosts:\n  h:\n    paths:\n      - path: /etc\n      - path: /srv\n        dest_subdir: etc\n",
			wantMsg: "already used",
		},
		{
			name:    "nested destination",
			doc:     "config: {backup_base: /b}\nhosts:\n  web:\n    paths:\n      - path: /etc\n      - path: /etc/nginx\n",
			wantMsg: "overlaps",
		},
		{
			name:    "dest_subdir nests into sibling",
			doc:     "config: {backup_base: /b}\nhosts:\n  h:\n    paths:\n      - path: /srv\n        dest_subdir: data/srv\n      - path: /data\n",
			wantMsg: "overlaps",
		},
		{
			name:    "dest_subdir is host directory",
			doc:     "config: {backup_base: /b}\nhosts:\n  h:\n    paths:\n      - path: /etc\n        dest_subdir: .\n",
			wantMsg: "whole host directory",
		},
		{
			name:    "root source",
			doc:     "config: {backup_base: /b}\nhosts:\n  h:\n    paths:\n      - path: /\n",
			wantMsg: "whole host directory",
		},
		{
			name:    "dest_subdir escapes",
			doc:     "config: {backup_base: /b}\nhosts:\n  h:\n    paths:\n      - path: /etc\n        dest_subdir: a/../../x\n",
			wantMsg: "escapes",
		},
		{
			name:    "parent host name",
			doc:     "config: {backup_base: /b}\nhosts:\n  \"..\":\n    paths:\n      - path: /etc\n",
			wantMsg: "not usable as a directory name",
		},
		{
			name:    "dot host name",
			doc:     "config: {backup_base: /b}\nhosts:\n  \".\":\n    paths:\n      - path: /etc\n",
			wantMsg: "not usable as a directory name",
		},
		{
			name: "host name with space",
			doc:  "config: {backup_base: /b}\nhosts:\n  my host:\n    paths:\n      - path: /etc\n",
		},
		{
			name:    "relative source",
			doc:     "config: {backup_base: /b}\nhosts:\n  h:\n    paths:\n      - path: etc\n",
			wantMsg: "must be absolute",
		},
		{
			name: "relative backup base",
			doc:  "config: {backup_base: backups}\nhosts:\n  h:\n    paths:\n      - path: /etc\n",
		},
		{
			name: "unknown field",
			doc:  "config: {backup_base: /b, colour: blue}\nhosts:\n  h:\n    paths:\n      - path: /etc\n",
		},
		{
			name: "no paths",
			doc:  "config: {backup_base: /b}\nhosts:\n  h:\n    paths: []\n",
		},
		{
			name: "no hosts",
			doc:  "config: {backup_base: /b}\nhosts: {}\n",
		},
		{
			name: "bad schedule",
			doc:  "config: {backup_base: /b}\nhosts:\n  h:\n    paths:\n      - path: /etc\nsnapshots:\n  volume: /share\n  schedules:\n    - {type: hourly, count: 0, interval: 10}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.doc), "backup.yaml")
			require.Error(t, err)
			assert.True(t, IsConfigError(err), "got %v", err)
			assert.True(t, errors.Is(err, ErrValidationFailed), "got %v", err)
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestLoadFromBytes_Malformed(t *testing.T) {
	for _, doc := range []string{"", "config: [unclosed", "# only a comment\n"} {
		_, err := LoadFromBytes([]byte(doc), "backup.yaml")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConfig), "doc=%q err=%v", doc, err)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "backup.yaml")
	require.NoError(t, os.WriteFile(p, []byte(sampleConfig), 0o644))

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, p, cfg.Source)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsConfigError(err))

	cfg, err = LoadFromReader(strings.NewReader(sampleConfig), "stdin")
	require.NoError(t, err)
	assert.Len(t, cfg.Hosts, 3)
}

func TestSelect(t *testing.T) {
	cfg := &Config{Hosts: []HostSpec{{Name: "web-1"}, {Name: "web-2"}, {Name: "db"}}}

	got, err := Select(cfg, nil)
	require.NoError(t, err)
	assert.Same(t, cfg, got)

	got, err = Select(cfg, []string{"web-*"})
	require.NoError(t, err)
	assert.Equal(t, []string{"web-1", "web-2"}, hostNames(got))
	assert.Len(t, cfg.Hosts, 3, "input is not modified")

	got, err = Select(cfg, []string{"db", "web-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"web-2", "db"}, hostNames(got))

	_, err = Select(cfg, []string{"mail"})
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = Select(cfg, []string{"web-["})
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestValidate_SiblingDestinations(t *testing.T) {
	doc := "config: {backup_base: /b}\nhosts:\n  web:\n    paths:\n      - path: /etc\n      - path: /etc-old\n  web-2:\n    paths:\n      - path: /etc\n"
	cfg, err := LoadFromBytes([]byte(doc), "backup.yaml")
	require.NoError(t, err)
	require.Len(t, cfg.Hosts, 2)
}

func TestOptional(t *testing.T) {
	for _, in := range []string{"", " ", "null", "None", "~", "NULL"} {
		assert.Empty(t, optional(in), in)
	}
	assert.Equal(t, "/x", optional(" /x "))
}

func hostNames(cfg *Config) []string {
	out := make([]string, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		out = append(out, h.Name)
	}
	return out
}
