// Package backupconfig loads the declarative backup configuration: hosts,
// the paths to pull from each, and snapshot schedules.
//
// The on-disk YAML is validated against an embedded JSON schema, then
// resolved into HostSpec and PathSpec values with every optional attribute
// already normalized, so the engine never sees raw YAML.
package backupconfig

import (
	"path"
	"sort"
	"strings"
	"time"
)

// Defaults written by the installer.
const (
	DefaultConfigPath   = "/etc/backup/backup.yaml"
	DefaultLockFile     = "/tmp/backup.fil"
	DefaultRsyncOptions = "-avz --delete --numeric-ids --stats --human-readable"
	DefaultSnapshotTool = "btrfs-snp"
)

// File mirrors the YAML document.
type File struct {
	Config    SettingsEntry         `yaml:"config" json:"config"`
	Hosts     map[string]*HostEntry `yaml:"hosts" json:"hosts"`
	Snapshots *SnapshotsEntry       `yaml:"snapshots,omitempty" json:"snapshots,omitempty"`
}

// SettingsEntry is the global "config" block.
type SettingsEntry struct {
	BackupBase   string `yaml:"backup_base" json:"backup_base"`
	LockFile     string `yaml:"lock_file,omitempty" json:"lock_file,omitempty"`
	RsyncOptions string `yaml:"rsync_options,omitempty" json:"rsync_options,omitempty"`
	RsyncPath    string `yaml:"rsync_path,omitempty" json:"rsync_path,omitempty"`
}

// HostEntry is one entry of the "hosts" map.
type HostEntry struct {
	Target            string       `yaml:"target,omitempty" json:"target,omitempty"`
	SSHUser           string       `yaml:"ssh_user,omitempty" json:"ssh_user,omitempty"`
	Hostname          string       `yaml:"hostname,omitempty" json:"hostname,omitempty"`
	SSHKey            string       `yaml:"ssh_key,omitempty" json:"ssh_key,omitempty"`
	IgnorePing        bool         `yaml:"ignore_ping,omitempty" json:"ignore_ping,omitempty"`
	PreserveOwnership bool         `yaml:"preserve_ownership,omitempty" json:"preserve_ownership,omitempty"`
	RsyncPath         string       `yaml:"rsync_path,omitempty" json:"rsync_path,omitempty"`
	Paths             []*PathEntry `yaml:"paths" json:"paths"`
}

// PathEntry is one entry of a host's "paths" list.
type PathEntry struct {
	Path          string `yaml:"path" json:"path"`
	DestSubdir    string `yaml:"dest_subdir,omitempty" json:"dest_subdir,omitempty"`
	ExcludeFile   string `yaml:"exclude_file,omitempty" json:"exclude_file,omitempty"`
	RsyncOptions  string `yaml:"rsync_options,omitempty" json:"rsync_options,omitempty"`
	PreHook       string `yaml:"pre_hook,omitempty" json:"pre_hook,omitempty"`
	PostHook      string `yaml:"post_hook,omitempty" json:"post_hook,omitempty"`
	PreHookLocal  string `yaml:"pre_hook_local,omitempty" json:"pre_hook_local,omitempty"`
	PostHookLocal string `yaml:"post_hook_local,omitempty" json:"post_hook_local,omitempty"`
}

// SnapshotsEntry is the optional "snapshots" block.
type SnapshotsEntry struct {
	Volume    string           `yaml:"volume" json:"volume"`
	Tool      string           `yaml:"tool,omitempty" json:"tool,omitempty"`
	Schedules []*ScheduleEntry `yaml:"schedules,omitempty" json:"schedules,omitempty"`
}

// ScheduleEntry is one retention schedule. Interval is in seconds.
type ScheduleEntry struct {
	Type     string `yaml:"type" json:"type"`
	Count    int    `yaml:"count" json:"count"`
	Interval int    `yaml:"interval" json:"interval"`
}

// Config is the resolved configuration.
type Config struct {
	// Source is the file the configuration was loaded from, if any.
	Source string

	BackupBase   string
	LockFile     string
	RsyncOptions string

	// Hosts are sorted by name.
	Hosts     []HostSpec
	Snapshots *SnapshotSpec
}

// Host returns the host with the given name.
func (c *Config) Host(name string) (HostSpec, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return HostSpec{}, false
}

// PathCount returns the number of path jobs across all hosts.
func (c *Config) PathCount() int {
	n := 0
	for _, h := range c.Hosts {
		n += len(h.Paths)
	}
	return n
}

// HostSpec is one machine to back up.
type HostSpec struct {
	Name string
	// Address is "user@host", "host", or empty for the local machine.
	Address           string
	SSHKey            string
	IgnorePing        bool
	PreserveOwnership bool
	// RsyncPath overrides the rsync binary on the remote side.
	RsyncPath string
	Paths     []PathSpec
}

// IsLocal reports whether the host is the machine running the backup.
func (h HostSpec) IsLocal() bool { return h.Address == "" }

// Source renders the rsync source for p on this host.
func (h HostSpec) Source(p PathSpec) string {
	if h.IsLocal() {
		return p.Source
	}
	return h.Address + ":" + p.Source
}

// PathSpec is one directory tree to pull. Optional attributes are empty when
// unset.
type PathSpec struct {
	Source string
	// DestSubdir is relative to the host's directory under the backup base.
	DestSubdir  string
	Destination string

	ExcludeFile   string
	ExtraOptions  string
	PreHook       string
	PostHook      string
	PreHookLocal  string
	PostHookLocal string
}

// SnapshotSpec is the resolved snapshot block.
type SnapshotSpec struct {
	Volume    string
	Tool      string
	Schedules []Schedule
}

// Schedule is one retention class handed to the snapshot tool.
type Schedule struct {
	Type     string
	Count    int
	Interval time.Duration
}

// nullSentinels are literal values that mean "unset" in hand-edited configs.
var nullSentinels = map[string]bool{
	"":     true,
	"null": true,
	"Null": true,
	"NULL": true,
	"None": true,
	"none": true,
	"~":    true,
}

// optional normalizes an optional string attribute.
func optional(s string) string {
	s = strings.TrimSpace(s)
	if nullSentinels[s] {
		return ""
	}
	return s
}

// resolveAddress picks the remote address: an explicit target wins, then
// user@hostname, then the bare hostname. No SSH fields means a local host.
func resolveAddress(e *HostEntry) string {
	if t := optional(e.Target); t != "" {
		return t
	}
	host := optional(e.Hostname)
	if host == "" {
		return ""
	}
	if user := optional(e.SSHUser); user != "" {
		return user + "@" + host
	}
	return host
}

// destSubdir defaults to the source path without its leading slash.
func destSubdir(p *PathEntry) string {
	if d := optional(p.DestSubdir); d != "" {
		return strings.Trim(path.Clean(d), "/")
	}
	return strings.TrimLeft(path.Clean(p.Path), "/")
}

// resolve turns the document into a Config. It assumes schema validation
// already passed and does not check semantics.
func resolve(f *File, source string) *Config {
	cfg := &Config{
		Source:       source,
		BackupBase:   strings.TrimSpace(f.Config.BackupBase),
		LockFile:     optional(f.Config.LockFile),
		RsyncOptions: optional(f.Config.RsyncOptions),
	}
	if cfg.LockFile == "" {
		cfg.LockFile = DefaultLockFile
	}
	if cfg.RsyncOptions == "" {
		cfg.RsyncOptions = DefaultRsyncOptions
	}
	globalRsyncPath := optional(f.Config.RsyncPath)

	names := make([]string, 0, len(f.Hosts))
	for name := range f.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := f.Hosts[name]
		if e == nil {
			e = &HostEntry{}
		}
		h := HostSpec{
			Name:              name,
			Address:           resolveAddress(e),
			SSHKey:            optional(e.SSHKey),
			IgnorePing:        e.IgnorePing,
			PreserveOwnership: e.PreserveOwnership,
			RsyncPath:         optional(e.RsyncPath),
		}
		if h.RsyncPath == "" {
			h.RsyncPath = globalRsyncPath
		}
		for _, pe := range e.Paths {
			if pe == nil {
				continue
			}
			sub := destSubdir(pe)
			h.Paths = append(h.Paths, PathSpec{
				Source:        strings.TrimSpace(pe.Path),
				DestSubdir:    sub,
				Destination:   path.Join(cfg.BackupBase, name, sub),
				ExcludeFile:   optional(pe.ExcludeFile),
				ExtraOptions:  optional(pe.RsyncOptions),
				PreHook:       optional(pe.PreHook),
				PostHook:      optional(pe.PostHook),
				PreHookLocal:  optional(pe.PreHookLocal),
				PostHookLocal: optional(pe.PostHookLocal),
			})
		}
		cfg.Hosts = append(cfg.Hosts, h)
	}

	if s := f.Snapshots; s != nil {
		snap := &SnapshotSpec{Volume: strings.TrimSpace(s.Volume), Tool: optional(s.Tool)}
		if snap.Tool == "" {
			snap.Tool = DefaultSnapshotTool
		}
		for _, se := range s.Schedules {
			if se == nil {
				continue
			}
			snap.Schedules = append(snap.Schedules, Schedule{
				Type:     strings.TrimSpace(se.Type),
				Count:    se.Count,
				Interval: time.Duration(se.Interval) * time.Second,
			})
		}
		cfg.Snapshots = snap
	}

	return cfg
}
