package rsync

import (
	"fmt"
	"strings"
	"time"
)

// DefaultOptions mirrors the options the installer writes into new configs.
const DefaultOptions = "-avz --delete --numeric-ids --stats --human-readable"

// Invocation describes one transfer.
type Invocation struct {
	// BaseOptions is the global option string, split on whitespace.
	BaseOptions string
	// ExtraOptions is the per-path option string, appended after the base.
	ExtraOptions string

	PreserveOwnership bool
	RemoteRsyncPath   string

	// Remote sources always get a non-interactive ssh transport so a
	// missing key fails fast instead of waiting on a password prompt.
	Remote         bool
	SSHCommand     string
	SSHKey         string
	ConnectTimeout time.Duration

	ExcludeFile string

	// Source is "addr:path" for remote hosts or a local path.
	Source      string
	Destination string
}

// BuildArgs renders the rsync argument vector for inv.
//
// --stats is added when the option strings do not already carry it so that
// ParseStats always has a summary to read.
func BuildArgs(inv Invocation) []string {
	base := inv.BaseOptions
	if strings.TrimSpace(base) == "" {
		base = DefaultOptions
	}
	args := strings.Fields(base)

	if inv.PreserveOwnership {
		args = append(args, "--chmod=u+w")
	} else {
		args = append(args, "--chown=0:0", "--chmod=D755,F644")
	}

	if inv.RemoteRsyncPath != "" {
		args = append(args, "--rsync-path="+inv.RemoteRsyncPath)
	}

	if inv.Remote || inv.SSHKey != "" {
		args = append(args, "-e", SSHTransport(inv.SSHCommand, inv.SSHKey, inv.ConnectTimeout))
	}

	args = append(args, strings.Fields(inv.ExtraOptions)...)

	if inv.ExcludeFile != "" {
		args = append(args, "--exclude-from="+inv.ExcludeFile)
	}

	if !hasStats(args) {
		args = append(args, "--stats")
	}

	dest := inv.Destination
	if !strings.HasSuffix(dest, "/") {
		dest += "/"
	}
	return append(args, inv.Source, dest)
}

// SSHTransport renders the remote shell command passed to rsync -e.
func SSHTransport(sshCmd, key string, connectTimeout time.Duration) string {
	if sshCmd == "" {
		sshCmd = "ssh"
	}
	parts := []string{sshCmd}
	if key != "" {
		parts = append(parts, "-i", key)
	}
	parts = append(parts, "-o", "BatchMode=yes")
	if connectTimeout > 0 {
		parts = append(parts, "-o", fmt.Sprintf("ConnectTimeout=%d", timeoutSeconds(connectTimeout)))
	}
	return strings.Join(parts, " ")
}

func hasStats(args []string) bool {
	for _, a := range args {
		if a == "--stats" {
			return true
		}
	}
	return false
}

// timeoutSeconds rounds up so sub-second timeouts never become 0 (no limit).
func timeoutSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
