// Package rsync knows the transfer tool's contract: how to build its
// command line, how to read its --stats output, and what its exit codes
// mean for backup status.
package rsync

import (
	"fmt"

	"github.com/pljakobs/backup/pkg/command"
	"github.com/pljakobs/backup/pkg/status"
)

var exitCodeMeanings = map[int]string{
	0:  "success",
	1:  "syntax or usage error",
	2:  "protocol incompatibility",
	3:  "errors selecting input/output files, dirs",
	4:  "requested action not supported",
	5:  "error starting client-server protocol",
	6:  "daemon unable to append to log-file",
	10: "error in socket I/O",
	11: "error in file I/O",
	12: "error in rsync protocol data stream",
	13: "errors with program diagnostics",
	14: "error in IPC code",
	20: "received SIGUSR1 or SIGINT",
	21: "some error returned by waitpid()",
	22: "error allocating core memory buffers",
	23: "partial transfer due to error",
	24: "partial transfer due to vanished source files",
	25: "the --max-delete limit stopped deletions",
	30: "timeout in data send/receive",
	35: "timeout waiting for daemon connection",
}

// degraded exit codes leave a usable but incomplete backup.
var degraded = map[int]bool{
	1:  true,
	2:  true,
	3:  true,
	4:  true,
	5:  true,
	23: true,
	24: true,
}

// Classify maps a transfer exit code to a backup status.
//
// 0 is success; usage, protocol-incompatibility, file-selection and
// partial-transfer codes are warnings; every other code, including codes
// this table does not know, is a failure.
func Classify(exitCode int) status.Status {
	if exitCode == 0 {
		return status.Success
	}
	if degraded[exitCode] {
		return status.Warning
	}
	return status.Failed
}

// Describe returns the documented meaning of an exit code.
func Describe(exitCode int) string {
	if exitCode == command.LaunchExitCode {
		return "transfer tool could not be started"
	}
	if m, ok := exitCodeMeanings[exitCode]; ok {
		return m
	}
	return fmt.Sprintf("unknown exit code %d", exitCode)
}
