package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/pljakobs/backup/pkg/backupconfig"
	"github.com/pljakobs/backup/pkg/lockfile"
	"github.com/pljakobs/backup/pkg/orchestrator"
	"github.com/pljakobs/backup/pkg/status"
)

// Exit codes without a foundry equivalent.
const (
	ExitRunFailed = 1
	// ExitAlreadyRunning is EX_TEMPFAIL: another run holds the lock.
	ExitAlreadyRunning = 75
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code for err: 0 for nil, the carried code for
// an ExitError, and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitRunFailed
}

// configExitCode maps a configuration load error.
func configExitCode(err error) int {
	if errors.Is(err, backupconfig.ErrNotFound) {
		return foundry.ExitFileNotFound
	}
	return foundry.ExitInvalidArgument
}

// reportError maps a finished run to the command's error. Success and
// warning runs return nil.
func reportError(rep *orchestrator.Report) error {
	if rep.Err != nil {
		switch {
		case lockfile.IsAlreadyRunning(rep.Err):
			return exitError(ExitAlreadyRunning, "Another backup is running", rep.Err)
		case errors.Is(rep.Err, orchestrator.ErrNoReachableHosts):
			return exitError(foundry.ExitExternalServiceUnavailable, "No host could be reached", rep.Err)
		case errors.Is(rep.Err, context.Canceled):
			return exitError(foundry.ExitSignalInt, "Backup interrupted", rep.Err)
		default:
			return exitError(ExitRunFailed, "Backup aborted", rep.Err)
		}
	}
	if rep.Status == status.Failed {
		return exitError(ExitRunFailed, "Backup finished with failures",
			fmt.Errorf("run %s status %s", rep.RunID, rep.Status))
	}
	return nil
}
