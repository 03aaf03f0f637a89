// Package lockfile provides single-instance exclusion across backup runs.
//
// The lock is a file holding the owner's pid. A lock whose pid is unparsable
// or no longer running is stale and is removed on the next Acquire.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when a live process holds the lock.
var ErrAlreadyRunning = errors.New("another backup run is active")

// ActiveError carries the holder of a live lock.
type ActiveError struct {
	Path string
	PID  int
}

func (e *ActiveError) Error() string {
	return fmt.Sprintf("%s: lock %s held by pid %d", ErrAlreadyRunning, e.Path, e.PID)
}

func (e *ActiveError) Unwrap() error { return ErrAlreadyRunning }

// IsAlreadyRunning reports whether err means the lock is held by a live run.
func IsAlreadyRunning(err error) bool {
	return errors.Is(err, ErrAlreadyRunning)
}

// Lock is a held lock. Release is idempotent.
type Lock struct {
	path string
	once sync.Once
	err  error
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release removes the lock file. A missing file is not an error.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			l.err = fmt.Errorf("remove lock %s: %w", l.path, err)
		}
	})
	return l.err
}

// Manager acquires locks for the current process.
type Manager struct {
	logger *zap.Logger
	pid    int
	alive  func(pid int) bool
}

// NewManager returns a Manager. A nil logger is replaced by a no-op.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger, pid: os.Getpid(), alive: ProcessAlive}
}

// Acquire takes the lock at path.
//
// An existing lock naming a live pid yields *ActiveError and leaves the file
// untouched. A lock naming this process is a leftover of an earlier attempt
// and is reclaimed. Anything else is stale and removed.
//
// The check, stale removal and create run under an exclusive flock on
// GuardPath(path), so concurrent acquirers cannot both take over the same
// stale lock. The pid file itself keeps its plain format.
func (m *Manager) Acquire(path string) (*Lock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("lock path is empty")
	}

	unlock, err := guard(GuardPath(path))
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = m.create(path)
	if err == nil {
		m.logger.Debug("lock acquired", zap.String("path", path), zap.Int("pid", m.pid))
		return &Lock{path: path}, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("create lock %s: %w", path, err)
	}

	pid, readErr := readPID(path)
	if readErr != nil && !os.IsNotExist(readErr) {
		m.logger.Warn("removing stale lock",
			zap.String("path", path),
			zap.NamedError("reason", readErr),
		)
	} else if readErr == nil {
		if pid != m.pid && m.alive(pid) {
			return nil, &ActiveError{Path: path, PID: pid}
		}
		m.logger.Warn("removing stale lock", zap.String("path", path), zap.Int("pid", pid))
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale lock %s: %w", path, err)
	}
	if err := m.create(path); err != nil {
		if os.IsExist(err) {
			// A holder that does not take the guard got in first.
			pid, _ := readPID(path)
			return nil, &ActiveError{Path: path, PID: pid}
		}
		return nil, fmt.Errorf("create lock %s: %w", path, err)
	}
	m.logger.Debug("lock acquired", zap.String("path", path), zap.Int("pid", m.pid))
	return &Lock{path: path}, nil
}

// GuardPath is the sidecar file whose flock serializes Acquire. It is left
// in place after release.
func GuardPath(path string) string { return path + ".lock" }

// guard blocks until it holds an exclusive flock on path.
func guard(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock guard %s: %w", path, err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func (m *Manager) create(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d\n", m.pid); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close lock: %w", err)
	}
	return nil
}

func readPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unparsable pid %q", s)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	return pid, nil
}

// ProcessAlive reports whether pid names a running process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering anything.
	err = p.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
