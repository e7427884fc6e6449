// Package lockfile keeps two CarePipe servers from sharing a state directory.
//
// The lock is an flock on a file in the directory, so the kernel drops it
// when the holding process exits, however it exits.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "carepipe.lock"

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Host    string
	Started time.Time
	Addr    string
}

// Running reports whether the holder's process still exists on this host.
func (h Holder) Running() bool {
	if h.PID <= 0 {
		return false
	}
	return unix.Kill(h.PID, 0) == nil
}

func (h Holder) String() string {
	if h.PID <= 0 {
		return "unknown process"
	}
	state := "not running, stale lock"
	if h.Running() {
		state = "running"
	}
	s := fmt.Sprintf("PID %d (%s)", h.PID, state)
	if h.Host != "" {
		s += " on " + h.Host
	}
	if !h.Started.IsZero() {
		s += " since " + h.Started.Format(time.RFC3339)
	}
	if h.Addr != "" {
		s += " serving " + h.Addr
	}
	return s
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the lock on stateDir, creating the directory if needed.
// addr is recorded for the error message a second instance sees. If
// another process holds the lock, the error is a *LockError.
func AcquireLock(stateDir, addr string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	lockPath := filepath.Join(stateDir, LockFileName)

	// O_TRUNC would wipe the holder's record before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		holder, _ := ReadHolder(lockPath)
		slog.Error("Lockfile.AcquireLock: state directory is locked", "lock_path", lockPath, "holder", holder.String())
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	if err := writeHolder(file, addr); err != nil {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}
	slog.Info("Lockfile.AcquireLock: acquired state directory lock", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

func writeHolder(file *os.File, addr string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	host, _ := os.Hostname()
	record := fmt.Sprintf("pid=%d\nhost=%s\nstarted=%s\naddr=%s\n",
		os.Getpid(), host, time.Now().UTC().Format(time.RFC3339), addr)
	if _, err := file.WriteAt([]byte(record), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lockfile.AcquireLock: failed to sync lock file", "error", err)
	}
	return nil
}

// ReadHolder parses the process record of a lock file.
func ReadHolder(lockPath string) (Holder, error) {
	f, err := os.Open(lockPath)
	if err != nil {
		return Holder{}, err
	}
	defer f.Close()
	return parseHolder(bufio.NewScanner(f))
}

func parseHolder(sc *bufio.Scanner) (Holder, error) {
	var h Holder
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil {
				h.PID = pid
			}
		case "host":
			h.Host = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				h.Started = t
			}
		case "addr":
			h.Addr = value
		}
	}
	return h, sc.Err()
}

// Release drops the lock and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so no newcomer's file is deleted.
	removeErr := os.Remove(l.path)
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err := errors.Join(unlockErr, closeErr); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		slog.Warn("Lockfile.Release: failed to remove lock file", "error", removeErr, "lock_path", l.path)
	}
	slog.Info("Lockfile.Release: released state directory lock", "lock_path", l.path)
	return nil
}

// LockError reports a state directory held by another process.
type LockError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another CarePipe instance is using this state directory (lock %s held by %s); "+
		"if that process is gone, remove the lock file and retry", e.LockPath, e.Holder)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}
