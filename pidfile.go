package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o700
)

// errNoDaemon means no live sync --watch process owns the PID file.
var errNoDaemon = errors.New("no running daemon")

// daemonLock is the PID file a sync --watch process holds for its whole
// lifetime. The flock, not the file's existence, is what marks the daemon
// alive: a crashed daemon leaves the file behind but drops the lock.
type daemonLock struct {
	path string
	f    *os.File
}

// acquireDaemonLock creates path, takes an exclusive non-blocking flock on it
// and records the current PID.
func acquireDaemonLock(path string) (*daemonLock, error) {
	if path == "" {
		return nil, errors.New("PID file path is empty: cannot determine data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if pid, readErr := readPID(path); readErr == nil {
			return nil, fmt.Errorf("another sync --watch is already running (PID %d)", pid)
		}

		return nil, fmt.Errorf("another sync --watch is already running (could not lock %s)", path)
	}

	l := &daemonLock{path: path, f: f}

	if err := l.writePID(os.Getpid()); err != nil {
		l.release()

		return nil, err
	}

	return l, nil
}

func (l *daemonLock) writePID(pid int) error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := l.f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}

	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("syncing PID file: %w", err)
	}

	return nil
}

// release removes the file before dropping the lock so a racing
// acquireDaemonLock never locks a file that is about to vanish.
func (l *daemonLock) release() {
	os.Remove(l.path)
	l.f.Close()
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in %s: %q", path, strings.TrimSpace(string(data)))
	}

	return pid, nil
}

// lockHeld reports whether some process holds the flock on path.
func lockHeld(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB)
	if err == nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck // closing releases it anyway

		return false, nil
	}

	if errors.Is(err, syscall.EWOULDBLOCK) {
		return true, nil
	}

	return false, fmt.Errorf("probing lock on %s: %w", path, err)
}

// findDaemon returns the PID of the live daemon holding path. A missing file
// or an unlocked leftover yields errNoDaemon; leftovers are removed.
func findDaemon(path string) (int, error) {
	held, err := lockHeld(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w (no PID file at %s)", errNoDaemon, path)
		}

		return 0, err
	}

	if !held {
		os.Remove(path)

		return 0, fmt.Errorf("%w (stale PID file %s removed)", errNoDaemon, path)
	}

	return readPID(path)
}

// signalDaemon delivers sig to the daemon holding path and returns its PID.
func signalDaemon(path string, sig syscall.Signal) (int, error) {
	pid, err := findDaemon(path)
	if err != nil {
		return 0, err
	}

	if err := syscall.Kill(pid, sig); err != nil {
		return 0, fmt.Errorf("sending %s to daemon (PID %d): %w", sig, pid, err)
	}

	return pid, nil
}
