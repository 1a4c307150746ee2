package sync

import (
	"errors"
	"fmt"
)

// Sentinel errors. Check with errors.Is.
var (
	ErrConfigurationInvalid = errors.New("sync: configuration invalid")
	ErrRemoteFormat         = errors.New("sync: remote metadata malformed")
	ErrIntegrity            = errors.New("sync: archive integrity check failed")
	ErrLocalIO              = errors.New("sync: local I/O failure")
	ErrSyncInProgress       = errors.New("sync: another sync operation is in progress")
	ErrRestartPending       = errors.New("sync: restart pending, refusing further changes")
	ErrNotInitialized       = errors.New("sync: engine not initialized")
	ErrEngineClosed         = errors.New("sync: engine closed")
	ErrInvalidBackupName    = errors.New("sync: invalid historical backup name")
)

// IntegrityError reports a checksum mismatch for a downloaded archive.
type IntegrityError struct {
	Object   string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("sync: checksum mismatch for %s: expected %s, got %s", e.Object, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

// LocalIOError wraps a failed local filesystem operation. It matches both
// ErrLocalIO and the underlying cause.
type LocalIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("sync: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() []error {
	return []error{ErrLocalIO, e.Err}
}

func localIO(op, path string, err error) error {
	return &LocalIOError{Op: op, Path: path, Err: err}
}
