// Package sync implements the device-aware backup engine: it keeps one local
// data directory consistent with a single remote copy by moving the whole
// directory as one archive, tracking participating devices in a remote
// metadata document, and pruning historical archives.
package sync

import (
	"context"
	"io"
	"time"

	"github.com/tonimelisma/dirsync/internal/archive"
	"github.com/tonimelisma/dirsync/internal/remote"
)

// Transport is the remote object namespace. Satisfied by *webdav.Client and
// *ftpfs.Client. Missing objects must surface as errors matching
// remote.ErrNotFound; Move must fail with remote.ErrExists rather than
// replace an existing destination.
type Transport interface {
	Exists(ctx context.Context, p string) (bool, error)
	Get(ctx context.Context, p string, w io.Writer) (int64, error)
	Put(ctx context.Context, p string, r io.ReadSeeker) error
	Delete(ctx context.Context, p string) error
	Move(ctx context.Context, src, dst string) error
	MkdirAll(ctx context.Context, p string) error
	List(ctx context.Context, dir string) ([]remote.Entry, error)
}

// Codec packs and unpacks the data directory. Satisfied by *archive.Codec.
type Codec interface {
	Compress(ctx context.Context, srcDir, dstArchive string, opts archive.Options) error
	Decompress(ctx context.Context, archivePath, dstDir string) error
	Verify(archivePath string) error
}

// Watcher is the host's filesystem watcher on the data directory. The engine
// stops it before rewriting the directory and starts it again afterwards.
type Watcher interface {
	Stop() error
	Start(owner string) error
}

// Restarter relaunches the host process. The engine only decides that a
// restart is needed; how it happens belongs to the host.
type Restarter interface {
	ScheduleRestart(delay time.Duration)
}

// Clock is the engine's source of "now".
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// State is the engine lifecycle state.
type State int

// Engine states.
const (
	StateUninitialized State = iota
	StateInitializing
	StateIdle
	StateSyncing
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome says what a Sync call did.
type Outcome int

// Sync outcomes.
const (
	OutcomeUpToDate Outcome = iota
	OutcomeUploaded
	OutcomeDownloaded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUploaded:
		return "uploaded"
	case OutcomeDownloaded:
		return "downloaded"
	default:
		return "up-to-date"
	}
}

// Endpoint identifies the remote store. Immutable for an engine's lifetime.
type Endpoint struct {
	URL        string
	Username   string
	Password   string //nolint:gosec // credential field, never logged
	RemotePath string
}

// HistoryEntry is one historical archive in a backup listing.
type HistoryEntry struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
}

// BackupList describes the remote backups. Main is nil when no metadata
// document exists yet. History is sorted newest first.
type BackupList struct {
	Main    *Metadata      `json:"main"`
	History []HistoryEntry `json:"history"`
}

// noopWatcher is used when the host has no watcher.
type noopWatcher struct{}

func (noopWatcher) Stop() error          { return nil }
func (noopWatcher) Start(_ string) error { return nil }

// noopRestarter is used when the host does not restart itself.
type noopRestarter struct{}

func (noopRestarter) ScheduleRestart(time.Duration) {}
