// Package watch observes the local data directory and reports changes after
// a quiet period. The sync engine pauses it around bulk rewrites of the
// directory so those rewrites are never reported as user changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/dirsync/internal/archive"
)

// DefaultDebounce is the quiet period used when Config.Debounce is zero.
const DefaultDebounce = 2 * time.Second

const (
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// skipDirs are never watched: they churn constantly and never carry data.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// FsWatcher is the subset of fsnotify.Watcher the loop uses.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating fsnotify watcher: %w", err)
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Remove(name string) error      { return f.w.Remove(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// Config holds the options for New.
type Config struct {
	Root     string
	Exclude  []string // archive-style patterns; matching paths never trigger
	Debounce time.Duration
	OnChange func() // called once per burst of changes, from its own goroutine
	Logger   *slog.Logger
}

// DataWatcher watches a directory tree. Start and Stop may be called any
// number of times; each Start builds a fresh fsnotify watcher.
type DataWatcher struct {
	root     string
	exclude  *archive.Matcher
	debounce time.Duration
	onChange func()
	logger   *slog.Logger

	// Tests replace these.
	watcherFactory func() (FsWatcher, error)
	sleepFunc      func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	running    bool
	owner      string
	cancel     context.CancelFunc
	done       chan struct{}
	fsw        FsWatcher
	timer      *time.Timer
	generation uint64
}

// New validates cfg and returns a stopped watcher.
func New(cfg Config) (*DataWatcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("watch: root directory is required")
	}

	if cfg.OnChange == nil {
		return nil, errors.New("watch: change callback is required")
	}

	m, err := archive.NewMatcher(cfg.Exclude...)
	if err != nil {
		return nil, err
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DataWatcher{
		root:           filepath.Clean(cfg.Root),
		exclude:        m,
		debounce:       debounce,
		onChange:       cfg.OnChange,
		logger:         logger,
		watcherFactory: newFsnotifyWatcher,
		sleepFunc:      timeSleep,
	}, nil
}

// Start begins watching on behalf of owner. Starting a running watcher only
// records the new owner.
func (w *DataWatcher) Start(owner string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.owner = owner

	if w.running {
		return nil
	}

	fsw, err := w.watcherFactory()
	if err != nil {
		return err
	}

	if err := w.addTree(fsw, w.root); err != nil {
		fsw.Close()

		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	w.fsw = fsw
	w.cancel = cancel
	w.done = done
	w.running = true

	go func() {
		defer close(done)
		w.loop(ctx, fsw)
	}()

	w.logger.Debug("watcher started", slog.String("root", w.root), slog.String("owner", owner))

	return nil
}

// Stop stops watching and discards any pending notification. It blocks
// until the event loop has exited. Stopping a stopped watcher is a no-op.
func (w *DataWatcher) Stop() error {
	w.mu.Lock()

	if !w.running {
		w.mu.Unlock()

		return nil
	}

	w.running = false
	w.generation++

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}

	cancel, done, fsw := w.cancel, w.done, w.fsw
	w.cancel, w.done, w.fsw = nil, nil, nil
	w.mu.Unlock()

	cancel()
	err := fsw.Close()
	<-done

	w.logger.Debug("watcher stopped", slog.String("root", w.root))

	if err != nil {
		return fmt.Errorf("watch: closing watcher: %w", err)
	}

	return nil
}

// Running reports whether the watcher is active.
func (w *DataWatcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.running
}

// Owner returns the owner passed to the most recent Start.
func (w *DataWatcher) Owner() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.owner
}

func (w *DataWatcher) loop(ctx context.Context, fsw FsWatcher) {
	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events():
			if !ok {
				return
			}

			w.handleEvent(fsw, ev)

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-fsw.Errors():
			if !ok {
				return
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			// Overflow and similar errors mean events were lost; report a
			// change so the next sync rescans.
			w.schedule()

			if err := w.sleepFunc(ctx, errBackoff); err != nil {
				return
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)
		}
	}
}

func (w *DataWatcher) handleEvent(fsw FsWatcher, ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || !filepath.IsLocal(rel) {
		return
	}

	rel = filepath.ToSlash(rel)
	if w.exclude.Match(rel) || skipDirs[filepath.Base(ev.Name)] {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if addErr := w.addTree(fsw, ev.Name); addErr != nil {
				w.logger.Warn("failed to watch new directory",
					slog.String("path", rel), slog.String("error", addErr.Error()))
			}
		}
	}

	w.logger.Debug("data directory changed", slog.String("path", rel), slog.String("op", ev.Op.String()))
	w.schedule()
}

// schedule (re)arms the debounce timer.
func (w *DataWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	if w.timer != nil {
		w.timer.Stop()
	}

	gen := w.generation
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		stale := gen != w.generation || !w.running
		w.timer = nil
		w.mu.Unlock()

		if !stale {
			w.onChange()
		}
	})
}

// addTree watches dir and every directory below it that is not excluded.
func (w *DataWatcher) addTree(fsw FsWatcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return fmt.Errorf("watch: reading %s: %w", p, err)
			}

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if p != w.root {
			rel, relErr := filepath.Rel(w.root, p)
			if relErr == nil && (w.exclude.Match(filepath.ToSlash(rel)) || skipDirs[d.Name()]) {
				return filepath.SkipDir
			}
		}

		if addErr := fsw.Add(p); addErr != nil {
			if p == dir {
				return fmt.Errorf("watch: adding %s: %w", p, addErr)
			}

			w.logger.Warn("failed to watch directory", slog.String("path", p), slog.String("error", addErr.Error()))
		}

		return nil
	})
}

func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
