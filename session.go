package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/dirsync/internal/journal"
	"github.com/tonimelisma/dirsync/internal/status"
	"github.com/tonimelisma/dirsync/internal/sync"
)

// engineShutdownTimeout bounds how long a command waits for the engine to
// finish an in-flight operation on exit.
const engineShutdownTimeout = 30 * time.Second

// session is one engine for the lifetime of a command, reporting to a
// broadcaster whose transitions are recorded in the status journal.
type session struct {
	eng    *sync.Engine
	bus    *status.Broadcaster
	logger *slog.Logger

	stopJournal func()
	jr          *journal.Journal
}

// openSession builds the engine for a one-shot command. A journal that
// cannot be opened is logged and skipped: history is not worth failing a
// transfer over.
func openSession(ctx context.Context, cc *CLIContext, deps engineDeps) (*session, error) {
	s := &session{bus: status.NewBroadcaster(cc.Logger), logger: cc.Logger}

	jr, err := journal.Open(ctx, cc.Cfg.JournalPath, cc.Logger)
	if err != nil {
		cc.Logger.Warn("status journal unavailable", slog.String("error", err.Error()))
	} else {
		s.jr = jr
		s.stopJournal = jr.Attach(s.bus, journal.DefaultKeep)
	}

	deps.Status = s.bus

	eng, err := newSyncEngine(cc.Cfg, deps, cc.Logger)
	if err != nil {
		s.close()

		return nil, err
	}

	s.eng = eng

	return s, nil
}

// close waits for the engine, then flushes and closes the journal.
func (s *session) close() {
	if s.eng != nil {
		ctx, cancel := context.WithTimeout(context.Background(), engineShutdownTimeout)
		if err := s.eng.Shutdown(ctx); err != nil {
			s.logger.Warn("engine shutdown incomplete", slog.String("error", err.Error()))
		}

		cancel()
	}

	if s.stopJournal != nil {
		s.stopJournal()
	}

	if s.jr != nil {
		if err := s.jr.Close(); err != nil {
			s.logger.Warn("closing status journal", slog.String("error", err.Error()))
		}
	}
}

// initialize runs engine initialization. It reports errFirstSyncDownloaded
// when this device was unknown remotely and the remote copy replaced the
// local data, which leaves the engine refusing further changes.
func (s *session) initialize(ctx context.Context) error {
	if err := s.eng.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing: %w", err)
	}

	if s.eng.RestartPending() {
		return errFirstSyncDownloaded
	}

	return nil
}

// errFirstSyncDownloaded stops a command after first-time sync pulled the
// remote copy onto a device the remote store did not know.
var errFirstSyncDownloaded = errors.New(
	"this device was not registered remotely; the remote copy was downloaded first, " +
		"restart the application using the data directory and run the command again")

// ensureNoDaemon refuses to run a mutating command next to a live daemon:
// two engines on one data directory would race on the remote store.
func ensureNoDaemon(pidPath string) error {
	pid, err := findDaemon(pidPath)

	switch {
	case err == nil:
		return fmt.Errorf("a sync --watch daemon is running (PID %d); stop it first", pid)
	case errors.Is(err, errNoDaemon):
		return nil
	default:
		return err
	}
}
