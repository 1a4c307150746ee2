package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	stdsync "sync"
	"syscall"
	"time"
)

// errRestartRequested unwinds the daemon after the engine replaced the data
// directory. main re-executes the binary once every resource is released.
var errRestartRequested = errors.New("restart requested")

// restartRequest is the daemon's sync.Restarter. The engine only asks; the
// daemon waits out the delay, shuts down cleanly and re-execs.
type restartRequest struct {
	once stdsync.Once
	ch   chan time.Duration
}

func newRestartRequest() *restartRequest {
	return &restartRequest{ch: make(chan time.Duration, 1)}
}

// ScheduleRestart records the first request; later ones are ignored.
func (r *restartRequest) ScheduleRestart(delay time.Duration) {
	r.once.Do(func() {
		r.ch <- delay
	})
}

// wait blocks until a restart is requested and its delay has passed, then
// returns errRestartRequested. It returns nil when ctx ends first: a stop
// request wins over a pending relaunch.
func (r *restartRequest) wait(ctx context.Context, logger *slog.Logger) error {
	var delay time.Duration

	select {
	case <-ctx.Done():
		return nil
	case delay = <-r.ch:
	}

	logger.Info("restarting after data directory replacement", slog.Duration("delay", delay))

	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-t.C:
		return errRestartRequested
	}
}

// reexec replaces the current process with a fresh copy of itself, keeping
// arguments and environment. It only returns on failure.
func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	return syscall.Exec(exe, os.Args, os.Environ())
}
