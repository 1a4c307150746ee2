package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/dirsync/internal/statusws"
	"github.com/tonimelisma/dirsync/internal/sync"
	"github.com/tonimelisma/dirsync/internal/watch"
)

// daemonWatcherOwner identifies the daemon when it starts the watcher.
const daemonWatcherOwner = "daemon"

// syncer is the part of *sync.Engine the daemon loop drives.
type syncer interface {
	Initialize(ctx context.Context) error
	Sync(ctx context.Context) (sync.Outcome, error)
	RestartPending() bool
}

// watchStarter is the part of the watcher the loop starts once the engine
// is initialized.
type watchStarter interface {
	Start(owner string) error
}

// daemonLoop schedules syncs: once after initialDelay, then every interval
// and on every trigger. Triggers that arrive before the first timed sync
// are dropped; that sync covers them.
type daemonLoop struct {
	eng          syncer
	watcher      watchStarter
	initialDelay time.Duration
	interval     time.Duration
	trigger      <-chan struct{}
	logger       *slog.Logger

	initialized bool
}

func (d *daemonLoop) run(ctx context.Context) error {
	timer := time.NewTimer(d.initialDelay)
	defer timer.Stop()

	started := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			started = true
			d.tick(ctx, "interval")
			timer.Reset(d.interval)
		case <-d.trigger:
			if !started {
				continue
			}

			d.tick(ctx, "change")
		}
	}
}

// tick runs one cycle. Failures are logged and retried on the next tick;
// the engine has already published them as status.
func (d *daemonLoop) tick(ctx context.Context, reason string) {
	if d.eng.RestartPending() {
		return
	}

	if !d.initialized {
		if err := d.eng.Initialize(ctx); err != nil {
			d.logResult("initialization failed", err)

			return
		}

		d.initialized = true

		if d.eng.RestartPending() {
			return
		}

		if err := d.watcher.Start(daemonWatcherOwner); err != nil {
			d.logger.Warn("data directory watcher not started, relying on periodic sync",
				slog.String("error", err.Error()),
			)
		}
	}

	outcome, err := d.eng.Sync(ctx)
	if err != nil {
		d.logResult("sync failed", err)

		return
	}

	d.logger.Info("sync cycle finished",
		slog.String("reason", reason),
		slog.String("outcome", outcome.String()),
	)
}

func (d *daemonLoop) logResult(msg string, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, sync.ErrRestartPending):
	case errors.Is(err, sync.ErrSyncInProgress):
		d.logger.Debug("sync skipped, another operation is running")
	default:
		d.logger.Warn(msg, slog.String("error", err.Error()))
	}
}

// runDaemon is sync --watch: it holds the PID file, syncs on a schedule and
// on data directory changes, serves the status stream and journals every
// status until a signal arrives or the engine asks for a restart.
func runDaemon(parent context.Context, cc *CLIContext) error {
	cfg := cc.Cfg
	logger := cc.Logger

	lock, err := acquireDaemonLock(cc.PIDPath)
	if err != nil {
		return err
	}
	defer lock.release()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ctx = shutdownContext(ctx, logger)

	trigger := make(chan struct{}, 1)
	forwardHangups(ctx, trigger, logger)

	w, err := watch.New(watch.Config{
		Root:     cfg.DataDir,
		Exclude:  watchExclude(cfg),
		Debounce: cfg.WatchDebounce,
		OnChange: func() { poke(trigger) },
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	defer func() {
		if stopErr := w.Stop(); stopErr != nil {
			logger.Warn("stopping watcher", slog.String("error", stopErr.Error()))
		}
	}()

	restart := newRestartRequest()

	s, err := openSession(ctx, cc, engineDeps{Watcher: w, Restarter: restart})
	if err != nil {
		return err
	}
	defer s.close()

	loop := &daemonLoop{
		eng:          s.eng,
		watcher:      w,
		initialDelay: cfg.InitialDelay,
		interval:     cfg.Interval,
		trigger:      trigger,
		logger:       logger,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return loop.run(gctx) })
	g.Go(func() error { return restart.wait(gctx, logger) })

	if cfg.StatusListen != "" {
		var history statusws.History
		if s.jr != nil {
			history = s.jr
		}

		handler := statusws.NewHandler(s.bus, history, logger)

		g.Go(func() error {
			return statusws.Serve(gctx, cfg.StatusListen, handler, logger, func(addr net.Addr) {
				logger.Info("status server listening", slog.String("addr", addr.String()))
			})
		})
	}

	logger.Info("daemon started",
		slog.String("data_dir", cfg.DataDir),
		slog.Duration("initial_delay", cfg.InitialDelay),
		slog.Duration("interval", cfg.Interval),
	)

	err = g.Wait()

	logger.Info("daemon stopping")

	return err
}
