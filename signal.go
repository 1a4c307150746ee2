package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// exitInterrupted is the conventional status for death by SIGINT.
const exitInterrupted = 130

// forceExit ends the process when a second stop signal arrives.
var forceExit = func() { os.Exit(exitInterrupted) }

// notifyUntil calls fn for every delivery of sigs until ctx is done. fn
// returning false stops the subscription early.
func notifyUntil(ctx context.Context, fn func(os.Signal) bool, sigs ...os.Signal) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)

	go func() {
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if !fn(sig) {
					return
				}
			}
		}
	}()
}

// shutdownContext cancels the returned context on the first SIGINT or
// SIGTERM so an in-flight archive transfer can unwind. A second signal
// exits at once. Watching stops when parent is done.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)
	received := 0

	notifyUntil(parent, func(sig os.Signal) bool {
		received++

		if received == 1 {
			logger.Info("received signal, finishing current operation",
				slog.String("signal", sig.String()),
			)
			cancel()

			return true
		}

		logger.Warn("received second signal, forcing exit",
			slog.String("signal", sig.String()),
		)
		forceExit()

		return false
	}, syscall.SIGINT, syscall.SIGTERM)

	return ctx
}

// forwardHangups turns every SIGHUP into a sync request on trigger until ctx
// is done. A one-shot "dirsync sync" uses this to hand work to the daemon.
func forwardHangups(ctx context.Context, trigger chan<- struct{}, logger *slog.Logger) {
	notifyUntil(ctx, func(os.Signal) bool {
		logger.Info("received SIGHUP, requesting sync")
		poke(trigger)

		return true
	}, syscall.SIGHUP)
}

// poke sends a non-blocking wake-up. Requests coalesce while one is pending.
func poke(trigger chan<- struct{}) {
	select {
	case trigger <- struct{}{}:
	default:
	}
}
