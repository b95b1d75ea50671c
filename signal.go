package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context canceled by the first SIGINT or SIGTERM.
// Workers then finish the message they hold and the scheduler and cleaner
// release their locks. A second signal exits at once and leaves any held
// lock to expire on its TTL. SIGHUP asks for a config reload on reload.
func shutdownContext(parent context.Context, reload chan<- struct{}, logger *slog.Logger) context.Context {
	return handleSignals(parent, reload, os.Exit, logger)
}

func handleSignals(parent context.Context, reload chan<- struct{}, exit func(int), logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)

		stopping := false

		for {
			var sig os.Signal

			select {
			case sig = <-sigCh:
			case <-parent.Done():
				cancel()
				return
			}

			switch {
			case sig == syscall.SIGHUP:
				if stopping || reload == nil {
					continue
				}

				logger.Info("received SIGHUP, reloading config")

				select {
				case reload <- struct{}{}:
				default: // a reload is already pending
				}

			case !stopping:
				stopping = true

				logger.Info("received signal, draining workers and releasing leadership",
					slog.String("signal", sig.String()),
				)
				cancel()

			default:
				logger.Warn("received second signal, exiting without releasing locks",
					slog.String("signal", sig.String()),
				)
				exit(1)

				return
			}
		}
	}()

	return ctx
}
