package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/syncd/internal/config"
	"github.com/tonimelisma/syncd/internal/dataset"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync workers, scheduler and client cleaner",
		Long: `Run the ack, pending and sync workers together with the scheduler,
the client cleaner and the queue pruner until interrupted.

Any number of instances may serve the same database. The scheduler and the
cleaner each run on one leader at a time, elected through locks in the
database. Changes to the config file, or a SIGHUP, reload dataset timings
without a restart.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	hup := make(chan struct{}, 1)
	ctx := shutdownContext(cmd.Context(), hup, logger)

	s, err := openSession(ctx, resolvedCfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		statusf(flagQuiet, "Serving %s. Press Ctrl-C to stop.\n", resolvedCfg.Store.DBPath)
	}

	holder := config.NewHolder(resolvedCfg, resolvedCfg.ConfigPath)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.engine.Run(gctx) })
	g.Go(func() error {
		watchConfig(gctx, holder, hup, func(next *config.Resolved) error {
			return applyReload(holder, next, s, logger)
		}, logger)

		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("serve stopped")

	return nil
}

// applyReload swaps in a newly resolved config. Dataset timings take effect
// immediately; store, queue and worker settings need a restart.
func applyReload(holder *config.Holder, next *config.Resolved, s *session, logger *slog.Logger) error {
	prev := holder.Config()

	for id := range prev.Datasets {
		if _, ok := next.Datasets[id]; !ok {
			if err := s.registry.Configure(id, dataset.Config{}); err != nil {
				return err
			}
		}
	}

	if err := configureDatasets(s.registry, next); err != nil {
		return err
	}

	if restartRequired(prev, next) {
		logger.Warn("config change needs a restart to take full effect",
			slog.String("config_path", holder.Path()),
		)
	}

	_, gen := holder.Update(next)

	logger.Info("config reloaded",
		slog.String("config_path", holder.Path()),
		slog.Uint64("generation", gen),
		slog.Int("datasets", len(next.Datasets)),
	)

	return nil
}

// restartRequired reports whether anything beyond dataset timings changed.
func restartRequired(prev, next *config.Resolved) bool {
	return prev.Store != next.Store ||
		prev.Queues != next.Queues ||
		prev.Workers != next.Workers ||
		prev.Scheduler != next.Scheduler ||
		prev.Cleaner != next.Cleaner ||
		prev.Logging != next.Logging
}
