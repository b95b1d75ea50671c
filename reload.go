package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/syncd/internal/config"
)

// reloadDebounce collapses the burst of events an editor produces when it
// saves a file.
const reloadDebounce = 250 * time.Millisecond

// watchConfig calls apply with the re-resolved configuration after every
// change to the config file and on every request from hup. An invalid file
// is logged and the running configuration is kept. Without a usable file
// watcher only hup triggers reloads. Returns when ctx is canceled.
func watchConfig(
	ctx context.Context, holder *config.Holder, hup <-chan struct{},
	apply func(*config.Resolved) error, logger *slog.Logger,
) {
	path := holder.Path()
	events, errs, closeWatcher := watchFile(path, logger)
	defer closeWatcher()

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()

	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-hup:
			reloadConfig(apply, logger)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}

			if filepath.Clean(ev.Name) != filepath.Clean(path) || ev.Op == fsnotify.Chmod {
				continue
			}

			debounce.Reset(reloadDebounce)

		case werr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}

			logger.Warn("config watcher error", slog.String("error", werr.Error()))

		case <-debounce.C:
			reloadConfig(apply, logger)
		}
	}
}

// watchFile starts an fsnotify watch on path's directory; editors replace
// the file rather than write it in place. It returns nil channels when path
// is empty or cannot be watched.
func watchFile(path string, logger *slog.Logger) (<-chan fsnotify.Event, <-chan error, func()) {
	noop := func() {}

	if path == "" {
		return nil, nil, noop
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watcher unavailable", slog.String("error", err.Error()))
		return nil, nil, noop
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Warn("cannot watch config directory",
			slog.String("path", filepath.Dir(path)),
			slog.String("error", err.Error()),
		)
		watcher.Close()

		return nil, nil, noop
	}

	logger.Debug("watching config file", slog.String("path", path))

	return watcher.Events, watcher.Errors, func() { watcher.Close() }
}

func reloadConfig(apply func(*config.Resolved) error, logger *slog.Logger) {
	env, err := config.ReadEnvOverrides()
	if err != nil {
		logger.Warn("ignoring config reload", slog.String("error", err.Error()))
		return
	}

	next, err := config.Resolve(env, activeOverrides)
	if err != nil {
		logger.Warn("ignoring invalid config change", slog.String("error", err.Error()))
		return
	}

	if err := apply(next); err != nil {
		logger.Warn("applying config change failed", slog.String("error", err.Error()))
	}
}
