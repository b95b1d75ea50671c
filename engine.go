package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/syncd/internal/config"
	"github.com/tonimelisma/syncd/internal/dataset"
	"github.com/tonimelisma/syncd/internal/store"
	"github.com/tonimelisma/syncd/internal/sync"
)

// session bundles what every engine-backed command opens: the shared
// database, the dataset registry and the engine on top of them.
type session struct {
	db       *sql.DB
	registry *dataset.Registry
	engine   *sync.Engine
}

// openSession opens the shared database and builds an engine from r. A
// database that cannot be opened or migrated is fatal for the command.
func openSession(ctx context.Context, r *config.Resolved, logger *slog.Logger) (*session, error) {
	db, err := store.Open(ctx, r.Store.DBPath, store.Options{
		BusyTimeout:  r.Store.BusyTimeout,
		MaxOpenConns: r.Store.MaxOpenConns,
	}, logger)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(r, dataset.NewDocumentHandler(db, logger))
	if err != nil {
		db.Close()
		return nil, err
	}

	engine, err := sync.NewEngine(engineConfig(r, db, registry, logger))
	if err != nil {
		db.Close()
		return nil, err
	}

	return &session{db: db, registry: registry, engine: engine}, nil
}

func (s *session) Close() error {
	return s.db.Close()
}

// buildRegistry creates a registry from the resolved defaults and explicit
// per-dataset overrides.
func buildRegistry(r *config.Resolved, fallback dataset.DataHandler) (*dataset.Registry, error) {
	registry := dataset.NewRegistry(r.DatasetDefaults, fallback)

	if err := configureDatasets(registry, r); err != nil {
		return nil, err
	}

	return registry, nil
}

// configureDatasets applies r's dataset timings to an existing registry.
func configureDatasets(registry *dataset.Registry, r *config.Resolved) error {
	registry.SetDefaults(r.DatasetDefaults)

	for id, cfg := range r.Datasets {
		if err := registry.Configure(id, cfg); err != nil {
			return fmt.Errorf("configuring dataset %q: %w", id, err)
		}
	}

	return nil
}

// engineConfig maps the resolved configuration onto the engine's tuning.
func engineConfig(r *config.Resolved, db *sql.DB, registry *dataset.Registry, logger *slog.Logger) sync.EngineConfig {
	w := r.Workers

	role := func(concurrency int, pacing config.ResolvedRole) sync.RoleConfig {
		return sync.RoleConfig{
			Concurrency: concurrency,
			Interval:    pacing.Interval,
			Backoff:     pacing.Backoff,
		}
	}

	return sync.EngineConfig{
		DB:       db,
		Registry: registry,
		Logger:   logger,
		Queues: sync.QueueConfig{
			Visibility:        r.Queues.Visibility,
			SyncVisibility:    r.Queues.SyncVisibility,
			PendingVisibility: w.PendingRetryInterval,
			MessageTTL:        r.Queues.MessageTTL,
			PruneInterval:     r.Queues.PruneFrequency,
		},
		Ack:               role(w.AckConcurrency, w.Ack),
		Pending:           role(w.PendingConcurrency, w.Pending),
		Sync:              role(w.SyncConcurrency, w.Sync),
		PendingRetryLimit: w.PendingRetryLimit,
		Scheduler: sync.SchedulerConfig{
			LockName: r.Scheduler.LockName,
			LockTTL:  r.Scheduler.LockTTL,
			Interval: r.Scheduler.Interval,
		},
		Cleaner: sync.CleanerConfig{
			LockName:  r.Cleaner.LockName,
			LockTTL:   r.Cleaner.LockTTL,
			Interval:  r.Cleaner.Interval,
			Retention: r.Cleaner.Retention,
		},
	}
}
