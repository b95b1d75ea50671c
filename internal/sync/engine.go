// Package sync is the synchronization engine: the sync, pending and ack
// processors, the scheduler and client cleaner, and the request-facing API
// that feeds their queues.
package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/syncd/internal/dataset"
	"github.com/tonimelisma/syncd/internal/lock"
	"github.com/tonimelisma/syncd/internal/queue"
	"github.com/tonimelisma/syncd/internal/storage"
	"github.com/tonimelisma/syncd/internal/worker"
)

// Queue names.
const (
	QueueAck     = "ack"
	QueuePending = "pending"
	QueueSync    = "sync"
)

// RoleConfig sizes and paces the workers of one role.
type RoleConfig struct {
	Concurrency int
	Interval    time.Duration
	Backoff     worker.Backoff
}

// QueueConfig tunes the three queues.
type QueueConfig struct {
	// Visibility applies to the ack queue. Sync claims add the longest
	// backend list timeout to it unless SyncVisibility is set.
	Visibility     time.Duration
	SyncVisibility time.Duration
	// PendingVisibility is how long a claimed pending change stays hidden,
	// i.e. the pending retry interval.
	PendingVisibility time.Duration
	MessageTTL        time.Duration
	PruneInterval     time.Duration
}

// EngineConfig holds the dependencies and tuning of an Engine.
type EngineConfig struct {
	DB       *sql.DB
	Registry *dataset.Registry
	Logger   *slog.Logger
	Meter    metric.Meter // optional: defaults to the global meter provider

	Queues            QueueConfig
	Ack               RoleConfig
	Pending           RoleConfig
	Sync              RoleConfig
	PendingRetryLimit int
	Scheduler         SchedulerConfig
	Cleaner           CleanerConfig
}

// Engine wires storage, queues, processors, the scheduler and the cleaner
// together and serves the API.
type Engine struct {
	cfg      EngineConfig
	registry *dataset.Registry
	storage  *storage.Storage
	locker   *lock.Locker
	logger   *slog.Logger

	ackQ     *queue.Queue
	pendingQ *queue.Queue
	syncQ    *queue.Queue

	ack       *AckProcessor
	pending   *PendingProcessor
	syncer    *SyncProcessor
	scheduler *Scheduler
	cleaner   *Cleaner

	initMu      stdsync.Mutex
	initialized atomic.Bool

	nowFunc func() time.Time
}

// NewEngine builds an Engine. No I/O happens until Init.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.DB == nil || cfg.Registry == nil {
		return nil, errors.New("sync: engine needs a database and a dataset registry")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := cfg.Logger
	locker := lock.New(cfg.DB, logger)
	st := storage.New(cfg.DB, logger)

	ackQ, err := queue.New(cfg.DB, locker, QueueAck,
		queue.Config{Visibility: cfg.Queues.Visibility, MessageTTL: cfg.Queues.MessageTTL}, logger)
	if err != nil {
		return nil, err
	}

	pendingQ, err := queue.New(cfg.DB, locker, QueuePending,
		queue.Config{Visibility: cfg.Queues.PendingVisibility, MessageTTL: cfg.Queues.MessageTTL}, logger)
	if err != nil {
		return nil, err
	}

	syncQ, err := queue.New(cfg.DB, locker, QueueSync,
		queue.Config{Visibility: cfg.Queues.Visibility, MessageTTL: cfg.Queues.MessageTTL}, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		registry:  cfg.Registry,
		storage:   st,
		locker:    locker,
		logger:    logger,
		ackQ:      ackQ,
		pendingQ:  pendingQ,
		syncQ:     syncQ,
		ack:       NewAckProcessor(st, logger),
		pending:   NewPendingProcessor(st, cfg.Registry, cfg.PendingRetryLimit, logger),
		syncer:    NewSyncProcessor(st, cfg.Registry, logger),
		scheduler: NewScheduler(st, cfg.Registry, locker, syncQ, cfg.Scheduler, logger),
		cleaner:   NewCleaner(st, cfg.Registry, locker, cfg.Cleaner, logger),
		nowFunc:   time.Now,
	}, nil
}

// Init provisions the queues. It is safe to call any number of times from
// any goroutine; only the first successful call does work.
func (e *Engine) Init(ctx context.Context) error {
	if e.initialized.Load() {
		return nil
	}

	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.initialized.Load() {
		return nil
	}

	for _, q := range []*queue.Queue{e.ackQ, e.pendingQ, e.syncQ} {
		if err := q.Create(ctx); err != nil {
			return fmt.Errorf("sync: initializing: %w", err)
		}
	}

	e.initialized.Store(true)
	e.logger.Info("sync engine initialized")

	return nil
}

// Run starts the workers, scheduler, cleaner and queue pruner and blocks
// until ctx is canceled or a component fails to start.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Init(ctx); err != nil {
		return err
	}

	roles := []struct {
		src  worker.Source
		proc worker.Processor
		cfg  RoleConfig
	}{
		{e.ackQ, e.ack.Process, e.cfg.Ack},
		{e.pendingQ, e.pending.Process, e.cfg.Pending},
		{syncSource{Queue: e.syncQ, visibility: e.SyncVisibility}, e.syncer.Process, e.cfg.Sync},
	}

	var workers []*worker.Worker

	for _, r := range roles {
		n := max(r.cfg.Concurrency, 1)

		for range n {
			w, err := worker.New(worker.Config{
				Source:    r.src,
				Processor: r.proc,
				Interval:  r.cfg.Interval,
				Backoff:   r.cfg.Backoff,
				Logger:    e.logger,
				Meter:     e.cfg.Meter,
			})
			if err != nil {
				return fmt.Errorf("sync: creating %s worker: %w", r.src.Name(), err)
			}

			workers = append(workers, w)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error { return e.scheduler.Run(gctx) })
	g.Go(func() error { return e.cleaner.Run(gctx) })
	g.Go(func() error {
		interval := e.cfg.Queues.PruneInterval
		if interval <= 0 {
			interval = DefaultPruneInterval
		}

		runEvery(gctx, interval, func(ctx context.Context) {
			pruneQueues(ctx, e.prunables(), e.logger)
		})

		return nil
	})

	e.logger.Info("sync engine running",
		slog.Int("workers", len(workers)),
		slog.Int("ack_workers", max(e.cfg.Ack.Concurrency, 1)),
		slog.Int("pending_workers", max(e.cfg.Pending.Concurrency, 1)),
		slog.Int("sync_workers", max(e.cfg.Sync.Concurrency, 1)),
	)

	err := g.Wait()

	e.logger.Info("sync engine stopped")

	return err
}

// SyncVisibility is how long a claimed sync message stays hidden. It
// covers the slowest dataset's backend list so a sync still listing is
// not handed to a second worker.
func (e *Engine) SyncVisibility() time.Duration {
	if v := e.cfg.Queues.SyncVisibility; v > 0 {
		return v
	}

	return e.registry.MaxBackendListTimeout() + e.syncQ.Visibility()
}

// syncSource claims from the sync queue with the engine's current sync
// visibility, which follows dataset config reloads.
type syncSource struct {
	*queue.Queue
	visibility func() time.Duration
}

func (s syncSource) Get(ctx context.Context) (*queue.Message, error) {
	return s.GetWithVisibility(ctx, s.visibility())
}

func (e *Engine) prunables() []Prunable {
	return []Prunable{e.ackQ, e.pendingQ, e.syncQ}
}

// Prune prunes every queue once and returns the number of messages removed.
func (e *Engine) Prune(ctx context.Context) (int64, error) {
	if err := e.Init(ctx); err != nil {
		return 0, err
	}

	var total int64

	for _, q := range e.prunables() {
		n, err := q.Prune(ctx)
		if err != nil {
			return total, err
		}

		total += n
	}

	return total, nil
}

// Storage exposes the engine's storage layer.
func (e *Engine) Storage() *storage.Storage {
	return e.storage
}

// Scheduler exposes the engine's scheduler.
func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

// Cleaner exposes the engine's client cleaner.
func (e *Engine) Cleaner() *Cleaner {
	return e.cleaner
}
