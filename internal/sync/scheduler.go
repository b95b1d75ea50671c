package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/tonimelisma/syncd/internal/dataset"
	"github.com/tonimelisma/syncd/internal/lock"
	"github.com/tonimelisma/syncd/internal/storage"
)

// Scheduler defaults.
const (
	DefaultSchedulerLockName      = "sync:scheduler"
	DefaultTimeBetweenChecks      = 500 * time.Millisecond
	DefaultTimeBeforeCrashAssumed = 20 * time.Second
)

// Enqueuer adds messages to a queue. *queue.Queue satisfies it.
type Enqueuer interface {
	AddMany(ctx context.Context, payloads []any) ([]int64, error)
}

// SchedulerConfig tunes the scheduler loop.
type SchedulerConfig struct {
	// LockName is the cluster-wide leadership lock.
	LockName string
	// LockTTL is how long a leader may hold the lock before another
	// instance assumes it crashed.
	LockTTL time.Duration
	// Interval is the time between scans.
	Interval time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.LockName == "" {
		c.LockName = DefaultSchedulerLockName
	}

	if c.LockTTL <= 0 {
		c.LockTTL = DefaultTimeBeforeCrashAssumed
	}

	if c.Interval <= 0 {
		c.Interval = DefaultTimeBetweenChecks
	}

	return c
}

// Scheduler is the single-leader loop that enqueues due DatasetClients on
// the sync queue and stops clients nobody polls any more. It keeps no state
// between scans.
type Scheduler struct {
	storage  *storage.Storage
	registry *dataset.Registry
	locker   *lock.Locker
	syncQ    Enqueuer
	cfg      SchedulerConfig
	logger   *slog.Logger

	nowFunc func() time.Time
}

// NewScheduler returns a Scheduler.
func NewScheduler(
	s *storage.Storage, r *dataset.Registry, l *lock.Locker, syncQ Enqueuer,
	cfg SchedulerConfig, logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		storage:  s,
		registry: r,
		locker:   l,
		syncQ:    syncQ,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Run scans every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	runEvery(ctx, s.cfg.Interval, func(ctx context.Context) {
		s.Cycle(ctx)
	})

	return nil
}

// ScanResult counts what one leased scan did.
type ScanResult struct {
	Scanned     int
	Scheduled   int
	Deactivated int
}

// Cycle runs one scan if this instance can take the leadership lock. It
// reports whether the scan ran. Errors are logged, never returned: the next
// cycle starts again from persisted state.
func (s *Scheduler) Cycle(ctx context.Context) (ScanResult, bool) {
	var res ScanResult

	ran, err := s.locker.Do(ctx, s.cfg.LockName, s.cfg.LockTTL, func(ctx context.Context) error {
		var scanErr error
		res, scanErr = s.scan(ctx)

		return scanErr
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("scheduler cycle failed", slog.String("error", err.Error()))
	}

	return res, ran
}

func (s *Scheduler) scan(ctx context.Context) (ScanResult, error) {
	clients, err := s.storage.ListClients(ctx)
	if err != nil {
		return ScanResult{}, err
	}

	now := s.nowFunc()
	res := ScanResult{Scanned: len(clients)}

	var (
		due        []*dataset.Client
		deactivate []*dataset.Client
	)

	for _, c := range clients {
		c.Config = s.registry.Config(c.DatasetID)

		inactive := c.ShouldDeactivateSync(now)

		switch {
		case inactive && !c.Stopped:
			deactivate = append(deactivate, c)
		case !inactive && c.ShouldSync(now):
			due = append(due, c)
		}
	}

	if len(due) > 0 {
		jobs := make([]any, len(due))
		for i, c := range due {
			jobs[i] = SyncJob{DatasetID: c.DatasetID, DatasetClientID: c.ID}
		}

		if _, err := s.syncQ.AddMany(ctx, jobs); err != nil {
			return res, err
		}

		for _, c := range due {
			if err := s.storage.UpdateClient(ctx, c.ID, storage.ClientUpdate{SyncScheduled: &now}); err != nil {
				s.logger.Warn("marking client scheduled failed",
					slog.String("client_id", c.ID),
					slog.String("error", err.Error()),
				)

				continue
			}

			res.Scheduled++
		}
	}

	stopped := true

	for _, c := range deactivate {
		if err := s.storage.UpdateClient(ctx, c.ID, storage.ClientUpdate{Stopped: &stopped}); err != nil {
			s.logger.Warn("deactivating client failed",
				slog.String("client_id", c.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		res.Deactivated++
	}

	if res.Scheduled > 0 || res.Deactivated > 0 {
		s.logger.Debug("scheduler scan",
			slog.Int("clients", res.Scanned),
			slog.Int("scheduled", res.Scheduled),
			slog.Int("deactivated", res.Deactivated),
		)
	}

	return res, nil
}
