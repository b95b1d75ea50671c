package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/tonimelisma/syncd/internal/dataset"
	"github.com/tonimelisma/syncd/internal/lock"
	"github.com/tonimelisma/syncd/internal/storage"
)

// Cleaner defaults.
const (
	DefaultCleanerLockName = "sync:cleaner"
	DefaultCleanerInterval = time.Hour
	DefaultCleanerLockTTL  = 5 * time.Minute
	DefaultClientRetention = 24 * time.Hour
)

// CleanerConfig tunes the client cleaner loop.
type CleanerConfig struct {
	LockName string
	LockTTL  time.Duration
	Interval time.Duration
	// Retention is how long an inactive client is kept beyond its
	// ClientSyncTimeout.
	Retention time.Duration
}

func (c CleanerConfig) withDefaults() CleanerConfig {
	if c.LockName == "" {
		c.LockName = DefaultCleanerLockName
	}

	if c.LockTTL <= 0 {
		c.LockTTL = DefaultCleanerLockTTL
	}

	if c.Interval <= 0 {
		c.Interval = DefaultCleanerInterval
	}

	if c.Retention <= 0 {
		c.Retention = DefaultClientRetention
	}

	return c
}

// Cleaner removes DatasetClients that have been inactive for longer than
// their retention, along with their record refs.
type Cleaner struct {
	storage  *storage.Storage
	registry *dataset.Registry
	locker   *lock.Locker
	cfg      CleanerConfig
	logger   *slog.Logger

	nowFunc func() time.Time
}

// NewCleaner returns a Cleaner.
func NewCleaner(s *storage.Storage, r *dataset.Registry, l *lock.Locker, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		storage:  s,
		registry: r,
		locker:   l,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Run cleans every Interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context) error {
	runEvery(ctx, c.cfg.Interval, func(ctx context.Context) {
		c.Cycle(ctx)
	})

	return nil
}

// Cycle removes expired clients if this instance holds the cleaner lock.
// It returns how many clients were removed.
func (c *Cleaner) Cycle(ctx context.Context) int {
	removed := 0

	_, err := c.locker.Do(ctx, c.cfg.LockName, c.cfg.LockTTL, func(ctx context.Context) error {
		var err error
		removed, err = c.clean(ctx)

		return err
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("client cleaner failed", slog.String("error", err.Error()))
	}

	return removed
}

func (c *Cleaner) clean(ctx context.Context) (int, error) {
	clients, err := c.storage.ListClients(ctx)
	if err != nil {
		return 0, err
	}

	now := c.nowFunc()

	var expired []storage.Removal

	for _, dc := range clients {
		dc.Config = c.registry.Config(dc.DatasetID)

		inactive := dc.Stopped || dc.ShouldDeactivateSync(now)
		if inactive && dc.ShouldBeRemoved(now, c.cfg.Retention) {
			// A client re-registered after the listing survives the delete.
			expired = append(expired, storage.Removal{
				ID:         dc.ID,
				IdleBefore: now.Add(-(dc.Config.ClientSyncTimeout + c.cfg.Retention)),
			})
		}
	}

	if len(expired) == 0 {
		return 0, nil
	}

	n, err := c.storage.RemoveClients(ctx, expired)
	if n > 0 {
		c.logger.Info("removed inactive clients", slog.Int("count", n))
	}

	return n, err
}
