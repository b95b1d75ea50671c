package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/tonimelisma/syncd/internal/dataset"
	"github.com/tonimelisma/syncd/internal/worker"
)

// Validation range constants.
const (
	minConcurrency       = 1
	maxConcurrency       = 64
	minRetryLimit        = 1
	minLogRetention      = 1
	minVisibility        = time.Second
	minWorkerInterval    = 10 * time.Millisecond
	minCheckInterval     = 10 * time.Millisecond
	minLockTTL           = time.Second
	minPruneFrequency    = time.Second
	minCleanerFrequency  = time.Second
	minDatasetTimeout    = time.Millisecond
	minPendingRetryDelay = time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	_, err := build(cfg)
	return err
}

// Resolved is the effective, typed configuration after every layer has been
// applied and validated.
type Resolved struct {
	ConfigPath      string                    `json:"config_path"`
	Store           ResolvedStore             `json:"store"`
	Queues          ResolvedQueues            `json:"queues"`
	Workers         ResolvedWorkers           `json:"workers"`
	Scheduler       ResolvedLeader            `json:"scheduler"`
	Cleaner         ResolvedCleaner           `json:"cleaner"`
	DatasetDefaults dataset.Config            `json:"dataset_defaults"`
	Datasets        map[string]dataset.Config `json:"datasets"`
	Logging         ResolvedLogging           `json:"logging"`
}

// ResolvedStore is the typed [store] section.
type ResolvedStore struct {
	DBPath       string        `json:"db_path"`
	BusyTimeout  time.Duration `json:"busy_timeout"`
	MaxOpenConns int           `json:"max_open_conns"`
}

// ResolvedQueues is the typed [queues] section.
// SyncVisibility is zero unless set explicitly.
type ResolvedQueues struct {
	Visibility     time.Duration `json:"visibility"`
	SyncVisibility time.Duration `json:"sync_visibility,omitempty"`
	MessageTTL     time.Duration `json:"message_ttl"`
	PruneFrequency time.Duration `json:"prune_frequency"`
}

// ResolvedWorkers is the typed [workers] section with each role's pacing
// already inherited.
type ResolvedWorkers struct {
	AckConcurrency       int           `json:"ack_concurrency"`
	PendingConcurrency   int           `json:"pending_concurrency"`
	SyncConcurrency      int           `json:"sync_concurrency"`
	Ack                  ResolvedRole  `json:"ack"`
	Pending              ResolvedRole  `json:"pending"`
	Sync                 ResolvedRole  `json:"sync"`
	PendingRetryLimit    int           `json:"pending_retry_limit"`
	PendingRetryInterval time.Duration `json:"pending_retry_interval"`
}

// ResolvedRole is the pacing of one worker role.
type ResolvedRole struct {
	Interval time.Duration  `json:"interval"`
	Backoff  worker.Backoff `json:"backoff"`
}

// ResolvedLeader is the typed [scheduler] section.
type ResolvedLeader struct {
	LockName string        `json:"lock_name"`
	Interval time.Duration `json:"time_between_checks"`
	LockTTL  time.Duration `json:"time_before_crash_assumed"`
}

// ResolvedCleaner is the typed [cleaner] section.
type ResolvedCleaner struct {
	LockName  string        `json:"lock_name"`
	Interval  time.Duration `json:"check_frequency"`
	LockTTL   time.Duration `json:"lock_ttl"`
	Retention time.Duration `json:"retention"`
}

// ResolvedLogging is the typed [logging] section.
type ResolvedLogging struct {
	LogLevel         string `json:"log_level"`
	LogFile          string `json:"log_file,omitempty"`
	LogFormat        string `json:"log_format"`
	LogRetentionDays int    `json:"log_retention_days"`
	LogMaxSizeBytes  int64  `json:"log_max_size_bytes"`
}

// checker accumulates validation errors while converting raw values.
type checker struct {
	errs []error
}

func (c *checker) fail(format string, args ...any) {
	c.errs = append(c.errs, fmt.Errorf(format, args...))
}

func (c *checker) duration(field, value string, minimum time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		c.fail("%s: invalid duration %q: %w", field, value, err)
		return 0
	}

	if d < minimum {
		c.fail("%s: must be >= %s, got %s", field, minimum, d)
	}

	return d
}

// optionalDuration treats an empty value as "inherit" and returns zero.
func (c *checker) optionalDuration(field, value string, minimum time.Duration) time.Duration {
	if value == "" {
		return 0
	}

	return c.duration(field, value, minimum)
}

func (c *checker) intRange(field string, v, lo, hi int) int {
	if v < lo || v > hi {
		c.fail("%s: must be between %d and %d, got %d", field, lo, hi, v)
	}

	return v
}

func (c *checker) nonEmpty(field, v string) string {
	if v == "" {
		c.fail("%s: must not be empty", field)
	}

	return v
}

// build converts cfg to a Resolved, reporting every invalid value.
func build(cfg *Config) (*Resolved, error) {
	c := &checker{}

	r := &Resolved{
		Store:           buildStore(c, &cfg.Store),
		Queues:          buildQueues(c, &cfg.Queues),
		Workers:         buildWorkers(c, &cfg.Workers),
		Scheduler:       buildScheduler(c, &cfg.Scheduler),
		Cleaner:         buildCleaner(c, &cfg.Cleaner),
		DatasetDefaults: buildDataset(c, "dataset_defaults", cfg.DatasetDefaults, true),
		Datasets:        make(map[string]dataset.Config, len(cfg.Datasets)),
		Logging:         buildLogging(c, &cfg.Logging),
	}

	for id, dc := range cfg.Datasets {
		if err := dataset.ValidateID(id); err != nil {
			c.fail("datasets: %w", err)
			continue
		}

		r.Datasets[id] = buildDataset(c, "datasets."+id, dc, false)
	}

	if sv := r.Queues.SyncVisibility; sv > 0 {
		if longest := longestListTimeout(r); sv < longest {
			c.fail("queues.sync_visibility: must be >= the longest backend_list_timeout (%s), got %s", longest, sv)
		}
	}

	if r.Scheduler.LockName != "" && r.Scheduler.LockName == r.Cleaner.LockName {
		c.fail("cleaner.lock_name: must differ from scheduler.lock_name %q", r.Scheduler.LockName)
	}

	if err := errors.Join(c.errs...); err != nil {
		return nil, err
	}

	return r, nil
}

func buildStore(c *checker, s *StoreConfig) ResolvedStore {
	if s.MaxOpenConns < 0 {
		c.fail("store.max_open_conns: must be >= 0, got %d", s.MaxOpenConns)
	}

	return ResolvedStore{
		DBPath:       c.nonEmpty("store.db_path", s.DBPath),
		BusyTimeout:  c.duration("store.busy_timeout", s.BusyTimeout, 0),
		MaxOpenConns: s.MaxOpenConns,
	}
}

func buildQueues(c *checker, q *QueuesConfig) ResolvedQueues {
	return ResolvedQueues{
		Visibility:     c.duration("queues.visibility", q.Visibility, minVisibility),
		SyncVisibility: c.optionalDuration("queues.sync_visibility", q.SyncVisibility, minVisibility),
		MessageTTL:     c.duration("queues.message_ttl", q.MessageTTL, 0),
		PruneFrequency: c.duration("queues.prune_frequency", q.PruneFrequency, minPruneFrequency),
	}
}

func buildWorkers(c *checker, w *WorkersConfig) ResolvedWorkers {
	r := ResolvedWorkers{
		AckConcurrency:       c.intRange("workers.ack_concurrency", w.AckConcurrency, minConcurrency, maxConcurrency),
		PendingConcurrency:   c.intRange("workers.pending_concurrency", w.PendingConcurrency, minConcurrency, maxConcurrency),
		SyncConcurrency:      c.intRange("workers.sync_concurrency", w.SyncConcurrency, minConcurrency, maxConcurrency),
		PendingRetryLimit:    w.PendingRetryLimit,
		PendingRetryInterval: c.duration("workers.pending_retry_interval", w.PendingRetryInterval, minPendingRetryDelay),
	}

	if w.PendingRetryLimit < minRetryLimit {
		c.fail("workers.pending_retry_limit: must be >= %d, got %d", minRetryLimit, w.PendingRetryLimit)
	}

	base := buildRole(c, "workers",
		RolePacing{Interval: w.Interval, Backoff: w.Backoff, BackoffMax: w.BackoffMax}, nil)

	r.Ack = buildRole(c, "workers.ack", w.Ack, &base)
	r.Pending = buildRole(c, "workers.pending", w.Pending, &base)
	r.Sync = buildRole(c, "workers.sync", w.Sync, &base)

	return r
}

// buildRole resolves one role's pacing. Empty fields take base's value;
// with no base, interval is required.
func buildRole(c *checker, section string, p RolePacing, base *ResolvedRole) ResolvedRole {
	if base != nil && p == (RolePacing{}) {
		return *base
	}

	var r ResolvedRole
	if base != nil {
		r = *base
	}

	if p.Interval != "" || base == nil {
		r.Interval = c.duration(section+".interval", p.Interval, minWorkerInterval)
	}

	if p.Backoff != "" || base == nil {
		strategy, err := worker.ParseStrategy(p.Backoff)
		if err != nil {
			c.fail("%s.backoff: %w", section, err)
		}

		r.Backoff.Strategy = strategy
	}

	if p.BackoffMax != "" {
		r.Backoff.Max = c.duration(section+".backoff_max", p.BackoffMax, 0)
	}

	if r.Backoff.Strategy != worker.StrategyNone && r.Backoff.Max > 0 && r.Backoff.Max < r.Interval {
		c.fail("%s.backoff_max: must be >= %s.interval (%s), got %s", section, section, r.Interval, r.Backoff.Max)
	}

	return r
}

func buildScheduler(c *checker, s *SchedulerConfig) ResolvedLeader {
	return ResolvedLeader{
		LockName: c.nonEmpty("scheduler.lock_name", s.LockName),
		Interval: c.duration("scheduler.time_between_checks", s.TimeBetweenChecks, minCheckInterval),
		LockTTL:  c.duration("scheduler.time_before_crash_assumed", s.TimeBeforeCrashAssumed, minLockTTL),
	}
}

func buildCleaner(c *checker, cl *CleanerConfig) ResolvedCleaner {
	return ResolvedCleaner{
		LockName:  c.nonEmpty("cleaner.lock_name", cl.LockName),
		Interval:  c.duration("cleaner.check_frequency", cl.CheckFrequency, minCleanerFrequency),
		LockTTL:   c.duration("cleaner.lock_ttl", cl.LockTTL, minLockTTL),
		Retention: c.duration("cleaner.retention", cl.Retention, 0),
	}
}

// buildDataset converts one dataset section. Defaults must set every
// field; per-dataset sections may leave fields empty to inherit.
func buildDataset(c *checker, section string, d DatasetConfig, required bool) dataset.Config {
	get := c.optionalDuration
	if required {
		get = c.duration
	}

	return dataset.Config{
		SyncFrequency:       get(section+".sync_frequency", d.SyncFrequency, minDatasetTimeout),
		ClientSyncTimeout:   get(section+".client_sync_timeout", d.ClientSyncTimeout, minDatasetTimeout),
		BackendListTimeout:  get(section+".backend_list_timeout", d.BackendListTimeout, minDatasetTimeout),
		MaxScheduleWaitTime: get(section+".max_schedule_wait_time", d.MaxScheduleWaitTime, minDatasetTimeout),
	}
}

// longestListTimeout is the largest backend_list_timeout any dataset runs
// with.
func longestListTimeout(r *Resolved) time.Duration {
	longest := r.DatasetDefaults.BackendListTimeout
	for _, d := range r.Datasets {
		longest = max(longest, d.Merge(r.DatasetDefaults).BackendListTimeout)
	}

	return longest
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

func buildLogging(c *checker, l *LoggingConfig) ResolvedLogging {
	if !validLogLevels[l.LogLevel] {
		c.fail("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel)
	}

	if !validLogFormats[l.LogFormat] {
		c.fail("logging.log_format: must be one of text, json; got %q", l.LogFormat)
	}

	if l.LogRetentionDays < minLogRetention {
		c.fail("logging.log_retention_days: must be >= %d, got %d", minLogRetention, l.LogRetentionDays)
	}

	size, err := ParseSize(l.LogMaxSize)
	if err != nil {
		c.fail("logging.log_max_size: %w", err)
	}

	return ResolvedLogging{
		LogLevel:         l.LogLevel,
		LogFile:          l.LogFile,
		LogFormat:        l.LogFormat,
		LogRetentionDays: l.LogRetentionDays,
		LogMaxSizeBytes:  size,
	}
}
