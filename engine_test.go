package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/syncd/internal/config"
	"github.com/tonimelisma/syncd/internal/dataset"
	"github.com/tonimelisma/syncd/internal/storage"
	"github.com/tonimelisma/syncd/internal/sync"
	"github.com/tonimelisma/syncd/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestEngineConfig_MapsResolvedValues(t *testing.T) {
	r := resolvedWithLevel(t, "info")
	r.Workers.AckConcurrency = 2
	r.Workers.PendingConcurrency = 3
	r.Workers.SyncConcurrency = 4
	r.Workers.Ack = config.ResolvedRole{Interval: 20 * time.Millisecond}
	r.Workers.Pending = config.ResolvedRole{
		Interval: 5 * time.Second,
		Backoff:  worker.Backoff{Strategy: worker.StrategyNone},
	}
	r.Workers.Sync = config.ResolvedRole{
		Interval: 50 * time.Millisecond,
		Backoff:  worker.Backoff{Strategy: worker.StrategyFibonacci, Max: time.Minute},
	}
	r.Workers.PendingRetryLimit = 5
	r.Workers.PendingRetryInterval = 2 * time.Minute
	r.Queues.Visibility = 45 * time.Second
	r.Queues.SyncVisibility = 20 * time.Minute

	registry := dataset.NewRegistry(r.DatasetDefaults, nil)
	ec := engineConfig(r, nil, registry, discardLogger())

	assert.Same(t, registry, ec.Registry)
	assert.Equal(t, 45*time.Second, ec.Queues.Visibility)
	assert.Equal(t, 20*time.Minute, ec.Queues.SyncVisibility)
	assert.Equal(t, 2*time.Minute, ec.Queues.PendingVisibility)
	assert.Equal(t, r.Queues.MessageTTL, ec.Queues.MessageTTL)
	assert.Equal(t, r.Queues.PruneFrequency, ec.Queues.PruneInterval)

	assert.Equal(t, 2, ec.Ack.Concurrency)
	assert.Equal(t, 3, ec.Pending.Concurrency)
	assert.Equal(t, 4, ec.Sync.Concurrency)
	assert.Equal(t, 20*time.Millisecond, ec.Ack.Interval)
	assert.Equal(t, 5*time.Second, ec.Pending.Interval)
	assert.Equal(t, worker.StrategyNone, ec.Pending.Backoff.Strategy)
	assert.Equal(t, 50*time.Millisecond, ec.Sync.Interval)
	assert.Equal(t, worker.Backoff{Strategy: worker.StrategyFibonacci, Max: time.Minute}, ec.Sync.Backoff)
	assert.Equal(t, 5, ec.PendingRetryLimit)

	assert.Equal(t, r.Scheduler.LockName, ec.Scheduler.LockName)
	assert.Equal(t, r.Scheduler.LockTTL, ec.Scheduler.LockTTL)
	assert.Equal(t, r.Scheduler.Interval, ec.Scheduler.Interval)
	assert.Equal(t, r.Cleaner.Retention, ec.Cleaner.Retention)
	assert.Equal(t, r.Cleaner.LockName, ec.Cleaner.LockName)
}

func TestBuildRegistry_AppliesDatasetOverrides(t *testing.T) {
	r := resolvedWithLevel(t, "info")
	r.Datasets = map[string]dataset.Config{
		"todos": {SyncFrequency: 2 * time.Second},
	}

	registry, err := buildRegistry(r, nil)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, registry.Config("todos").SyncFrequency)
	assert.Equal(t, r.DatasetDefaults.ClientSyncTimeout, registry.Config("todos").ClientSyncTimeout)
	assert.Equal(t, r.DatasetDefaults.SyncFrequency, registry.Config("notes").SyncFrequency)
}

func TestBuildRegistry_InvalidDatasetID(t *testing.T) {
	r := resolvedWithLevel(t, "info")
	r.Datasets = map[string]dataset.Config{"": {}}

	_, err := buildRegistry(r, nil)
	require.Error(t, err)
}

func TestApplyReload_UpdatesDatasetTimings(t *testing.T) {
	prev := resolvedWithLevel(t, "info")
	prev.Datasets = map[string]dataset.Config{
		"todos": {SyncFrequency: 2 * time.Second},
		"notes": {SyncFrequency: 3 * time.Second},
	}

	registry, err := buildRegistry(prev, nil)
	require.NoError(t, err)

	next := *prev
	next.DatasetDefaults.SyncFrequency = 7 * time.Second
	next.Datasets = map[string]dataset.Config{
		"todos": {SyncFrequency: 4 * time.Second},
	}

	holder := config.NewHolder(prev, prev.ConfigPath)
	s := &session{registry: registry}

	require.NoError(t, applyReload(holder, &next, s, discardLogger()))

	assert.Same(t, &next, holder.Config())
	assert.Equal(t, uint64(1), holder.Generation())
	assert.Equal(t, 4*time.Second, registry.Config("todos").SyncFrequency)
	assert.Equal(t, 7*time.Second, registry.Config("notes").SyncFrequency, "removed overrides fall back to defaults")
}

func TestRestartRequired(t *testing.T) {
	prev := resolvedWithLevel(t, "info")

	same := *prev
	same.Datasets = map[string]dataset.Config{"todos": {SyncFrequency: time.Second}}
	same.DatasetDefaults.SyncFrequency = time.Minute
	assert.False(t, restartRequired(prev, &same))

	workers := *prev
	workers.Workers.SyncConcurrency = prev.Workers.SyncConcurrency + 1
	assert.True(t, restartRequired(prev, &workers))

	store := *prev
	store.Store.DBPath = "/elsewhere.db"
	assert.True(t, restartRequired(prev, &store))
}

func TestOpenSession_StatusAndPrune(t *testing.T) {
	r := resolvedWithLevel(t, "info")
	ctx := context.Background()

	s, err := openSession(ctx, r, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	stats, err := s.engine.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Queues, 3)
	assert.Equal(t, r.Scheduler.LockName, stats.Scheduler.Lock)
	assert.False(t, stats.Scheduler.Held)

	n, err := s.engine.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenSession_BadDatabasePath(t *testing.T) {
	r := resolvedWithLevel(t, "info")
	r.Store.DBPath = filepath.Join(t.TempDir(), "missing", "dir", "syncd.db")

	_, err := openSession(context.Background(), r, discardLogger())
	require.Error(t, err)
}

func TestPrintStatusText(t *testing.T) {
	stats := &sync.Stats{
		Queues: []sync.QueueStats{
			{Name: "ack", Waiting: 1},
			{Name: "pending", Waiting: 12, InFlight: 2, Done: 30},
			{Name: "sync"},
		},
		Clients:   storage.ClientCounts{Total: 3, Stopped: 1, Records: 40},
		Updates:   5,
		Scheduler: sync.LeaderStats{Lock: "sync:scheduler", Held: true, Expires: time.Now().Add(time.Minute)},
		Cleaner:   sync.LeaderStats{Lock: "sync:cleaner"},
	}

	var buf bytes.Buffer
	require.NoError(t, printStatusText(&buf, "/var/lib/syncd/syncd.db", stats))

	out := buf.String()
	assert.Contains(t, out, "Database: /var/lib/syncd/syncd.db")
	assert.Contains(t, out, "QUEUE    WAITING  IN FLIGHT  DONE")
	assert.Contains(t, out, "pending  12       2          30")
	assert.Contains(t, out, "Clients:  3 (1 stopped), 40 records")
	assert.Contains(t, out, "Updates:  5")
	assert.Contains(t, out, "Scheduler: sync:scheduler (held until ")
	assert.Contains(t, out, "Cleaner:   sync:cleaner (no leader)")
}
