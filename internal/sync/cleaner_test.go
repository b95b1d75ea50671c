package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/syncd/internal/storage"
)

func TestCleaner_RemovesExpiredClients(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()
	e.handler.put("u1", recX)

	old := upsertClient(t, e, "todos", map[string]any{"owner": "old"})
	require.NoError(t, e.syncer.Process(ctx, message(t, SyncJob{DatasetID: "todos", DatasetClientID: old.ID}, 1)))

	// Retention is one hour beyond the 15s client sync timeout.
	e.clock.Advance(time.Hour + time.Minute)

	fresh := upsertClient(t, e, "todos", map[string]any{"owner": "fresh"})

	assert.Equal(t, 1, e.cleaner.Cycle(ctx))

	_, err := e.storage.ReadClient(ctx, old.ID)
	require.ErrorIs(t, err, storage.ErrClientNotFound)

	_, err = e.storage.ReadClient(ctx, fresh.ID)
	require.NoError(t, err)

	counts, err := e.storage.CountClients(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ClientCounts{Total: 1}, counts, "orphaned records dropped")
}

func TestCleaner_KeepsClientsWithinRetention(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	c := upsertClient(t, e, "todos", nil)
	markSynced(t, e, c.ID, t0)

	e.clock.Advance(30 * time.Minute)

	assert.Zero(t, e.cleaner.Cycle(ctx))

	_, err := e.storage.ReadClient(ctx, c.ID)
	assert.NoError(t, err)
}

func TestCleaner_NeverSyncedButStoppedClientIsRemoved(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	c := upsertClient(t, e, "todos", nil)
	stopped := true
	require.NoError(t, e.storage.UpdateClient(ctx, c.ID, storage.ClientUpdate{Stopped: &stopped}))

	e.clock.Advance(2 * time.Hour)

	assert.Equal(t, 1, e.cleaner.Cycle(ctx))
}

func TestCleaner_SkipsWhenLockHeldElsewhere(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	c := upsertClient(t, e, "todos", nil)
	markSynced(t, e, c.ID, t0)

	e.clock.Advance(2 * time.Hour)

	token, err := e.locker.Acquire(ctx, DefaultCleanerLockName, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.Zero(t, e.cleaner.Cycle(ctx))

	require.NoError(t, e.locker.Release(ctx, DefaultCleanerLockName, token))
	assert.Equal(t, 1, e.cleaner.Cycle(ctx))
}
