package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/syncd/internal/storage"
)

func TestAckProcessor_RemovesUpdate(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	for _, h := range []string{"h1", "h2"} {
		require.NoError(t, e.storage.SaveUpdate(ctx, storage.Update{
			DatasetID: "todos", CUID: "c1", Type: storage.UpdateApplied, Action: "update", Hash: h, UID: "u1",
		}))
	}

	require.NoError(t, e.ack.Process(ctx, message(t, Acknowledgement{DatasetID: "todos", CUID: "c1", Hash: "h1"}, 1)))

	updates, err := e.storage.ListUpdates(ctx, "todos", "c1")
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "h2", updates[0].Hash)
}

func TestAckProcessor_MissingUpdateIsNotAnError(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()
	ack := message(t, Acknowledgement{DatasetID: "todos", CUID: "c1", Hash: "nope"}, 1)

	assert.NoError(t, e.ack.Process(ctx, ack))
	assert.NoError(t, e.ack.Process(ctx, ack), "duplicate delivery")
}

func TestAckProcessor_OtherClientsUntouched(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.storage.SaveUpdate(ctx, storage.Update{
		DatasetID: "todos", CUID: "c2", Type: storage.UpdateFailed, Action: "create", Hash: "h1",
	}))

	require.NoError(t, e.ack.Process(ctx, message(t, Acknowledgement{DatasetID: "todos", CUID: "c1", Hash: "h1"}, 1)))

	n, err := e.storage.CountUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAckProcessor_MalformedPayloadIsDropped(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	assert.NoError(t, e.ack.Process(context.Background(), message(t, 42, 1)))
}
