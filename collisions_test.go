package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/syncd/internal/dataset"
)

func TestCollisions_RecordedByDocumentHandlerListAndRemove(t *testing.T) {
	r := resolvedWithLevel(t, "info")
	ctx := context.Background()

	s, err := openSession(ctx, r, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.registry.Handler("todos").HandleCollision(ctx, "todos", nil, dataset.Collision{
		UID:       "u1",
		Hash:      "server-hash",
		Pre:       dataset.Record{"title": "a"},
		Post:      dataset.Record{"title": "b"},
		Timestamp: time.Now().UnixMilli(),
	}))

	cols, err := s.engine.ListCollisions(ctx, "todos", nil)
	require.NoError(t, err)
	require.Len(t, cols, 1)

	var buf bytes.Buffer
	require.NoError(t, printCollisions(&buf, cols))
	assert.Contains(t, buf.String(), "HASH")
	assert.Contains(t, buf.String(), "server-hash")

	for hash := range cols {
		require.NoError(t, s.engine.RemoveCollision(ctx, "todos", hash, nil))
	}

	cols, err = s.engine.ListCollisions(ctx, "todos", nil)
	require.NoError(t, err)
	assert.Empty(t, cols)
}

func TestPrintCollisions(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printCollisions(&buf, nil))
	assert.Equal(t, "No collisions\n", buf.String())

	now := time.Now()
	buf.Reset()
	require.NoError(t, printCollisions(&buf, map[string]dataset.Collision{
		"k2": {UID: "u2", Timestamp: now.UnixMilli()},
		"k1": {UID: "u1", Hash: "h1", Timestamp: now.Add(-time.Minute).UnixMilli()},
	}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"k1", "u1", "h1"}, strings.Fields(string(lines[1]))[:3], "oldest first")
	assert.Equal(t, []string{"k2", "u2", "(deleted)"}, strings.Fields(string(lines[2]))[:3])
}
