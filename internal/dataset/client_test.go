package dataset

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0)

func testClient() *Client {
	return &Client{
		ID:        "todos-x",
		DatasetID: "todos",
		Config: Config{
			SyncFrequency:       10 * time.Second,
			ClientSyncTimeout:   15 * time.Second,
			BackendListTimeout:  5 * time.Second,
			MaxScheduleWaitTime: 30 * time.Second,
		},
		LastAccessed: t0,
	}
}

func TestClientID_Pure(t *testing.T) {
	t.Parallel()

	a, err := ClientID("todos", map[string]any{"user": "u1", "done": false}, map[string]any{"dev": "d"})
	require.NoError(t, err)

	b, err := ClientID("todos", map[string]any{"done": false, "user": "u1"}, map[string]any{"dev": "d"})
	require.NoError(t, err)

	c, err := ClientID("todos", map[string]any{"user": "u2"}, map[string]any{"dev": "d"})
	require.NoError(t, err)

	assert.Equal(t, a, b, "identical inputs resolve to one client")
	assert.NotEqual(t, a, c, "different queryParams give a different client")
	assert.True(t, strings.HasPrefix(a, "todos-"))
}

func TestClientID_MetaDataAndNilMaps(t *testing.T) {
	t.Parallel()

	withMeta, err := ClientID("todos", nil, map[string]any{"k": 1})
	require.NoError(t, err)

	nilMaps, err := ClientID("todos", nil, nil)
	require.NoError(t, err)

	emptyMaps, err := ClientID("todos", map[string]any{}, map[string]any{})
	require.NoError(t, err)

	assert.NotEqual(t, withMeta, nilMaps)
	assert.Equal(t, nilMaps, emptyMaps)

	_, err = ClientID("", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidDatasetID)
}

func TestShouldSync(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *Client)
		now    time.Time
		want   bool
	}{
		{"never synced", func(*Client) {}, t0, true},
		{"stopped", func(c *Client) { c.Stopped = true }, t0, false},
		{
			"recently scheduled, not yet run",
			func(c *Client) { c.SyncScheduled = t0 },
			t0.Add(29 * time.Second), false,
		},
		{
			"schedule window elapsed without a loop",
			func(c *Client) { c.SyncScheduled = t0 },
			t0.Add(30 * time.Second), true,
		},
		{
			"loop ended too recently",
			func(c *Client) {
				c.SyncLoopStart = t0
				c.SyncLoopEnd = t0.Add(time.Second)
			},
			t0.Add(5 * time.Second), false,
		},
		{
			"sync frequency elapsed",
			func(c *Client) {
				c.SyncLoopStart = t0
				c.SyncLoopEnd = t0.Add(time.Second)
			},
			t0.Add(11 * time.Second), true,
		},
		{
			"scheduled and completed, frequency elapsed",
			func(c *Client) {
				c.SyncScheduled = t0
				c.SyncLoopStart = t0.Add(time.Second)
				c.SyncLoopEnd = t0.Add(2 * time.Second)
			},
			t0.Add(12 * time.Second), true,
		},
		{
			"older loop does not clear a newer schedule",
			func(c *Client) {
				c.SyncLoopStart = t0
				c.SyncLoopEnd = t0.Add(time.Second)
				c.SyncScheduled = t0.Add(20 * time.Second)
			},
			t0.Add(25 * time.Second), false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := testClient()
			tt.mutate(c)
			assert.Equal(t, tt.want, c.ShouldSync(tt.now))
		})
	}
}

func TestShouldDeactivateSync(t *testing.T) {
	t.Parallel()

	c := testClient()
	assert.False(t, c.ShouldDeactivateSync(t0.Add(time.Hour)), "no completed loop yet")

	c.SyncLoopStart = t0
	c.SyncLoopEnd = t0
	assert.False(t, c.ShouldDeactivateSync(t0.Add(14*time.Second)))
	assert.True(t, c.ShouldDeactivateSync(t0.Add(15*time.Second)))
}

func TestShouldBeRemoved(t *testing.T) {
	t.Parallel()

	c := testClient()

	assert.False(t, c.ShouldBeRemoved(t0.Add(15*time.Second+time.Hour), time.Hour))
	assert.True(t, c.ShouldBeRemoved(t0.Add(15*time.Second+time.Hour+time.Nanosecond), time.Hour))
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	c, err := NewClient("todos", map[string]any{"a": "b"}, nil, DefaultConfig(), t0)
	require.NoError(t, err)

	id, err := ClientID("todos", map[string]any{"a": "b"}, nil)
	require.NoError(t, err)

	assert.Equal(t, id, c.ID)
	assert.True(t, c.LastAccessed.Equal(t0))
	assert.True(t, c.ShouldSync(t0))
}
