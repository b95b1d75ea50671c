package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/tonimelisma/syncd/internal/dataset"
	"github.com/tonimelisma/syncd/internal/queue"
	"github.com/tonimelisma/syncd/pkg/recordhash"
	"github.com/tonimelisma/syncd/testutil"
)

var t0 = time.Unix(1_700_000_000, 0)

// memHandler is an in-memory DataHandler that counts calls.
type memHandler struct {
	mu         stdsync.Mutex
	data       map[string]dataset.Record
	next       int
	calls      map[string]int
	collisions []dataset.Collision

	listHook     func(ctx context.Context) error
	failCreate   error
	failUpdate   error
	failRead     error
	failCollider error
}

func newMemHandler() *memHandler {
	return &memHandler{data: map[string]dataset.Record{}, calls: map[string]int{}}
}

func (h *memHandler) count(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.calls[op]
}

func (h *memHandler) get(uid string) dataset.Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.data[uid]
}

func (h *memHandler) put(uid string, rec dataset.Record) {
	h.mu.Lock()
	h.data[uid] = rec
	h.mu.Unlock()
}

func (h *memHandler) List(ctx context.Context, _ string, _, _ map[string]any) (map[string]dataset.Record, error) {
	h.mu.Lock()
	h.calls["list"]++
	hook := h.listHook
	h.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]dataset.Record, len(h.data))
	for k, v := range h.data {
		out[k] = v
	}

	return out, nil
}

func (h *memHandler) Create(_ context.Context, _ string, data dataset.Record, _ map[string]any) (dataset.Created, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls["create"]++

	if h.failCreate != nil {
		return dataset.Created{}, h.failCreate
	}

	h.next++
	uid := "srv-" + string(rune('0'+h.next))
	h.data[uid] = data

	return dataset.Created{UID: uid, Data: data}, nil
}

func (h *memHandler) Read(_ context.Context, _, uid string, _ map[string]any) (dataset.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls["read"]++

	if h.failRead != nil {
		return nil, h.failRead
	}

	return h.data[uid], nil
}

func (h *memHandler) Update(_ context.Context, _, uid string, data dataset.Record, _ map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls["update"]++

	if h.failUpdate != nil {
		return h.failUpdate
	}

	h.data[uid] = data

	return nil
}

func (h *memHandler) Delete(_ context.Context, _, uid string, _ map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls["delete"]++
	delete(h.data, uid)

	return nil
}

func (h *memHandler) HandleCollision(_ context.Context, _ string, _ map[string]any, c dataset.Collision) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls["collision"]++

	if h.failCollider != nil {
		return h.failCollider
	}

	h.collisions = append(h.collisions, c)

	return nil
}

// ListCollisions keys collisions by uid and backend hash.
func (h *memHandler) ListCollisions(context.Context, string, map[string]any) (map[string]dataset.Collision, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]dataset.Collision, len(h.collisions))
	for _, c := range h.collisions {
		out[c.UID+"@"+c.Hash] = c
	}

	return out, nil
}

func (h *memHandler) RemoveCollision(_ context.Context, _, hash string, _ map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.collisions[:0]
	for _, c := range h.collisions {
		if c.UID+"@"+c.Hash != hash {
			kept = append(kept, c)
		}
	}

	h.collisions = kept

	return nil
}

// testClock is shared by every component of a test engine.
type testClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEngine struct {
	*Engine
	handler *memHandler
	clock   *testClock
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	db := testutil.NewDB(t)
	logger := testutil.Logger(t)
	handler := newMemHandler()

	registry := dataset.NewRegistry(dataset.Config{
		SyncFrequency:       10 * time.Second,
		ClientSyncTimeout:   15 * time.Second,
		BackendListTimeout:  time.Second,
		MaxScheduleWaitTime: 30 * time.Second,
	}, handler)

	e, err := NewEngine(EngineConfig{
		DB:       db,
		Registry: registry,
		Logger:   logger,
		Meter:    noop.NewMeterProvider().Meter("test"),
		Queues:   QueueConfig{Visibility: 30 * time.Second, PendingVisibility: 30 * time.Second},
		Cleaner:  CleanerConfig{Retention: time.Hour},
	})
	require.NoError(t, err)

	clock := &testClock{now: t0}
	e.nowFunc = clock.Now
	e.storage.SetNowFunc(clock.Now)
	e.syncer.nowFunc = clock.Now
	e.scheduler.nowFunc = clock.Now
	e.cleaner.nowFunc = clock.Now
	e.locker.SetNowFunc(clock.Now)

	for _, q := range []*queue.Queue{e.ackQ, e.pendingQ, e.syncQ} {
		q.SetNowFunc(clock.Now)
	}

	require.NoError(t, e.Init(context.Background()))

	return &testEngine{Engine: e, handler: handler, clock: clock}
}

// message wraps a payload as a queue message claimed for the given try.
func message(t *testing.T, payload any, tries int) *queue.Message {
	t.Helper()

	b, err := json.Marshal(payload)
	require.NoError(t, err)

	return &queue.Message{ID: 1, Ack: "ack", Payload: b, Tries: tries}
}

func hashOf(t *testing.T, rec dataset.Record) string {
	t.Helper()

	h, err := recordhash.Record(rec)
	require.NoError(t, err)

	return h
}

// drain processes every claimable message on q with proc.
func drain(t *testing.T, q *queue.Queue, proc func(context.Context, *queue.Message) error) int {
	t.Helper()

	ctx := context.Background()
	n := 0

	for {
		msg, err := q.Get(ctx)
		require.NoError(t, err)

		if msg == nil {
			return n
		}

		require.NoError(t, proc(ctx, msg))
		require.NoError(t, q.Ack(ctx, msg.Ack))
		n++
	}
}
