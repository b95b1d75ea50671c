package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/tonimelisma/syncd/internal/lock"
	"github.com/tonimelisma/syncd/internal/queue"
	"github.com/tonimelisma/syncd/testutil"
)

// fakeSource serves a fixed list of messages and records acks.
type fakeSource struct {
	mu     sync.Mutex
	msgs   []*queue.Message
	acked  []string
	getErr error
}

func (f *fakeSource) Name() string { return "test" }

func (f *fakeSource) Get(context.Context) (*queue.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getErr != nil {
		return nil, f.getErr
	}

	if len(f.msgs) == 0 {
		return nil, nil
	}

	m := f.msgs[0]
	f.msgs = f.msgs[1:]

	return m, nil
}

func (f *fakeSource) Ack(_ context.Context, ack string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acked = append(f.acked, ack)

	return nil
}

func (f *fakeSource) Size(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.msgs), nil
}

func newTestWorker(t *testing.T, src Source, proc Processor, b Backoff) *Worker {
	t.Helper()

	w, err := New(Config{
		Source:    src,
		Processor: proc,
		Interval:  10 * time.Millisecond,
		Backoff:   b,
		Logger:    testutil.Logger(t),
		Meter:     noop.NewMeterProvider().Meter("test"),
	})
	require.NoError(t, err)

	return w
}

func TestNew_RequiresSourceAndProcessor(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCycle_AcksOnSuccess(t *testing.T) {
	t.Parallel()

	src := &fakeSource{msgs: []*queue.Message{{ID: 1, Ack: "a1"}}}
	w := newTestWorker(t, src, func(context.Context, *queue.Message) error { return nil }, Backoff{})

	assert.Equal(t, OutcomeProcessed, w.Cycle(context.Background()))
	assert.Equal(t, []string{"a1"}, src.acked)
	assert.Equal(t, OutcomeEmpty, w.Cycle(context.Background()))
}

func TestCycle_NoAckOnError(t *testing.T) {
	t.Parallel()

	src := &fakeSource{msgs: []*queue.Message{{ID: 1, Ack: "a1"}}}
	w := newTestWorker(t, src, func(context.Context, *queue.Message) error {
		return errors.New("backend down")
	}, Backoff{})

	assert.Equal(t, OutcomeFailed, w.Cycle(context.Background()))
	assert.Empty(t, src.acked)

	_, failed := w.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestCycle_RecoversPanic(t *testing.T) {
	t.Parallel()

	src := &fakeSource{msgs: []*queue.Message{{ID: 1, Ack: "a1"}, {ID: 2, Ack: "a2"}}}
	w := newTestWorker(t, src, func(_ context.Context, m *queue.Message) error {
		if m.ID == 1 {
			panic("bad message")
		}

		return nil
	}, Backoff{})

	assert.Equal(t, OutcomeFailed, w.Cycle(context.Background()))
	assert.Equal(t, OutcomeProcessed, w.Cycle(context.Background()), "next message still processed")
	assert.Equal(t, []string{"a2"}, src.acked)
}

func TestCycle_GetError(t *testing.T) {
	t.Parallel()

	src := &fakeSource{getErr: errors.New("store unreachable")}
	w := newTestWorker(t, src, func(context.Context, *queue.Message) error { return nil }, Backoff{})

	assert.Equal(t, OutcomeFailed, w.Cycle(context.Background()))
}

func TestRun_BackoffResetsAfterSuccess(t *testing.T) {
	t.Parallel()

	// Sequence: empty, error, error, success, empty...
	src := &fakeSource{}
	step := 0

	var (
		ctx, cancel = context.WithCancel(context.Background())
		slept       []time.Duration
	)
	defer cancel()

	w := newTestWorker(t, src, func(context.Context, *queue.Message) error {
		if step < 3 {
			return errors.New("fail")
		}

		return nil
	}, Backoff{Strategy: StrategyExponential, Max: 40 * time.Millisecond})

	w.sleep = func(_ context.Context, d time.Duration) {
		slept = append(slept, d)
		step++

		switch step {
		case 1, 2, 3:
			src.mu.Lock()
			src.msgs = append(src.msgs, &queue.Message{ID: int64(step), Ack: "x"})
			src.mu.Unlock()
		case 6:
			cancel()
		}
	}

	require.NoError(t, w.Run(ctx))

	// empty, fail, fail climb to the cap; the processed message resets
	// and the following empty cycles climb again from the floor.
	require.GreaterOrEqual(t, len(slept), 5)
	assert.Equal(t, 10*time.Millisecond, slept[0])
	assert.Equal(t, 20*time.Millisecond, slept[1])
	assert.Equal(t, 40*time.Millisecond, slept[2])

	for _, d := range slept {
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}

	assert.Equal(t, 10*time.Millisecond, slept[3], "reset to floor after a processed message")
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	w := newTestWorker(t, src, func(context.Context, *queue.Message) error { return nil }, Backoff{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRun_DrainsRealQueue(t *testing.T) {
	t.Parallel()

	db := testutil.NewDB(t)
	logger := testutil.Logger(t)
	ctx := context.Background()

	q, err := queue.New(db, lock.New(db, logger), "jobs", queue.Config{}, logger)
	require.NoError(t, err)
	require.NoError(t, q.Create(ctx))

	_, err = q.AddMany(ctx, []any{map[string]int{"n": 1}, map[string]int{"n": 2}})
	require.NoError(t, err)

	var seen []int

	w := newTestWorker(t, q, func(_ context.Context, m *queue.Message) error {
		var p map[string]int
		if err := m.Decode(&p); err != nil {
			return err
		}

		seen = append(seen, p["n"])

		return nil
	}, Backoff{})

	assert.Equal(t, OutcomeProcessed, w.Cycle(ctx))
	assert.Equal(t, OutcomeProcessed, w.Cycle(ctx))
	assert.Equal(t, OutcomeEmpty, w.Cycle(ctx))
	assert.Equal(t, []int{1, 2}, seen)

	total, err := q.Done(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}
