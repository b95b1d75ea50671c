package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/syncd/testutil"
)

// manualClock is a settable clock shared by several Lockers.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLocker(t *testing.T) (*Locker, *manualClock) {
	t.Helper()

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	l := New(testutil.NewDB(t), testutil.Logger(t))
	l.SetNowFunc(clock.Now)

	return l, clock
}

func TestAcquire_FreshLock(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(t)

	token, err := l.Acquire(context.Background(), "sync:scheduler", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestAcquire_HeldReturnsEmpty(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(t)
	ctx := context.Background()

	first, err := l.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := l.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestAcquire_RejectsNonPositiveTTL(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(t)

	_, err := l.Acquire(context.Background(), "a", 0)
	assert.Error(t, err)
}

func TestRelease_ThenAcquireSucceedsImmediately(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, "a", token))

	again, err := l.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, again)
	assert.NotEqual(t, token, again)
}

func TestRelease_WrongTokenFails(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)

	err = l.Release(ctx, "a", "not-the-owner")
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestRelease_MissingLockFails(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(t)

	err := l.Release(context.Background(), "never", "x")
	assert.True(t, errors.Is(err, ErrNotHeld))
}

func TestExpiredLease_ExactlyOneTakeover(t *testing.T) {
	t.Parallel()

	l, clock := newTestLocker(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "a", time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, stale)

	clock.Advance(2 * time.Second)

	winner, err := l.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, winner)

	loser, err := l.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, loser)

	// The original holder's lease was stolen.
	assert.ErrorIs(t, l.Release(ctx, "a", stale), ErrNotHeld)
	assert.NoError(t, l.Release(ctx, "a", winner))
}

func TestAcquire_ConcurrentInstances(t *testing.T) {
	t.Parallel()

	path := testutil.DBPath(t)
	const instances = 8

	lockers := make([]*Locker, instances)
	for i := range lockers {
		lockers[i] = New(testutil.OpenDB(t, path), testutil.Logger(t))
	}

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)

	for _, l := range lockers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			token, err := l.Acquire(context.Background(), "contended", time.Minute)
			assert.NoError(t, err)

			if token != "" {
				winners.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestDo(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(t)
	ctx := context.Background()

	calls := 0
	ran, err := l.Do(ctx, "job", time.Minute, func(context.Context) error {
		calls++

		// Nested attempt sees the lock held.
		token, err := l.Acquire(ctx, "job", time.Minute)
		assert.NoError(t, err)
		assert.Empty(t, token)

		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, calls)

	holder, err := l.Holder(ctx, "job")
	require.NoError(t, err)
	assert.Nil(t, holder, "lock released after Do")
}

func TestDo_SkipsWhenHeld(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)

	ran, err := l.Do(ctx, "job", time.Minute, func(context.Context) error {
		t.Fatal("fn must not run while the lock is held")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestDo_PropagatesError(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(t)
	boom := errors.New("boom")

	ran, err := l.Do(context.Background(), "job", time.Minute, func(context.Context) error {
		return boom
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

func TestAcquireWait_ContextDone(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(t)

	_, err := l.Acquire(context.Background(), "a", time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = l.AcquireWait(ctx, "a", time.Minute, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireWait_AfterExpiry(t *testing.T) {
	t.Parallel()

	l, clock := newTestLocker(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "a", time.Second)
	require.NoError(t, err)

	clock.Advance(time.Second)

	token, err := l.AcquireWait(ctx, "a", time.Minute, time.Millisecond)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestHolder(t *testing.T) {
	t.Parallel()

	l, clock := newTestLocker(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)

	info, err := l.Holder(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, token, info.Code)
	assert.True(t, info.Expires.Equal(clock.Now().Add(time.Minute)))
}
