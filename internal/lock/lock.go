// Package lock implements named, leased mutual exclusion on top of the shared
// store. Every cross-process "only one of us does this now" decision in
// syncd goes through a Locker.
//
// A lock row is {name, code, expires}. Acquire claims the row when it does
// not exist or has expired; Release deletes it only when the caller's code
// still owns it. Leases expire on their own, so a crashed holder never
// blocks the cluster for longer than its TTL.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrNotHeld is returned by Release when the lock no longer exists under the
// given token: it expired and was taken over, or was never held.
var ErrNotHeld = errors.New("lock: not held by token")

// DefaultPollInterval is how often AcquireWait retries a contended lock.
const DefaultPollInterval = 100 * time.Millisecond

// Locker acquires and releases named locks in the locks table.
type Locker struct {
	db     *sql.DB
	logger *slog.Logger

	// nowFunc returns the current time. Defaults to time.Now; tests
	// override it to drive expiry deterministically.
	nowFunc func() time.Time
}

// Info describes the current holder of a lock.
type Info struct {
	Name    string
	Code    string
	Expires time.Time
}

// New returns a Locker over db.
func New(db *sql.DB, logger *slog.Logger) *Locker {
	return &Locker{db: db, logger: logger, nowFunc: time.Now}
}

// SetNowFunc overrides the clock. Test use only.
func (l *Locker) SetNowFunc(fn func() time.Time) {
	l.nowFunc = fn
}

// Acquire tries once to take the lock name for ttl. It returns the owner
// token on success and ("", nil) when another holder's lease is still valid.
// Contention is a normal outcome, not an error.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("lock: acquire %s: ttl must be positive, got %s", name, ttl)
	}

	now := l.nowFunc()
	code := uuid.NewString()

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO locks (name, code, expires) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET code = excluded.code, expires = excluded.expires
			WHERE locks.expires <= ?`,
		name, code, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return "", fmt.Errorf("lock: acquire %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("lock: acquire %s: rows affected: %w", name, err)
	}

	if n == 0 {
		return "", nil
	}

	l.logger.Debug("lock acquired",
		slog.String("lock", name),
		slog.Duration("ttl", ttl),
	)

	return code, nil
}

// Release deletes the lock if and only if token still owns it. An expired
// lease that nobody has taken over is still deleted; a lease taken over by
// someone else yields ErrNotHeld.
func (l *Locker) Release(ctx context.Context, name, token string) error {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM locks WHERE name = ? AND code = ?`, name, token)
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lock: release %s: rows affected: %w", name, err)
	}

	if n == 0 {
		return fmt.Errorf("lock: release %s: %w", name, ErrNotHeld)
	}

	l.logger.Debug("lock released", slog.String("lock", name))

	return nil
}

// AcquireWait polls Acquire every poll interval until the lock is taken or
// ctx is done.
func (l *Locker) AcquireWait(ctx context.Context, name string, ttl, poll time.Duration) (string, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	for {
		token, err := l.Acquire(ctx, name, ttl)
		if err != nil {
			return "", err
		}

		if token != "" {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("lock: waiting for %s: %w", name, ctx.Err())
		case <-time.After(poll):
		}
	}
}

// Do runs fn while holding the lock name. It reports ran=false without
// calling fn when the lock is held elsewhere. The lock is released after fn
// returns; a release failure is joined with fn's error.
func (l *Locker) Do(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	token, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return false, err
	}

	if token == "" {
		return false, nil
	}

	fnErr := fn(ctx)

	// Release with a fresh context so a canceled caller still frees the lease.
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if relErr := l.Release(relCtx, name, token); relErr != nil {
		return true, errors.Join(fnErr, relErr)
	}

	return true, fnErr
}

// Holder returns the current row for name, or nil when nobody holds it.
// An expired row is returned as-is; callers compare Expires themselves.
func (l *Locker) Holder(ctx context.Context, name string) (*Info, error) {
	var (
		info    Info
		expires int64
	)

	err := l.db.QueryRowContext(ctx,
		`SELECT name, code, expires FROM locks WHERE name = ?`, name,
	).Scan(&info.Name, &info.Code, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("lock: reading holder of %s: %w", name, err)
	}

	info.Expires = time.Unix(0, expires)

	return &info, nil
}
