// Package queue implements DurableQueue: a FIFO-ish message queue stored in
// a per-queue table of the shared store, with visibility windows,
// acknowledgement, redelivery and pruning of acknowledged messages.
//
// Delivery is at-least-once. A message claimed by Get but never acked
// becomes claimable again once its visibility window passes, with tries
// incremented. Consumers must tolerate duplicates.
//
// Row lifecycle:
//
//	Add → (visible <= now) → Get → (visible = now + window) → Ack → deleted → Prune
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/syncd/internal/lock"
)

// Default queue tuning.
const (
	DefaultVisibility = 30 * time.Second
	DefaultMessageTTL = 24 * time.Hour

	createLockTTL  = 30 * time.Second
	createLockPoll = 50 * time.Millisecond
)

var (
	// ErrInvalidName is returned for queue names or search fields that are
	// not plain identifiers.
	ErrInvalidName = errors.New("queue: invalid name")

	// ErrAckNotFound is returned by Ack when the token does not match a live
	// claim: it was already acked, or its visibility window passed.
	ErrAckNotFound = errors.New("queue: ack token not found")
)

var (
	nameRe  = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	fieldRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Config tunes a queue.
type Config struct {
	// Visibility is how long a claimed message stays hidden from other
	// consumers.
	Visibility time.Duration
	// MessageTTL is how long an acked message is kept before Prune removes it.
	MessageTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Visibility <= 0 {
		c.Visibility = DefaultVisibility
	}

	if c.MessageTTL <= 0 {
		c.MessageTTL = DefaultMessageTTL
	}

	return c
}

// Message is one claimed queue entry.
type Message struct {
	ID      int64
	Ack     string
	Payload json.RawMessage
	Tries   int
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("queue: decoding message %d: %w", m.ID, err)
	}

	return nil
}

// Queue is a named DurableQueue backed by table queue_<name>.
type Queue struct {
	db     *sql.DB
	locker *lock.Locker
	name   string
	table  string
	cfg    Config
	logger *slog.Logger

	nowFunc func() time.Time
}

// New returns a handle on the queue name. Call Create before first use.
func New(db *sql.DB, locker *lock.Locker, name string, cfg Config, logger *slog.Logger) (*Queue, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("queue: %q: %w", name, ErrInvalidName)
	}

	return &Queue{
		db:      db,
		locker:  locker,
		name:    name,
		table:   "queue_" + name,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("queue", name)),
		nowFunc: time.Now,
	}, nil
}

// SetNowFunc overrides the clock. Test use only.
func (q *Queue) SetNowFunc(fn func() time.Time) {
	q.nowFunc = fn
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Visibility returns the default visibility window.
func (q *Queue) Visibility() time.Duration {
	return q.cfg.Visibility
}

// Create provisions the queue table and indexes. It is idempotent and
// serialized across processes by the lock queue:create:<name>.
func (q *Queue) Create(ctx context.Context) error {
	lockName := "queue:create:" + q.name

	token, err := q.locker.AcquireWait(ctx, lockName, createLockTTL, createLockPoll)
	if err != nil {
		return fmt.Errorf("queue: create %s: %w", q.name, err)
	}

	defer func() {
		if relErr := q.locker.Release(context.WithoutCancel(ctx), lockName, token); relErr != nil {
			q.logger.Warn("queue create lock release failed", slog.String("error", relErr.Error()))
		}
	}()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + q.table + ` (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			ack     TEXT,
			payload TEXT    NOT NULL,
			tries   INTEGER NOT NULL DEFAULT 0,
			visible INTEGER NOT NULL,
			created INTEGER NOT NULL,
			deleted INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + q.table + `_claim ON ` + q.table + ` (deleted, visible, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_` + q.table + `_ack ON ` + q.table + ` (ack)`,
	}

	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("queue: create %s: %w", q.name, err)
		}
	}

	q.logger.Debug("queue ready")

	return nil
}

// Add enqueues one payload and returns its id.
func (q *Queue) Add(ctx context.Context, payload any) (int64, error) {
	ids, err := q.AddMany(ctx, []any{payload})
	if err != nil {
		return 0, err
	}

	return ids[0], nil
}

// AddMany enqueues all payloads in one transaction. Empty input is a no-op.
func (q *Queue) AddMany(ctx context.Context, payloads []any) ([]int64, error) {
	if len(payloads) == 0 {
		return nil, nil
	}

	encoded := make([][]byte, len(payloads))

	for i, p := range payloads {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("queue: %s: encoding payload %d: %w", q.name, i, err)
		}

		encoded[i] = b
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: %s: begin add: %w", q.name, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO `+q.table+` (payload, tries, visible, created) VALUES (?, 0, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("queue: %s: prepare add: %w", q.name, err)
	}
	defer stmt.Close()

	now := q.nowFunc().UnixNano()
	ids := make([]int64, len(encoded))

	for i, b := range encoded {
		res, err := stmt.ExecContext(ctx, string(b), now, now)
		if err != nil {
			return nil, fmt.Errorf("queue: %s: add: %w", q.name, err)
		}

		if ids[i], err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("queue: %s: add id: %w", q.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: %s: commit add: %w", q.name, err)
	}

	return ids, nil
}

// Get claims the oldest visible message using the queue's visibility
// window. It returns (nil, nil) when nothing is claimable.
func (q *Queue) Get(ctx context.Context) (*Message, error) {
	return q.GetWithVisibility(ctx, q.cfg.Visibility)
}

// GetWithVisibility is Get with an explicit visibility window.
func (q *Queue) GetWithVisibility(ctx context.Context, visibility time.Duration) (*Message, error) {
	if visibility <= 0 {
		visibility = q.cfg.Visibility
	}

	now := q.nowFunc()

	var (
		msg     Message
		payload string
	)

	err := q.db.QueryRowContext(ctx,
		`UPDATE `+q.table+` SET ack = ?, visible = ?, tries = tries + 1
			WHERE id = (
				SELECT id FROM `+q.table+`
				WHERE deleted IS NULL AND visible <= ?
				ORDER BY id LIMIT 1
			)
			RETURNING id, ack, payload, tries`,
		uuid.NewString(), now.Add(visibility).UnixNano(), now.UnixNano(),
	).Scan(&msg.ID, &msg.Ack, &payload, &msg.Tries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("queue: %s: get: %w", q.name, err)
	}

	msg.Payload = json.RawMessage(payload)

	return &msg, nil
}

// Ack marks the claimed message deleted so it is never returned again.
func (q *Queue) Ack(ctx context.Context, ack string) error {
	now := q.nowFunc().UnixNano()

	res, err := q.db.ExecContext(ctx,
		`UPDATE `+q.table+` SET deleted = ?
			WHERE ack = ? AND deleted IS NULL AND visible > ?`,
		now, ack, now)
	if err != nil {
		return fmt.Errorf("queue: %s: ack: %w", q.name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: %s: ack rows affected: %w", q.name, err)
	}

	if n == 0 {
		return fmt.Errorf("queue: %s: %w", q.name, ErrAckNotFound)
	}

	return nil
}

// Search returns the payloads of all non-deleted messages whose top-level
// payload fields equal the given values, oldest first.
func (q *Queue) Search(ctx context.Context, fields map[string]any) ([]json.RawMessage, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !fieldRe.MatchString(k) {
			return nil, fmt.Errorf("queue: %s: search field %q: %w", q.name, k, ErrInvalidName)
		}

		keys = append(keys, k)
	}

	sort.Strings(keys)

	var (
		where strings.Builder
		args  = make([]any, 0, len(keys))
	)

	where.WriteString("deleted IS NULL")

	for _, k := range keys {
		where.WriteString(" AND json_extract(payload, '$." + k + "') = ?")
		args = append(args, fields[k])
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT payload FROM `+q.table+` WHERE `+where.String()+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: %s: search: %w", q.name, err)
	}
	defer rows.Close()

	var out []json.RawMessage

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("queue: %s: search scan: %w", q.name, err)
		}

		out = append(out, json.RawMessage(payload))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: %s: search rows: %w", q.name, err)
	}

	return out, nil
}

// Prune permanently removes messages acked more than MessageTTL ago and
// returns how many were removed.
func (q *Queue) Prune(ctx context.Context) (int64, error) {
	cutoff := q.nowFunc().Add(-q.cfg.MessageTTL).UnixNano()

	res, err := q.db.ExecContext(ctx,
		`DELETE FROM `+q.table+` WHERE deleted IS NOT NULL AND deleted < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: %s: prune: %w", q.name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: %s: prune rows affected: %w", q.name, err)
	}

	if n > 0 {
		q.logger.Debug("pruned acked messages", slog.Int64("count", n))
	}

	return n, nil
}

// Size returns the number of messages claimable right now.
func (q *Queue) Size(ctx context.Context) (int, error) {
	return q.count(ctx, "deleted IS NULL AND visible <= ?", q.nowFunc().UnixNano())
}

// InFlight returns the number of claimed messages still inside their
// visibility window.
func (q *Queue) InFlight(ctx context.Context) (int, error) {
	return q.count(ctx, "deleted IS NULL AND ack IS NOT NULL AND visible > ?", q.nowFunc().UnixNano())
}

// Done returns the number of acked messages not yet pruned.
func (q *Queue) Done(ctx context.Context) (int, error) {
	return q.count(ctx, "deleted IS NOT NULL")
}

// Total returns the number of rows in the queue table.
func (q *Queue) Total(ctx context.Context) (int, error) {
	return q.count(ctx, "1 = 1")
}

func (q *Queue) count(ctx context.Context, where string, args ...any) (int, error) {
	var n int

	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+q.table+` WHERE `+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: %s: count: %w", q.name, err)
	}

	return n, nil
}
