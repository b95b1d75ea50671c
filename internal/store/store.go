// Package store opens the shared SQLite database that every syncd process
// coordinates through. Locks, queues, dataset clients, records and updates
// all live in this one file; no in-memory state is authoritative.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultBusyTimeout is how long a connection waits on a locked database
// before returning SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

// Options tunes how the database is opened.
type Options struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DSN builds the connection string for path. Pragmas go in the DSN so they
// apply to every pooled connection, and transactions start IMMEDIATE so a
// read-then-write inside one transaction cannot be interleaved by another
// process.
func DSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}

	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(%d)&_pragma=journal_size_limit(67108864)"+
			"&_txlock=immediate",
		path, busyTimeout.Milliseconds(),
	)
}

// Open opens (creating if needed) the database at path, verifies
// connectivity, and applies pending migrations. A failure here is fatal for
// the caller: the process must not run against an unknown schema.
func Open(ctx context.Context, path string, opts Options, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(path, opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", path, err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connecting to %s: %w", path, err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store opened", slog.String("db_path", path))

	return db, nil
}

// runMigrations applies all pending schema migrations to the database.
// Uses the goose v3 Provider API (no global state, context-aware). Every
// statement is IF NOT EXISTS so two processes racing at startup both succeed.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Nanos converts t to the INTEGER representation used by every table. The
// zero time maps to SQL NULL.
func Nanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// Time converts a nullable INTEGER column back to time.Time.
func Time(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}

	return time.Unix(0, v.Int64)
}
