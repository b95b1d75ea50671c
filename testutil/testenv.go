// Package testutil provides shared helpers for package tests: a throwaway
// shared store per test and a logger that stays quiet unless asked.
package testutil

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tonimelisma/syncd/internal/store"
)

// EnvVerbose turns on debug logging in tests when set to any value.
const EnvVerbose = "SYNCD_TEST_VERBOSE"

// Logger returns a logger for tests. Output is discarded unless
// SYNCD_TEST_VERBOSE is set, in which case debug output goes to stderr.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()

	if os.Getenv(EnvVerbose) == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// DBPath returns a fresh database path inside t.TempDir().
func DBPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "syncd.db")
}

// NewDB opens a migrated store at a fresh temp path and closes it when the
// test finishes.
func NewDB(t *testing.T) *sql.DB {
	t.Helper()

	return OpenDB(t, DBPath(t))
}

// OpenDB opens a migrated store at path. Several handles on the same path
// simulate several syncd processes sharing one store.
func OpenDB(t *testing.T, path string) *sql.DB {
	t.Helper()

	db, err := store.Open(context.Background(), path, store.Options{}, Logger(t))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}
