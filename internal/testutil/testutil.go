// Package testutil provides shared test infrastructure for tests that need a
// migrated collector database.
//
// Usage:
//
//	db := testutil.NewTestDB(t, storage.MemoryPath)
//	n, err := db.InsertBatch(ctx, batch)
package testutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warpmetrics/warp-go/internal/storage"
	"github.com/warpmetrics/warp-go/migrations"
)

// NewTestDB opens a database at path with all migrations applied and closes
// it when the test ends. An empty path uses a fresh file in t.TempDir().
func NewTestDB(t testing.TB, path string) *storage.DB {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "warpd.db")
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, path, TestLogger())
	require.NoError(t, err, "testutil: open DB")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.RunMigrations(ctx, migrations.FS), "testutil: run migrations")
	return db
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
