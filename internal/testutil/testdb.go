// Package testutil holds shared test fixtures.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"rosfleet.sh/internal/database"
	"rosfleet.sh/internal/migrations"
)

// NewDB creates a migrated SQLite database in a per-test temporary
// directory. Cleanup is registered on the test.
func NewDB(t *testing.T) *database.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(database.DefaultConfig("file:" + dbPath))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, _, err = migrations.MigrateUp(db.DB)
	require.NoError(t, err)
	return db
}
