package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openTestSQLite returns a migrated sqlite store in a temp dir.
func openTestSQLite(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(context.Background(), "sqlite", "file:"+path+"?_pragma=foreign_keys(on)")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestMigrate_CreatesTablesAndIsIdempotent(t *testing.T) {
	db := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx))

	for _, table := range []string{"sessions", "calls", "provider_events", "audit_events"} {
		var n int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		require.NoError(t, err)
		require.Equal(t, 1, n, "table %s", table)
	}

	var applied int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	require.Equal(t, 2, applied)
}

func TestRebind(t *testing.T) {
	pg := Wrap(nil, DialectPostgres)
	require.Equal(t, "SELECT $1, $2", pg.Rebind("SELECT $1, $2"))

	lite := Wrap(nil, DialectSQLite)
	require.Equal(t, "SELECT ?1, ?12", lite.Rebind("SELECT $1, $12"))
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	require.Error(t, err)
}
