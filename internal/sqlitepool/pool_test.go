package sqlitepool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func openTest(t *testing.T) *Pool {
	t.Helper()
	pool, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db"), PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestPool_PragmasApplied(t *testing.T) {
	pool := openTest(t)
	ctx := context.Background()

	conn, err := pool.Take(ctx)
	require.NoError(t, err)
	defer pool.Put(conn)

	var mode string
	err = sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			mode = stmt.ColumnText(0)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)
}

func TestPool_MigrateAndPing(t *testing.T) {
	pool := openTest(t)
	ctx := context.Background()

	script := `CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT NOT NULL);`
	require.NoError(t, pool.Migrate(ctx, script))
	require.NoError(t, pool.Migrate(ctx, script))
	require.NoError(t, pool.Ping(ctx))

	conn, err := pool.Take(ctx)
	require.NoError(t, err)
	defer pool.Put(conn)

	require.NoError(t, sqlitex.Execute(conn, "INSERT INTO kv (k, v) VALUES (?, ?)", &sqlitex.ExecOptions{Args: []any{"a", "1"}}))
	var got string
	require.NoError(t, sqlitex.Execute(conn, "SELECT v FROM kv WHERE k = ?", &sqlitex.ExecOptions{
		Args: []any{"a"},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			got = stmt.ColumnText(0)
			return nil
		},
	}))
	assert.Equal(t, "1", got)
}

func TestPool_OnConnect(t *testing.T) {
	calls := 0
	pool, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "hook.db"),
		PoolSize: 1,
		OnConnect: func(conn *sqlite.Conn) error {
			calls++
			return nil
		},
	})
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, pool.Ping(context.Background()))
	require.NoError(t, pool.Ping(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestPool_PutNil(t *testing.T) {
	pool := openTest(t)
	assert.NotPanics(t, func() { pool.Put(nil) })
}
