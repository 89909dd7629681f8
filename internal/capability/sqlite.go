package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/sqlitepool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS capability_tokens (
	token       TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	capability  TEXT NOT NULL,
	granted_by  TEXT NOT NULL,
	granted_at  INTEGER NOT NULL,
	expires_at  INTEGER,
	revoked_at  INTEGER,
	constraints TEXT
);
CREATE INDEX IF NOT EXISTS capability_tokens_agent ON capability_tokens (agent_id);
`

const tokenColumns = `token, agent_id, capability, granted_by, granted_at, expires_at, revoked_at, constraints`

// SQLiteBackend stores tokens in a capability_tokens table. Times are unix
// microseconds; NULL means "never".
type SQLiteBackend struct {
	pool *sqlitepool.Pool
}

// NewSQLiteBackend creates the schema if needed.
func NewSQLiteBackend(ctx context.Context, pool *sqlitepool.Pool) (*SQLiteBackend, error) {
	if err := pool.Migrate(ctx, sqliteSchema); err != nil {
		return nil, err
	}
	return &SQLiteBackend{pool: pool}, nil
}

func (b *SQLiteBackend) Insert(ctx context.Context, t Token) (err error) {
	constraints, err := encodeConstraints(t.Constraints)
	if err != nil {
		return err
	}

	conn, err := b.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	return sqlitex.Execute(conn,
		`INSERT INTO capability_tokens (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			t.Token, t.AgentID, t.Capability, t.GrantedBy, t.GrantedAt.UnixMicro(),
			nullableMicros(t.ExpiresAt), nullableMicros(t.RevokedAt), constraints,
		}})
}

func (b *SQLiteBackend) Get(ctx context.Context, token string) (Token, error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return Token{}, err
	}
	defer b.pool.Put(conn)

	var (
		found  bool
		out    Token
		rowErr error
	)
	err = sqlitex.Execute(conn,
		`SELECT `+tokenColumns+` FROM capability_tokens WHERE token = ?`,
		&sqlitex.ExecOptions{
			Args: []any{token},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				out, rowErr = scanToken(stmt)
				return rowErr
			},
		})
	if err != nil {
		return Token{}, fmt.Errorf("querying capability token: %w", err)
	}
	if !found {
		return Token{}, ErrNotFound
	}
	return out, nil
}

func (b *SQLiteBackend) Revoke(ctx context.Context, token string, at time.Time) (revoked bool, err error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`UPDATE capability_tokens SET revoked_at = ? WHERE token = ? AND revoked_at IS NULL`,
		&sqlitex.ExecOptions{Args: []any{at.UnixMicro(), token}})
	if err != nil {
		return false, err
	}
	return conn.Changes() > 0, nil
}

func (b *SQLiteBackend) RevokeAll(ctx context.Context, agentID string, at time.Time) (tokens []string, err error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`UPDATE capability_tokens SET revoked_at = ? WHERE agent_id = ? AND revoked_at IS NULL RETURNING token`,
		&sqlitex.ExecOptions{
			Args: []any{at.UnixMicro(), agentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tokens = append(tokens, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (b *SQLiteBackend) ListActive(ctx context.Context, agentID string, now time.Time) ([]Token, error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer b.pool.Put(conn)

	var out []Token
	err = sqlitex.Execute(conn,
		`SELECT `+tokenColumns+` FROM capability_tokens
		 WHERE agent_id = ? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY granted_at`,
		&sqlitex.ExecOptions{
			Args: []any{agentID, now.UnixMicro()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				t, err := scanToken(stmt)
				if err != nil {
					return err
				}
				out = append(out, t)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing capability tokens: %w", err)
	}
	return out, nil
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Close is a no-op; the pool is owned by the caller.
func (b *SQLiteBackend) Close() error { return nil }

func scanToken(stmt *sqlite.Stmt) (Token, error) {
	t := Token{
		Token:      stmt.ColumnText(0),
		AgentID:    stmt.ColumnText(1),
		Capability: stmt.ColumnText(2),
		GrantedBy:  stmt.ColumnText(3),
		GrantedAt:  time.UnixMicro(stmt.ColumnInt64(4)).UTC(),
	}
	if !stmt.ColumnIsNull(5) {
		exp := time.UnixMicro(stmt.ColumnInt64(5)).UTC()
		t.ExpiresAt = &exp
	}
	if !stmt.ColumnIsNull(6) {
		rev := time.UnixMicro(stmt.ColumnInt64(6)).UTC()
		t.RevokedAt = &rev
	}
	if !stmt.ColumnIsNull(7) {
		if err := json.Unmarshal([]byte(stmt.ColumnText(7)), &t.Constraints); err != nil {
			return Token{}, fmt.Errorf("decoding constraints: %w", err)
		}
	}
	return t, nil
}

func nullableMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func encodeConstraints(c map[string]any) (any, error) {
	if len(c) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding constraints: %w", err)
	}
	return string(data), nil
}
