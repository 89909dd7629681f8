package ratelimit

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/sqlitepool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rate_limit_buckets (
	agent_id    TEXT NOT NULL,
	bucket_type TEXT NOT NULL,
	tokens      REAL NOT NULL,
	last_refill INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (agent_id, bucket_type)
);
`

// SQLiteStore persists snapshots in a rate_limit_buckets table.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// NewSQLiteStore creates the table if needed.
func NewSQLiteStore(ctx context.Context, pool *sqlitepool.Pool) (*SQLiteStore, error) {
	if err := pool.Migrate(ctx, sqliteSchema); err != nil {
		return nil, err
	}
	return &SQLiteStore{pool: pool}, nil
}

// Load returns every stored snapshot.
func (s *SQLiteStore) Load(ctx context.Context) ([]Snapshot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []Snapshot
	err = sqlitex.Execute(conn,
		`SELECT agent_id, bucket_type, tokens, last_refill FROM rate_limit_buckets`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, Snapshot{
					AgentID:    stmt.ColumnText(0),
					Type:       BucketType(stmt.ColumnText(1)),
					Tokens:     stmt.ColumnFloat(2),
					LastRefill: time.UnixMicro(stmt.ColumnInt64(3)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("querying rate_limit_buckets: %w", err)
	}
	return out, nil
}

// Save upserts snaps in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snaps []Snapshot) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	now := time.Now().UnixMicro()
	for _, snap := range snaps {
		err = sqlitex.Execute(conn,
			`INSERT INTO rate_limit_buckets (agent_id, bucket_type, tokens, last_refill, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (agent_id, bucket_type) DO UPDATE SET
			   tokens = excluded.tokens,
			   last_refill = excluded.last_refill,
			   updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{
				Args: []any{snap.AgentID, string(snap.Type), snap.Tokens, snap.LastRefill.UnixMicro(), now},
			})
		if err != nil {
			return fmt.Errorf("upserting bucket %s/%s: %w", snap.AgentID, snap.Type, err)
		}
	}
	return nil
}
