package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS capability_tokens (
	token       TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	capability  TEXT NOT NULL,
	granted_by  TEXT NOT NULL,
	granted_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ,
	revoked_at  TIMESTAMPTZ,
	constraints JSONB
);
CREATE INDEX IF NOT EXISTS capability_tokens_agent ON capability_tokens (agent_id);
`

// PostgresBackend stores tokens in Postgres through pgx's database/sql driver.
type PostgresBackend struct {
	db *sql.DB
}

// OpenPostgres connects with dsn and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	b := &PostgresBackend{db: db}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// NewPostgresBackend wraps an existing handle without migrating.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (b *PostgresBackend) migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrating capability_tokens: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Insert(ctx context.Context, t Token) error {
	constraints, err := encodeConstraints(t.Constraints)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO capability_tokens (`+tokenColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.Token, t.AgentID, t.Capability, t.GrantedBy, t.GrantedAt, t.ExpiresAt, t.RevokedAt, constraints)
	if err != nil {
		return fmt.Errorf("inserting capability token: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, token string) (Token, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM capability_tokens WHERE token = $1`, token)
	t, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("querying capability token: %w", err)
	}
	return t, nil
}

func (b *PostgresBackend) Revoke(ctx context.Context, token string, at time.Time) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE capability_tokens SET revoked_at = $1 WHERE token = $2 AND revoked_at IS NULL`, at, token)
	if err != nil {
		return false, fmt.Errorf("revoking capability token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *PostgresBackend) RevokeAll(ctx context.Context, agentID string, at time.Time) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`UPDATE capability_tokens SET revoked_at = $1 WHERE agent_id = $2 AND revoked_at IS NULL RETURNING token`,
		at, agentID)
	if err != nil {
		return nil, fmt.Errorf("revoking capability tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (b *PostgresBackend) ListActive(ctx context.Context, agentID string, now time.Time) ([]Token, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM capability_tokens
		 WHERE agent_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY granted_at`, agentID, now)
	if err != nil {
		return nil, fmt.Errorf("listing capability tokens: %w", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		t, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (Token, error) {
	var (
		t           Token
		expiresAt   sql.NullTime
		revokedAt   sql.NullTime
		constraints []byte
	)
	if err := s.Scan(&t.Token, &t.AgentID, &t.Capability, &t.GrantedBy, &t.GrantedAt, &expiresAt, &revokedAt, &constraints); err != nil {
		return Token{}, err
	}
	t.GrantedAt = t.GrantedAt.UTC()
	if expiresAt.Valid {
		exp := expiresAt.Time.UTC()
		t.ExpiresAt = &exp
	}
	if revokedAt.Valid {
		rev := revokedAt.Time.UTC()
		t.RevokedAt = &rev
	}
	if len(constraints) > 0 {
		if err := json.Unmarshal(constraints, &t.Constraints); err != nil {
			return Token{}, fmt.Errorf("decoding constraints: %w", err)
		}
	}
	return t, nil
}
