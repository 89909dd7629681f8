package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/sqlitepool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id                TEXT PRIMARY KEY,
	ts                INTEGER NOT NULL,
	request_id        TEXT,
	agent_id          TEXT NOT NULL,
	session_id        TEXT,
	tool              TEXT NOT NULL,
	category          TEXT NOT NULL,
	entity            TEXT NOT NULL,
	operation         TEXT,
	decision          TEXT NOT NULL,
	rule_id           TEXT,
	reason            TEXT NOT NULL,
	code              TEXT,
	format            TEXT,
	transport         TEXT,
	approved          INTEGER NOT NULL DEFAULT 0,
	replayed          INTEGER NOT NULL DEFAULT 0,
	execution_time_ms REAL NOT NULL,
	args_digest       TEXT
);
CREATE INDEX IF NOT EXISTS audit_records_agent_ts ON audit_records (agent_id, ts);
`

const (
	defaultBufferSize    = 10_000
	defaultFlushInterval = 250 * time.Millisecond
	flushBatch           = 500
	drainTimeout         = 5 * time.Second
)

// SQLiteSinkConfig tunes the async writer.
type SQLiteSinkConfig struct {
	BufferSize    int
	FlushInterval time.Duration
	// OnDrop is called with the number of records dropped because the
	// buffer was full.
	OnDrop func(n int)
	// OnError is called when a batch insert fails.
	OnError func(error)
}

// SQLiteSink stores records in an audit_records table. Write never blocks:
// records are buffered and batch-inserted by a background goroutine, and
// dropped (and counted) when the buffer is full.
type SQLiteSink struct {
	pool    *sqlitepool.Pool
	cfg     SQLiteSinkConfig
	buffer  chan Record
	done    chan struct{}
	flushed chan struct{}
	dropped atomic.Int64
	logger  *slog.Logger

	closeOnce sync.Once
}

// NewSQLiteSink creates the table if needed and starts the flush loop.
func NewSQLiteSink(ctx context.Context, pool *sqlitepool.Pool, cfg SQLiteSinkConfig, logger *slog.Logger) (*SQLiteSink, error) {
	if err := pool.Migrate(ctx, sqliteSchema); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	s := &SQLiteSink{
		pool:    pool,
		cfg:     cfg,
		buffer:  make(chan Record, cfg.BufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go s.flushLoop()
	return s, nil
}

// Write queues rec for insertion. Non-blocking: drops rec if the buffer is full.
func (s *SQLiteSink) Write(_ context.Context, rec Record) {
	select {
	case s.buffer <- rec:
	default:
		s.dropped.Add(1)
		s.logger.Warn("audit buffer full, dropping record", "id", rec.ID, "agent", rec.AgentID)
		if s.cfg.OnDrop != nil {
			s.cfg.OnDrop(1)
		}
	}
}

// Dropped returns how many records were dropped so far.
func (s *SQLiteSink) Dropped() int64 { return s.dropped.Load() }

// Close drains buffered records and stops the flush loop. It does not
// close the pool.
func (s *SQLiteSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.flushed
	})
	return nil
}

func (s *SQLiteSink) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, flushBatch)
	for {
		select {
		case rec := <-s.buffer:
			batch = append(batch, rec)
			if len(batch) >= flushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
		drain:
			for {
				select {
				case rec := <-s.buffer:
					batch = append(batch, rec)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *SQLiteSink) flush(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.insert(ctx, batch); err != nil {
		s.logger.Error("audit batch insert failed", "records", len(batch), "error", err)
		if s.cfg.OnError != nil {
			s.cfg.OnError(err)
		}
	}
}

func (s *SQLiteSink) insert(ctx context.Context, batch []Record) (err error) {
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

	for _, r := range batch {
		err = sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO audit_records (
				id, ts, request_id, agent_id, session_id, tool, category, entity, operation,
				decision, rule_id, reason, code, format, transport, approved, replayed,
				execution_time_ms, args_digest
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					r.ID, r.Timestamp.UnixMicro(), r.RequestID, r.AgentID, r.SessionID,
					r.Tool, r.Category, r.Entity, r.Operation, r.Decision, r.RuleID,
					r.Reason, r.Code, r.Format, r.Transport, r.Approved, r.Replayed,
					r.ExecutionTimeMs, r.ArgsDigest,
				},
			})
		if err != nil {
			return fmt.Errorf("inserting audit record %s: %w", r.ID, err)
		}
	}
	return nil
}

// Query selects stored records, newest first.
type Query struct {
	AgentID  string // empty for every agent
	Decision string // empty for every decision
	Since    time.Time
	Limit    int // default 100
}

// Recent returns stored records matching q, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, q Query) ([]Record, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []Record
	err = sqlitex.Execute(conn,
		`SELECT id, ts, request_id, agent_id, session_id, tool, category, entity, operation,
		        decision, rule_id, reason, code, format, transport, approved, replayed,
		        execution_time_ms, args_digest
		   FROM audit_records
		  WHERE (?1 = '' OR agent_id = ?1)
		    AND (?2 = '' OR decision = ?2)
		    AND ts >= ?3
		  ORDER BY ts DESC, id DESC
		  LIMIT ?4`,
		&sqlitex.ExecOptions{
			Args: []any{q.AgentID, q.Decision, sinceMicros(q.Since), q.Limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, Record{
					ID:              stmt.ColumnText(0),
					Timestamp:       time.UnixMicro(stmt.ColumnInt64(1)).UTC(),
					RequestID:       stmt.ColumnText(2),
					AgentID:         stmt.ColumnText(3),
					SessionID:       stmt.ColumnText(4),
					Tool:            stmt.ColumnText(5),
					Category:        stmt.ColumnText(6),
					Entity:          stmt.ColumnText(7),
					Operation:       stmt.ColumnText(8),
					Decision:        stmt.ColumnText(9),
					RuleID:          stmt.ColumnText(10),
					Reason:          stmt.ColumnText(11),
					Code:            stmt.ColumnText(12),
					Format:          stmt.ColumnText(13),
					Transport:       stmt.ColumnText(14),
					Approved:        stmt.ColumnBool(15),
					Replayed:        stmt.ColumnBool(16),
					ExecutionTimeMs: stmt.ColumnFloat(17),
					ArgsDigest:      stmt.ColumnText(18),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("querying audit_records: %w", err)
	}
	return out, nil
}

func sinceMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}
