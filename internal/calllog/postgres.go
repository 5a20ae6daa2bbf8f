package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the call log tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
    stream_sid TEXT PRIMARY KEY,
    call_sid   TEXT NOT NULL DEFAULT '',
    backend    TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at   TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS call_turns (
    id          BIGSERIAL PRIMARY KEY,
    stream_sid  TEXT NOT NULL REFERENCES calls(stream_sid) ON DELETE CASCADE,
    user_text   TEXT NOT NULL,
    reply_text  TEXT NOT NULL,
    speculative BOOLEAN NOT NULL DEFAULT false,
    fallback    BOOLEAN NOT NULL DEFAULT false,
    latency_ms  INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_turns_stream ON call_turns(stream_sid, created_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on an existing connection or pool. Call
// [PostgresStore.Migrate] before use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects a pool to dsn, verifies it and applies [Schema]. The returned
// close function releases the pool.
func Open(ctx context.Context, dsn string) (*PostgresStore, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("calllog: create pool: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// Migrate executes [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("calllog: migrate: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("calllog: ping: %w", err)
	}
	return nil
}

// StartCall implements [Store]. A restarted stream id drops its old turns.
func (s *PostgresStore) StartCall(ctx context.Context, c Call) error {
	const query = `
		INSERT INTO calls (stream_sid, call_sid, backend, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stream_sid) DO UPDATE
		SET call_sid = EXCLUDED.call_sid,
		    backend = EXCLUDED.backend,
		    started_at = EXCLUDED.started_at,
		    ended_at = NULL`
	if _, err := s.db.Exec(ctx, query, c.StreamSID, c.CallSID, c.Backend, c.StartedAt.UTC()); err != nil {
		return fmt.Errorf("calllog: start call %s: %w", c.StreamSID, err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM call_turns WHERE stream_sid = $1 AND created_at < $2`, c.StreamSID, c.StartedAt.UTC()); err != nil {
		return fmt.Errorf("calllog: reset turns %s: %w", c.StreamSID, err)
	}
	return nil
}

// AddTurn implements [Store].
func (s *PostgresStore) AddTurn(ctx context.Context, t Turn) error {
	const query = `
		INSERT INTO call_turns (stream_sid, user_text, reply_text, speculative, fallback, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.Exec(ctx, query,
		t.StreamSID, t.UserText, t.ReplyText, t.Speculative, t.Fallback,
		t.Latency.Milliseconds(), t.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("calllog: add turn %s: %w", t.StreamSID, err)
	}
	return nil
}

// EndCall implements [Store].
func (s *PostgresStore) EndCall(ctx context.Context, streamSID string, endedAt time.Time) error {
	if _, err := s.db.Exec(ctx, `UPDATE calls SET ended_at = $2 WHERE stream_sid = $1`, streamSID, endedAt.UTC()); err != nil {
		return fmt.Errorf("calllog: end call %s: %w", streamSID, err)
	}
	return nil
}

// CountTurns returns the number of turns recorded for a call.
func (s *PostgresStore) CountTurns(ctx context.Context, streamSID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM call_turns WHERE stream_sid = $1`, streamSID).Scan(&n); err != nil {
		return 0, fmt.Errorf("calllog: count turns %s: %w", streamSID, err)
	}
	return n, nil
}
