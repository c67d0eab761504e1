package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const interactionsDDL = `
CREATE TABLE IF NOT EXISTS interactions (
	id              TEXT PRIMARY KEY,
	request_id      TEXT NOT NULL,
	provider        TEXT NOT NULL,
	model           TEXT NOT NULL,
	streaming       INTEGER NOT NULL,
	status_code     INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	duration_ms     INTEGER NOT NULL,
	input_tokens    INTEGER NOT NULL,
	output_tokens   INTEGER NOT NULL,
	tokens_before   INTEGER NOT NULL,
	tokens_after    INTEGER NOT NULL,
	cost_savings    REAL NOT NULL,
	sanitized       INTEGER NOT NULL,
	results_blocked INTEGER NOT NULL,
	calls_blocked   INTEGER NOT NULL,
	untrusted       INTEGER NOT NULL,
	error           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS interactions_created_at ON interactions (created_at DESC);`

const insertInteraction = `INSERT INTO interactions (
	id, request_id, provider, model, streaming, status_code, created_at, duration_ms,
	input_tokens, output_tokens, tokens_before, tokens_after, cost_savings,
	sanitized, results_blocked, calls_blocked, untrusted, error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectRecent = `SELECT
	id, request_id, provider, model, streaming, status_code, created_at, duration_ms,
	input_tokens, output_tokens, tokens_before, tokens_after, cost_savings,
	sanitized, results_blocked, calls_blocked, untrusted, error
FROM interactions ORDER BY created_at DESC LIMIT ?`

// SQLiteSink stores interactions in a SQLite database file.
type SQLiteSink struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (and creates if needed) the database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite '%s': %w", path, err)
	}
	// One writer; SQLite serializes writes anyway and :memory: is per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(interactionsDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create interactions table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:"
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Record inserts in. A missing ID is generated.
func (s *SQLiteSink) Record(ctx context.Context, in Interaction) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, insertInteraction,
		in.ID, in.RequestID, in.Provider, in.Model, in.Streaming, in.StatusCode,
		in.CreatedAt.UnixNano(), in.DurationMs,
		in.InputTokens, in.OutputTokens, in.TokensBefore, in.TokensAfter, in.CostSavings,
		in.Sanitized, in.ResultsBlocked, in.CallsBlocked, in.Untrusted, in.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert interaction %s: %w", in.ID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first. limit <= 0 means 100.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var (
			in        Interaction
			createdAt int64
		)
		if err := rows.Scan(
			&in.ID, &in.RequestID, &in.Provider, &in.Model, &in.Streaming, &in.StatusCode,
			&createdAt, &in.DurationMs,
			&in.InputTokens, &in.OutputTokens, &in.TokensBefore, &in.TokensAfter, &in.CostSavings,
			&in.Sanitized, &in.ResultsBlocked, &in.CallsBlocked, &in.Untrusted, &in.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		in.CreatedAt = time.Unix(0, createdAt)
		out = append(out, in)
	}
	return out, rows.Err()
}

// Close closes the database. Later calls return ErrClosed.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ Sink = (*SQLiteSink)(nil)
