// Package history persists an audit trail of executed voice commands in
// PostgreSQL. The store is optional: a nil *Store records nothing, so the
// daemon runs identically with or without a database configured.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one completed command.
type Entry struct {
	ID         string
	Kind       string
	Message    string
	Transcript string
	Outcome    string
	Duration   time.Duration
	CreatedAt  time.Time
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_commands (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			transcript TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_commands_created ON voice_commands (created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Record inserts one entry. It is a no-op on a nil store.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if s == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_commands (id, kind, message, transcript, outcome, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		entry.ID,
		entry.Kind,
		entry.Message,
		entry.Transcript,
		entry.Outcome,
		entry.Duration.Milliseconds(),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	return nil
}

// Recent returns the latest entries in chronological order.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, message, transcript, outcome, duration_ms, created_at
		 FROM voice_commands ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.Message, &e.Transcript, &e.Outcome, &durationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *Store) Close() {
	if s == nil {
		return
	}
	s.pool.Close()
}
