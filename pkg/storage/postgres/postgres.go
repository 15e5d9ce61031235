// Package postgres implements storage.Store on PostgreSQL using pgx.
// It is the server-mode backend: several brokers and workers share one
// database, and every contended operation resolves through row locks
// (FOR UPDATE SKIP LOCKED on the queue) or single-statement guards
// (status-checked UPDATEs, INSERT .. ON CONFLICT DO NOTHING claims),
// so no coordination happens outside the database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/storage"
)

// Store implements storage.Store backed by a pgx connection pool
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database and verifies the connection
func Open(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the underlying pool for migrations
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func noRows(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}

// jsonb marshals v for a jsonb parameter; nil maps become SQL NULL
func jsonb(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]any:
		if m == nil {
			return nil, nil
		}
	case []any:
		if m == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb: %w", err)
	}
	return data, nil
}

// unjsonb unmarshals a scanned jsonb column into out; NULL is a no-op
func unjsonb(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// qualify prefixes every column in a comma-separated list, for
// RETURNING clauses on aliased tables.
func qualify(columns, prefix string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, ", ")
}

// nullTime converts the zero time to SQL NULL
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// notFoundOrLost distinguishes a missing row from a lost lease after a
// guarded UPDATE matched nothing.
func (s *Store) notFoundOrLost(ctx context.Context, queueID int64) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM noetl.queue WHERE queue_id = $1)`,
		queueID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("job %d: %w", queueID, storage.ErrNotFound)
	}
	return fmt.Errorf("job %d: %w", queueID, storage.ErrLeaseLost)
}
