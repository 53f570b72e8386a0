package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSessionStore persists operator sessions in Postgres so logins
// survive daemon restarts.
type PostgresSessionStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresSessionStore ensures the sessions table exists and returns a
// store backed by the provided pool. The pool is owned by the caller.
func NewPostgresSessionStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresSessionStore, error) {
	if pool == nil {
		return nil, errors.New("postgres session store requires a pool")
	}
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS operator_sessions (
		token_hash TEXT PRIMARY KEY,
		operator_id TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		absolute_expires_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("ensure operator_sessions table: %w", err)
	}
	return &PostgresSessionStore{pool: pool, timeout: 5 * time.Second}, nil
}

func (s *PostgresSessionStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Save upserts the session row.
func (s *PostgresSessionStore) Save(tokenHash, operatorID string, expiresAt, absoluteExpiresAt time.Time) error {
	ctx, cancel := s.opContext()
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO operator_sessions (token_hash, operator_id, expires_at, absolute_expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (token_hash) DO UPDATE SET expires_at = $3, absolute_expires_at = $4`,
		tokenHash, operatorID, expiresAt, absoluteExpiresAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get retrieves the session record for the provided token digest.
func (s *PostgresSessionStore) Get(tokenHash string) (SessionRecord, bool, error) {
	ctx, cancel := s.opContext()
	defer cancel()
	var record SessionRecord
	err := s.pool.QueryRow(ctx,
		"SELECT token_hash, operator_id, expires_at, absolute_expires_at FROM operator_sessions WHERE token_hash = $1",
		tokenHash).Scan(&record.TokenHash, &record.OperatorID, &record.ExpiresAt, &record.AbsoluteExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("load session: %w", err)
	}
	return record, true, nil
}

// Delete removes the session row.
func (s *PostgresSessionStore) Delete(tokenHash string) error {
	ctx, cancel := s.opContext()
	defer cancel()
	if _, err := s.pool.Exec(ctx, "DELETE FROM operator_sessions WHERE token_hash = $1", tokenHash); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired drops sessions whose deadlines have passed.
func (s *PostgresSessionStore) PurgeExpired(now time.Time) error {
	ctx, cancel := s.opContext()
	defer cancel()
	_, err := s.pool.Exec(ctx,
		"DELETE FROM operator_sessions WHERE expires_at < $1 OR absolute_expires_at < $1", now)
	if err != nil {
		return fmt.Errorf("purge sessions: %w", err)
	}
	return nil
}

// Ping reports pool health.
func (s *PostgresSessionStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
