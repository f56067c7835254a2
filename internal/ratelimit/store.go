package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists fixed-window counters in postgres, the same transactional
// substrate as the credit ledger. Counters for different (user, action) pairs
// live in separate rows, so checks never contend across users.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time // injectable clock for testing
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// CheckAndIncrement applies one request to the (userID, action) counter under
// the given policy, inside a single transaction holding the counter row lock.
func (s *Store) CheckAndIncrement(ctx context.Context, userID, action string, p Policy) (Decision, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var c *Counter
	row := Counter{UserID: userID, Action: action}
	err = tx.QueryRow(ctx,
		`SELECT count, reset_time FROM rate_limit_counters
		 WHERE user_id = $1 AND action = $2 FOR UPDATE`,
		userID, action,
	).Scan(&row.Count, &row.ResetTime)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		c = nil
	case err != nil:
		return Decision{}, fmt.Errorf("reading counter: %w", err)
	default:
		c = &row
	}

	decision, next := advance(c, userID, action, s.now().UTC(), p)

	_, err = tx.Exec(ctx,
		`INSERT INTO rate_limit_counters (user_id, action, count, reset_time)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, action)
		 DO UPDATE SET count = EXCLUDED.count, reset_time = EXCLUDED.reset_time`,
		userID, action, next.Count, next.ResetTime,
	)
	if err != nil {
		return Decision{}, fmt.Errorf("writing counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Decision{}, fmt.Errorf("committing counter update: %w", err)
	}
	return decision, nil
}

// Get returns the counter, or nil when none exists.
func (s *Store) Get(ctx context.Context, userID, action string) (*Counter, error) {
	c := &Counter{UserID: userID, Action: action}
	err := s.pool.QueryRow(ctx,
		`SELECT count, reset_time FROM rate_limit_counters WHERE user_id = $1 AND action = $2`,
		userID, action,
	).Scan(&c.Count, &c.ResetTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading counter: %w", err)
	}
	return c, nil
}

// Delete removes the counter, resetting the window administratively.
func (s *Store) Delete(ctx context.Context, userID, action string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM rate_limit_counters WHERE user_id = $1 AND action = $2`,
		userID, action,
	); err != nil {
		return fmt.Errorf("deleting counter: %w", err)
	}
	return nil
}

// DeleteExpired batch-deletes counters whose window has passed and returns
// how many were removed.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM rate_limit_counters WHERE reset_time < $1`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired counters: %w", err)
	}
	return tag.RowsAffected(), nil
}
