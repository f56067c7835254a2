package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for credit accounts and their
// transaction history. Every balance mutation runs as a single transaction
// holding a row lock on the account, so concurrent writers to one account are
// serialized by postgres and writers to different accounts never contend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const accountColumns = `user_id, available_credits, reserved_credits, used_credits,
	subscription_tier, monthly_grant, is_blocked, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	a := &Account{}
	err := row.Scan(&a.UserID, &a.AvailableCredits, &a.ReservedCredits, &a.UsedCredits,
		&a.SubscriptionTier, &a.MonthlyGrant, &a.IsBlocked, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	return a, nil
}

// CreateAccount provisions a new account, applying the initial free-tier
// grant and its transaction record in the same database transaction.
func (s *Store) CreateAccount(ctx context.Context, userID, tier string, grant int64) (*Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAccount(tx.QueryRow(ctx,
		`INSERT INTO accounts (user_id, available_credits, subscription_tier, monthly_grant)
		 VALUES ($1, $2, $3, $2)
		 RETURNING `+accountColumns,
		userID, grant, tier,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("creating account: %w", err)
	}

	if grant > 0 {
		err = insertTransaction(ctx, tx, userID, grant, OpGrant,
			&GrantMetadata{Reason: "free tier signup grant"})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing account creation: %w", err)
	}
	return a, nil
}

// GetAccount returns the current account state without taking any locks.
func (s *Store) GetAccount(ctx context.Context, userID string) (*Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
}

// lockAccount reads the account row FOR UPDATE inside the given transaction.
func lockAccount(ctx context.Context, tx pgx.Tx, userID string) (*Account, error) {
	return scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE`, userID))
}

// insertTransaction appends one history row. Timestamps are server-assigned.
func insertTransaction(ctx context.Context, tx pgx.Tx, userID string, amount int64, operation string, meta Metadata) error {
	raw, err := MarshalMetadata(meta)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO credit_transactions (user_id, amount, operation, metadata)
		 VALUES ($1, $2, $3, $4)`,
		userID, amount, operation, raw,
	)
	if err != nil {
		return fmt.Errorf("inserting credit transaction: %w", err)
	}
	return nil
}

// Deduct atomically moves amount from available to used and appends the spend
// transaction. It returns InsufficientCreditsError without mutating anything
// when the balance is too low, and ErrAccountBlocked for blocked accounts.
func (s *Store) Deduct(ctx context.Context, userID string, amount int64, operation string, meta Metadata) (*Account, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deduct amount must be positive, got %d", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := lockAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if a.IsBlocked {
		return nil, ErrAccountBlocked
	}
	if a.AvailableCredits < amount {
		return nil, &InsufficientCreditsError{Required: amount, Available: a.AvailableCredits}
	}

	a, err = scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts
		 SET available_credits = available_credits - $2,
		     used_credits = used_credits + $2,
		     updated_at = now()
		 WHERE user_id = $1
		 RETURNING `+accountColumns,
		userID, amount,
	))
	if err != nil {
		return nil, fmt.Errorf("deducting credits: %w", err)
	}

	if err := insertTransaction(ctx, tx, userID, -amount, operation, meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing deduction: %w", err)
	}
	return a, nil
}

// Add atomically increases the available balance and appends a positive
// transaction. Used for purchases, promotional grants, and admin top-ups.
func (s *Store) Add(ctx context.Context, userID string, amount int64, operation string, meta Metadata) (*Account, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("add amount must be positive, got %d", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts
		 SET available_credits = available_credits + $2, updated_at = now()
		 WHERE user_id = $1
		 RETURNING `+accountColumns,
		userID, amount,
	))
	if err != nil {
		return nil, err
	}

	if err := insertTransaction(ctx, tx, userID, amount, operation, meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing credit grant: %w", err)
	}
	return a, nil
}

// SetBlocked flips the account's blocked flag. Open reservations are left
// alone: they resolve normally, but no new spends or holds are accepted while
// blocked.
func (s *Store) SetBlocked(ctx context.Context, userID string, blocked bool) (*Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`UPDATE accounts
		 SET is_blocked = $2, updated_at = now()
		 WHERE user_id = $1
		 RETURNING `+accountColumns,
		userID, blocked,
	))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// History returns the account's transactions newest-first. A limit of 0 means
// the default page of 100.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount, operation, metadata, created_at
		 FROM credit_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying credit history: %w", err)
	}
	defer rows.Close()

	var txns []Transaction
	for rows.Next() {
		var t Transaction
		var raw []byte
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Operation, &raw, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning credit transaction: %w", err)
		}
		if t.Metadata, err = UnmarshalMetadata(raw); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credit transactions: %w", err)
	}
	return txns, nil
}

