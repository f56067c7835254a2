package reservation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tallyhq/tally/internal/ledger"
)

// Store provides database operations for reservations. Reserve, Confirm, and
// Release each run as one transaction locking the account row and (for
// resolution) the reservation row, so a reservation resolves exactly once no
// matter how many callers race on it.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const recordColumns = `id, user_id, amount, operation, status, created_at, resolved_at`

func scanRecord(row pgx.Row) (*Record, error) {
	r := &Record{}
	err := row.Scan(&r.ID, &r.UserID, &r.Amount, &r.Operation, &r.Status, &r.CreatedAt, &r.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning reservation: %w", err)
	}
	return r, nil
}

// lockBalances reads the account balances FOR UPDATE.
func lockBalances(ctx context.Context, tx pgx.Tx, userID string) (available, reserved int64, blocked bool, err error) {
	err = tx.QueryRow(ctx,
		`SELECT available_credits, reserved_credits, is_blocked FROM accounts WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&available, &reserved, &blocked)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, false, ledger.ErrAccountNotFound
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("locking account: %w", err)
	}
	return available, reserved, blocked, nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, userID string, amount int64, operation string, meta ledger.Metadata) error {
	raw, err := ledger.MarshalMetadata(meta)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (user_id, amount, operation, metadata) VALUES ($1, $2, $3, $4)`,
		userID, amount, operation, raw,
	); err != nil {
		return fmt.Errorf("inserting audit transaction: %w", err)
	}
	return nil
}

// Reserve atomically moves amount from available to reserved and records the
// open reservation plus its zero-amount audit transaction.
func (s *Store) Reserve(ctx context.Context, userID string, amount int64, operation, reservationID string) (*Record, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reservation amount must be positive, got %d", amount)
	}
	if reservationID == "" {
		return nil, fmt.Errorf("reservation id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	available, _, blocked, err := lockBalances(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ledger.ErrAccountBlocked
	}
	if available < amount {
		return nil, &ledger.InsufficientCreditsError{Required: amount, Available: available}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts
		 SET available_credits = available_credits - $2,
		     reserved_credits = reserved_credits + $2,
		     updated_at = now()
		 WHERE user_id = $1`,
		userID, amount,
	); err != nil {
		return nil, fmt.Errorf("holding credits: %w", err)
	}

	rec, err := scanRecord(tx.QueryRow(ctx,
		`INSERT INTO reservations (id, user_id, amount, operation, status)
		 VALUES ($1, $2, $3, $4, 'open')
		 RETURNING `+recordColumns,
		reservationID, userID, amount, operation,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ledger.ErrReservationExists
		}
		return nil, fmt.Errorf("recording reservation: %w", err)
	}

	err = insertAudit(ctx, tx, userID, 0, ledger.OpReserve,
		&ledger.HoldMetadata{ReservationID: reservationID, HeldCredits: amount})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing reservation: %w", err)
	}
	return rec, nil
}

// lockOpenRecord loads the reservation FOR UPDATE, rejecting missing ids,
// foreign users, and already-resolved reservations.
func lockOpenRecord(ctx context.Context, tx pgx.Tx, userID, reservationID string) (*Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, reservationID))
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ledger.ErrReservationNotFound
	}
	if rec.Status != StatusOpen {
		return nil, ledger.ErrReservationResolved
	}
	return rec, nil
}

// Confirm settles an open reservation against the actual charge. The held
// amount leaves reserved; any surplus returns to available, any shortfall is
// drawn from available, clamped at zero with the remainder recorded as debt
// on the spend transaction. Exactly one transaction row of -actualCredits is
// appended and the reservation becomes terminal.
func (s *Store) Confirm(ctx context.Context, userID, reservationID string, actualCredits int64, operation string, meta *ledger.ChatUsageMetadata) (*ConfirmOutcome, error) {
	if actualCredits < 0 {
		return nil, fmt.Errorf("actual credits must not be negative, got %d", actualCredits)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockOpenRecord(ctx, tx, userID, reservationID)
	if err != nil {
		return nil, err
	}

	available, _, _, err := lockBalances(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	out := &ConfirmOutcome{ActualCredits: actualCredits}
	availableDelta := int64(0)
	if actualCredits <= rec.Amount {
		out.SurplusReturned = rec.Amount - actualCredits
		availableDelta = out.SurplusReturned
	} else {
		shortfall := actualCredits - rec.Amount
		draw := shortfall
		if draw > available {
			draw = available
			out.UncoveredDebt = shortfall - draw
		}
		availableDelta = -draw
	}

	err = tx.QueryRow(ctx,
		`UPDATE accounts
		 SET available_credits = available_credits + $2,
		     reserved_credits = reserved_credits - $3,
		     used_credits = used_credits + $4,
		     updated_at = now()
		 WHERE user_id = $1
		 RETURNING available_credits`,
		userID, availableDelta, rec.Amount, actualCredits,
	).Scan(&out.AvailableAfter)
	if err != nil {
		return nil, fmt.Errorf("settling reservation: %w", err)
	}

	if meta == nil {
		meta = &ledger.ChatUsageMetadata{}
	}
	meta.ReservationID = reservationID
	meta.UncoveredDebt = out.UncoveredDebt
	if err := insertAudit(ctx, tx, userID, -actualCredits, operation, meta); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE reservations SET status = 'confirmed', resolved_at = now() WHERE id = $1`,
		reservationID,
	); err != nil {
		return nil, fmt.Errorf("marking reservation confirmed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing confirmation: %w", err)
	}
	return out, nil
}

// Release returns the full held amount to available with no net balance
// effect, appends the zero-amount audit transaction, and marks the
// reservation released. It returns the available balance after the release.
func (s *Store) Release(ctx context.Context, userID, reservationID, reason string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockOpenRecord(ctx, tx, userID, reservationID)
	if err != nil {
		return 0, err
	}
	if _, _, _, err := lockBalances(ctx, tx, userID); err != nil {
		return 0, err
	}

	var availableAfter int64
	err = tx.QueryRow(ctx,
		`UPDATE accounts
		 SET available_credits = available_credits + $2,
		     reserved_credits = reserved_credits - $2,
		     updated_at = now()
		 WHERE user_id = $1
		 RETURNING available_credits`,
		userID, rec.Amount,
	).Scan(&availableAfter)
	if err != nil {
		return 0, fmt.Errorf("releasing held credits: %w", err)
	}

	err = insertAudit(ctx, tx, userID, 0, ledger.OpRelease,
		&ledger.ReleaseMetadata{ReservationID: reservationID, ReleasedCredits: rec.Amount, Reason: reason})
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE reservations SET status = 'released', resolved_at = now() WHERE id = $1`,
		reservationID,
	); err != nil {
		return 0, fmt.Errorf("marking reservation released: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing release: %w", err)
	}
	return availableAfter, nil
}

// Get returns a reservation by id regardless of status.
func (s *Store) Get(ctx context.Context, reservationID string) (*Record, error) {
	return scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM reservations WHERE id = $1`, reservationID))
}

// ListOpenByUser returns the user's currently open reservations, oldest first.
func (s *Store) ListOpenByUser(ctx context.Context, userID string) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM reservations
		 WHERE user_id = $1 AND status = 'open'
		 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing open reservations: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.ID, &r.UserID, &r.Amount, &r.Operation, &r.Status, &r.CreatedAt, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scanning reservation row: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reservation rows: %w", err)
	}
	return recs, nil
}
