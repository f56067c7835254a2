package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/ledger"
)

// store is the persistence surface the Manager needs; satisfied by *Store and
// faked in tests.
type store interface {
	Reserve(ctx context.Context, userID string, amount int64, operation, reservationID string) (*Record, error)
	Confirm(ctx context.Context, userID, reservationID string, actualCredits int64, operation string, meta *ledger.ChatUsageMetadata) (*ConfirmOutcome, error)
	Release(ctx context.Context, userID, reservationID, reason string) (int64, error)
	Get(ctx context.Context, reservationID string) (*Record, error)
	ListOpenByUser(ctx context.Context, userID string) ([]*Record, error)
}

// Manager implements the reserve -> confirm/release protocol that brackets a
// metered external call. Callers must resolve every successful reserve with
// exactly one confirm or release, including on error, timeout, or user
// cancellation of the external call; an unresolved hold leaves credits
// unspendable until reconciled.
type Manager struct {
	store store
	cache ledger.BalanceCache
}

// NewManager creates a Manager over the given store. cache may be nil.
func NewManager(s *Store, cache ledger.BalanceCache) *Manager {
	return &Manager{store: s, cache: cache}
}

// NewID generates a reservation id from a millisecond timestamp and a random
// suffix, unique per attempt without coordination.
func NewID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("resv_%d_%s", time.Now().UnixMilli(), suffix)
}

// Reserve holds amount credits under reservationID.
func (m *Manager) Reserve(ctx context.Context, userID string, amount int64, operation, reservationID string) (*ledger.Result, error) {
	rec, err := m.store.Reserve(ctx, userID, amount, operation, reservationID)
	if err != nil {
		return m.denial(ctx, userID, err)
	}

	m.invalidate(ctx, userID)
	return &ledger.Result{
		Success: true,
		Message: fmt.Sprintf("reserved %d credits", rec.Amount),
	}, nil
}

// Confirm settles the reservation with the real token usage. A second
// confirm or release on the same id is rejected without touching balances.
//
// When the settlement write itself fails after the metered call succeeded,
// one compensating release is attempted and a ConfirmationFailedError is
// returned for manual reconciliation; the gap is deliberately not retried.
func (m *Manager) Confirm(ctx context.Context, userID, reservationID string, actualTokens int64, operation string, meta *ledger.ChatUsageMetadata) (*ledger.Result, error) {
	actual := ledger.CreditsForTokens(actualTokens)
	if meta == nil {
		meta = &ledger.ChatUsageMetadata{}
	}
	meta.Tokens = actualTokens

	out, err := m.store.Confirm(ctx, userID, reservationID, actual, operation, meta)
	if err != nil {
		if isDenial(err) {
			return m.denial(ctx, userID, err)
		}

		// The call was already served; try once to give the hold back so
		// the credits are at least spendable again.
		released := false
		if _, relErr := m.store.Release(ctx, userID, reservationID, "confirmation failed"); relErr == nil {
			released = true
		} else if !isDenial(relErr) {
			slog.Error("compensating release failed",
				"user_id", userID, "reservation_id", reservationID, "error", relErr)
		}
		m.invalidate(ctx, userID)

		cfe := &ledger.ConfirmationFailedError{
			UserID:        userID,
			ReservationID: reservationID,
			Released:      released,
			Err:           err,
		}
		slog.Error("credit confirmation failed", "user_id", userID,
			"reservation_id", reservationID, "released", released, "error", err)
		return nil, cfe
	}

	m.invalidate(ctx, userID)
	if out.UncoveredDebt > 0 {
		slog.Warn("confirmation exceeded hold beyond available balance",
			"user_id", userID, "reservation_id", reservationID, "debt", out.UncoveredDebt)
	}
	return &ledger.Result{
		Success:          true,
		RemainingCredits: out.AvailableAfter,
		CreditsDeducted:  out.ActualCredits,
		UncoveredDebt:    out.UncoveredDebt,
	}, nil
}

// Release undoes an open hold with no net balance effect.
func (m *Manager) Release(ctx context.Context, userID, reservationID, reason string) (*ledger.Result, error) {
	available, err := m.store.Release(ctx, userID, reservationID, reason)
	if err != nil {
		return m.denial(ctx, userID, err)
	}

	m.invalidate(ctx, userID)
	return &ledger.Result{Success: true, RemainingCredits: available}, nil
}

// Get returns the reservation record for status/reconciliation queries.
func (m *Manager) Get(ctx context.Context, reservationID string) (*Record, error) {
	return m.store.Get(ctx, reservationID)
}

// ListOpen returns the user's unresolved holds, oldest first.
func (m *Manager) ListOpen(ctx context.Context, userID string) ([]*Record, error) {
	return m.store.ListOpenByUser(ctx, userID)
}

// isDenial reports whether err is a business rejection rather than a store
// fault. Denials never trigger a compensating release.
func isDenial(err error) bool {
	return ledger.IsInsufficientCredits(err) ||
		errors.Is(err, ledger.ErrAccountNotFound) ||
		errors.Is(err, ledger.ErrAccountBlocked) ||
		errors.Is(err, ledger.ErrReservationNotFound) ||
		errors.Is(err, ledger.ErrReservationExists) ||
		errors.Is(err, ledger.ErrReservationResolved)
}

func (m *Manager) denial(ctx context.Context, userID string, err error) (*ledger.Result, error) {
	var ice *ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &ice):
		return &ledger.Result{
			Success:          false,
			Reason:           ledger.DenialInsufficientCredits,
			Message:          fmt.Sprintf("insufficient credits: %d available, %d required", ice.Available, ice.Required),
			RemainingCredits: ice.Available,
		}, nil
	case errors.Is(err, ledger.ErrAccountBlocked):
		return &ledger.Result{Success: false, Reason: ledger.DenialAccountBlocked, Message: "account is blocked; contact support"}, nil
	case errors.Is(err, ledger.ErrAccountNotFound):
		return &ledger.Result{Success: false, Reason: ledger.DenialAccountNotFound, Message: "no credit account for user"}, nil
	case errors.Is(err, ledger.ErrReservationExists):
		return &ledger.Result{Success: false, Reason: ledger.DenialReservationExists, Message: "reservation id already used"}, nil
	case errors.Is(err, ledger.ErrReservationNotFound):
		return &ledger.Result{Success: false, Reason: ledger.DenialReservationNotFound, Message: "reservation not found"}, nil
	case errors.Is(err, ledger.ErrReservationResolved):
		return &ledger.Result{Success: false, Reason: ledger.DenialReservationResolved, Message: "reservation already resolved"}, nil
	default:
		m.invalidate(ctx, userID)
		slog.Error("reservation operation failed", "user_id", userID, "error", err)
		return nil, err
	}
}

func (m *Manager) invalidate(ctx context.Context, userID string) {
	if m.cache != nil {
		m.cache.Invalidate(ctx, userID)
	}
}
