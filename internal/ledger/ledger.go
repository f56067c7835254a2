package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// accountStore is the storage surface the Ledger needs. It exists so the
// service logic can be tested against an in-memory fake.
type accountStore interface {
	CreateAccount(ctx context.Context, userID, tier string, grant int64) (*Account, error)
	GetAccount(ctx context.Context, userID string) (*Account, error)
	Deduct(ctx context.Context, userID string, amount int64, operation string, meta Metadata) (*Account, error)
	Add(ctx context.Context, userID string, amount int64, operation string, meta Metadata) (*Account, error)
	SetBlocked(ctx context.Context, userID string, blocked bool) (*Account, error)
	History(ctx context.Context, userID string, limit int) ([]Transaction, error)
}

// BalanceCache is the advisory balance cache surface. Implementations are
// best-effort: misses and errors both degrade to a store read. May be nil.
type BalanceCache interface {
	GetBalance(ctx context.Context, userID string) (*Balance, bool)
	SetBalance(ctx context.Context, userID string, b Balance)
	Invalidate(ctx context.Context, userID string)
}

// Ledger provides validated credit operations over the account store. It is
// the authoritative spend guard; the cache only serves advisory reads.
type Ledger struct {
	store accountStore
	cache BalanceCache
}

// NewLedger creates a Ledger over the given store. cache may be nil.
func NewLedger(store *Store, cache BalanceCache) *Ledger {
	return &Ledger{store: store, cache: cache}
}

// Provision creates the account at user signup with its free-tier grant.
func (l *Ledger) Provision(ctx context.Context, userID, tier string, grant int64) (*Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if grant < 0 {
		return nil, fmt.Errorf("initial grant must not be negative, got %d", grant)
	}
	a, err := l.store.CreateAccount(ctx, userID, tier, grant)
	if err != nil {
		return nil, err
	}
	l.cacheAccount(ctx, a)
	return a, nil
}

// GetAccount returns the live account state, refreshing the advisory cache.
func (l *Ledger) GetAccount(ctx context.Context, userID string) (*Account, error) {
	a, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	l.cacheAccount(ctx, a)
	return a, nil
}

// Deduct charges amount credits. Insufficient balance and blocked accounts
// are business denials returned as a failed Result, not an error.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int64, operation string, meta Metadata) (*Result, error) {
	a, err := l.store.Deduct(ctx, userID, amount, operation, meta)
	if err != nil {
		return l.denial(ctx, userID, err)
	}

	l.cacheAccount(ctx, a)
	return &Result{
		Success:          true,
		RemainingCredits: a.AvailableCredits,
		CreditsDeducted:  amount,
	}, nil
}

// DeductForTokens converts provider token usage to credits and charges it.
func (l *Ledger) DeductForTokens(ctx context.Context, userID string, tokens int64, operation string, meta Metadata) (*Result, error) {
	credits := CreditsForTokens(tokens)
	if credits == 0 {
		a, err := l.store.GetAccount(ctx, userID)
		if err != nil {
			return l.denial(ctx, userID, err)
		}
		return &Result{Success: true, RemainingCredits: a.AvailableCredits}, nil
	}
	return l.Deduct(ctx, userID, credits, operation, meta)
}

// Add grants amount credits to the account.
func (l *Ledger) Add(ctx context.Context, userID string, amount int64, operation string, meta Metadata) (*Result, error) {
	a, err := l.store.Add(ctx, userID, amount, operation, meta)
	if err != nil {
		return l.denial(ctx, userID, err)
	}

	l.cacheAccount(ctx, a)
	return &Result{Success: true, RemainingCredits: a.AvailableCredits}, nil
}

// SetBlocked blocks or unblocks the account. Blocked accounts deny all new
// spends and reservations until unblocked.
func (l *Ledger) SetBlocked(ctx context.Context, userID string, blocked bool) (*Account, error) {
	a, err := l.store.SetBlocked(ctx, userID, blocked)
	if err != nil {
		return nil, err
	}
	l.cacheAccount(ctx, a)
	return a, nil
}

// CheckCredits answers whether the user appears to have enough credits. It
// prefers the cache and may be stale under concurrency; the transactional
// deduct/reserve path is the real guard.
func (l *Ledger) CheckCredits(ctx context.Context, userID string, required int64) (*CheckResult, error) {
	if l.cache != nil {
		if b, ok := l.cache.GetBalance(ctx, userID); ok {
			return &CheckResult{HasEnough: b.Available >= required, Available: b.Available}, nil
		}
	}

	a, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	l.cacheAccount(ctx, a)
	return &CheckResult{HasEnough: a.AvailableCredits >= required, Available: a.AvailableCredits}, nil
}

// GetHistory returns the user's transactions newest-first.
func (l *Ledger) GetHistory(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	return l.store.History(ctx, userID, limit)
}

// denial converts business denials into failed Results and passes
// infrastructure faults through as errors.
func (l *Ledger) denial(ctx context.Context, userID string, err error) (*Result, error) {
	var ice *InsufficientCreditsError
	switch {
	case errors.As(err, &ice):
		return &Result{
			Success:          false,
			Reason:           DenialInsufficientCredits,
			Message:          fmt.Sprintf("insufficient credits: %d available, %d required", ice.Available, ice.Required),
			RemainingCredits: ice.Available,
		}, nil
	case errors.Is(err, ErrAccountBlocked):
		return &Result{Success: false, Reason: DenialAccountBlocked, Message: "account is blocked; contact support"}, nil
	case errors.Is(err, ErrAccountNotFound):
		return &Result{Success: false, Reason: DenialAccountNotFound, Message: "no credit account for user"}, nil
	default:
		// Store fault: the cached balance can no longer be trusted.
		if l.cache != nil {
			l.cache.Invalidate(ctx, userID)
		}
		slog.Error("ledger operation failed", "user_id", userID, "error", err)
		return nil, err
	}
}

func (l *Ledger) cacheAccount(ctx context.Context, a *Account) {
	if l.cache == nil {
		return
	}
	l.cache.SetBalance(ctx, a.UserID, Balance{
		Available: a.AvailableCredits,
		Reserved:  a.ReservedCredits,
		Used:      a.UsedCredits,
	})
}
