//go:build integration

package reservation

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tallyhq/tally/internal/ledger"
)

func newIntegrationStores(t *testing.T) (*ledger.Store, *Store) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			user_id TEXT PRIMARY KEY,
			available_credits BIGINT NOT NULL DEFAULT 0 CHECK (available_credits >= 0),
			reserved_credits BIGINT NOT NULL DEFAULT 0 CHECK (reserved_credits >= 0),
			used_credits BIGINT NOT NULL DEFAULT 0,
			subscription_tier TEXT NOT NULL DEFAULT 'free',
			monthly_grant BIGINT NOT NULL DEFAULT 0,
			is_blocked BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS credit_transactions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id TEXT NOT NULL REFERENCES accounts(user_id),
			amount BIGINT NOT NULL,
			operation TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES accounts(user_id),
			amount BIGINT NOT NULL CHECK (amount > 0),
			operation TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('open', 'confirmed', 'released')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			resolved_at TIMESTAMPTZ
		);
	`)
	if err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, `TRUNCATE reservations, credit_transactions, accounts CASCADE`)
	})
	return ledger.NewStore(pool), NewStore(pool)
}

func TestStoreReserveConfirmLifecycle(t *testing.T) {
	accounts, s := newIntegrationStores(t)
	ctx := context.Background()

	if _, err := accounts.CreateAccount(ctx, "it-res-1", "free", 100); err != nil {
		t.Fatalf("create account: %v", err)
	}

	rec, err := s.Reserve(ctx, "it-res-1", 20, ledger.OpChat, "it-r1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if rec.Status != StatusOpen {
		t.Fatalf("status = %s, want open", rec.Status)
	}

	a, err := accounts.GetAccount(ctx, "it-res-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.AvailableCredits != 80 || a.ReservedCredits != 20 {
		t.Fatalf("after reserve: available %d reserved %d, want 80/20",
			a.AvailableCredits, a.ReservedCredits)
	}

	out, err := s.Confirm(ctx, "it-res-1", "it-r1", 3, ledger.OpChat, nil)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if out.SurplusReturned != 17 || out.AvailableAfter != 97 {
		t.Errorf("outcome = %+v, want 17 surplus and 97 available", out)
	}

	a, _ = accounts.GetAccount(ctx, "it-res-1")
	if a.AvailableCredits != 97 || a.UsedCredits != 3 || a.ReservedCredits != 0 {
		t.Errorf("after confirm: available %d used %d reserved %d, want 97/3/0",
			a.AvailableCredits, a.UsedCredits, a.ReservedCredits)
	}

	// The audit trail: grant, hold, spend.
	h, err := accounts.History(ctx, "it-res-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(h) != 3 {
		t.Fatalf("history rows = %d, want 3", len(h))
	}
	if h[0].Amount != -3 {
		t.Errorf("newest row amount = %d, want -3", h[0].Amount)
	}

	if _, err := s.Confirm(ctx, "it-res-1", "it-r1", 3, ledger.OpChat, nil); !errors.Is(err, ledger.ErrReservationResolved) {
		t.Errorf("second confirm: got %v, want ErrReservationResolved", err)
	}
}

func TestStoreReleaseIsNeutralAndTerminal(t *testing.T) {
	accounts, s := newIntegrationStores(t)
	ctx := context.Background()

	if _, err := accounts.CreateAccount(ctx, "it-res-2", "free", 100); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := s.Reserve(ctx, "it-res-2", 20, ledger.OpChat, "it-r2"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	available, err := s.Release(ctx, "it-res-2", "it-r2", "upstream timeout")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if available != 100 {
		t.Errorf("available after release = %d, want 100", available)
	}

	if _, err := s.Release(ctx, "it-res-2", "it-r2", "retry"); !errors.Is(err, ledger.ErrReservationResolved) {
		t.Errorf("second release: got %v, want ErrReservationResolved", err)
	}
}
