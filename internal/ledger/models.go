package ledger

import "time"

// Account holds the credit balances for a single user. Balances only move
// through Ledger and reservation operations; subscription fields are owned by
// external billing/admin tooling and are read-only here.
type Account struct {
	UserID           string    `json:"user_id"`
	AvailableCredits int64     `json:"available_credits"`
	ReservedCredits  int64     `json:"reserved_credits"`
	UsedCredits      int64     `json:"used_credits"`
	SubscriptionTier string    `json:"subscription_tier"`
	MonthlyGrant     int64     `json:"monthly_grant"`
	IsBlocked        bool      `json:"is_blocked"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Transaction is a single signed balance delta in an account's history.
// Negative amounts are spends, positive amounts are grants. The history is
// append-only; rows are never updated or deleted.
type Transaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Operation string    `json:"operation"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Operation tags recorded on transactions.
const (
	OpChat     = "chat"
	OpPurchase = "purchase"
	OpGrant    = "grant"
	OpReserve  = "reserve"
	OpRelease  = "release"
)

// Machine-readable denial reasons set on failed Results.
const (
	DenialInsufficientCredits = "insufficient_credits"
	DenialAccountBlocked      = "account_blocked"
	DenialAccountNotFound     = "account_not_found"
	DenialReservationExists   = "reservation_exists"
	DenialReservationNotFound = "reservation_not_found"
	DenialReservationResolved = "reservation_resolved"
)

// Result is the uniform outcome shape for balance-changing calls. Business
// denials (insufficient credits, resolved reservations) come back with
// Success=false, a Reason code, and an actionable Message rather than an
// error. UncoveredDebt is set only on reservation confirmations whose actual
// usage exceeded both the hold and the remaining available balance.
type Result struct {
	Success          bool   `json:"success"`
	Reason           string `json:"reason,omitempty"`
	Message          string `json:"message,omitempty"`
	RemainingCredits int64  `json:"remaining_credits"`
	CreditsDeducted  int64  `json:"credits_deducted,omitempty"`
	UncoveredDebt    int64  `json:"uncovered_debt,omitempty"`
}

// CheckResult is the advisory answer from CheckCredits. It may be stale under
// concurrency and must never be used as the authoritative spend guard.
type CheckResult struct {
	HasEnough bool  `json:"has_enough"`
	Available int64 `json:"available"`
}

// Balance is the compact snapshot kept in the advisory cache.
type Balance struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Used      int64 `json:"used"`
}
