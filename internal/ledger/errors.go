package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the store layer. The service layer converts the
// non-fatal ones into structured Results before they cross the public surface.
var (
	ErrAccountNotFound     = errors.New("credit account not found")
	ErrAccountExists       = errors.New("credit account already exists")
	ErrAccountBlocked      = errors.New("credit account is blocked")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationExists   = errors.New("reservation id already used")
	ErrReservationResolved = errors.New("reservation already resolved")
)

// InsufficientCreditsError is returned when a deduction or reservation asks
// for more than the available balance. It carries the balance observed inside
// the failed transaction so callers can report it without a second read.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// IsInsufficientCredits reports whether err is an InsufficientCreditsError
// anywhere in its chain.
func IsInsufficientCredits(err error) bool {
	var ice *InsufficientCreditsError
	return errors.As(err, &ice)
}

// ConfirmationFailedError marks the critical gap where the metered call
// succeeded but the confirming transaction could not be committed. The held
// amount may or may not have been returned by the compensating release;
// reconciliation is manual.
type ConfirmationFailedError struct {
	UserID        string
	ReservationID string
	Released      bool // whether the compensating release succeeded
	Err           error
}

func (e *ConfirmationFailedError) Error() string {
	return fmt.Sprintf("credit confirmation failed for user %s reservation %s (compensating release ok: %t): %v",
		e.UserID, e.ReservationID, e.Released, e.Err)
}

func (e *ConfirmationFailedError) Unwrap() error { return e.Err }
