package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// CounterStore is the persistence surface the Limiter needs; satisfied by
// *Store and faked in tests.
type CounterStore interface {
	CheckAndIncrement(ctx context.Context, userID, action string, p Policy) (Decision, error)
	Get(ctx context.Context, userID, action string) (*Counter, error)
	Delete(ctx context.Context, userID, action string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// Limiter enforces per-(user, action) fixed-window limits. It fails open:
// rate limiting is defense in depth, and a broken counter store must never
// take request serving down with it — the credit ledger remains the
// authoritative spend guard.
type Limiter struct {
	store      CounterStore
	now        func() time.Time
	onFailOpen []func()
}

// NewLimiter creates a Limiter over the given counter store. onFailOpen
// callbacks are invoked whenever a store fault forces an allow.
func NewLimiter(store CounterStore, onFailOpen ...func()) *Limiter {
	return &Limiter{store: store, now: time.Now, onFailOpen: onFailOpen}
}

// CheckAndIncrement consumes one request from the user's window. Business
// denials come back Allowed=false; store faults come back Allowed=true with
// FailedOpen set and the fault logged.
func (l *Limiter) CheckAndIncrement(ctx context.Context, userID, action string, p Policy) Decision {
	d, err := l.store.CheckAndIncrement(ctx, userID, action, p)
	if err != nil {
		slog.Warn("rate limit store unavailable, failing open",
			"user_id", userID, "action", action, "error", err)
		for _, fn := range l.onFailOpen {
			fn()
		}
		return Decision{Allowed: true, Remaining: p.MaxRequests, FailedOpen: true}
	}
	return d
}

// Status is a read-only projection of the current window; it never mutates
// the counter.
func (l *Limiter) Status(ctx context.Context, userID, action string, p Policy) (Decision, error) {
	c, err := l.store.Get(ctx, userID, action)
	if err != nil {
		return Decision{}, err
	}
	return peek(c, l.now().UTC(), p), nil
}

// Reset administratively deletes the counter, opening a fresh window.
func (l *Limiter) Reset(ctx context.Context, userID, action string) error {
	return l.store.Delete(ctx, userID, action)
}

// SweepExpired removes counters whose window has passed.
func (l *Limiter) SweepExpired(ctx context.Context) (int64, error) {
	return l.store.DeleteExpired(ctx)
}
