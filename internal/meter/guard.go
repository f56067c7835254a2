package meter

import (
	"context"
	"fmt"
	"time"

	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/ratelimit"
	"github.com/tallyhq/tally/internal/reservation"
	"github.com/tallyhq/tally/internal/usage"
)

// Reserver is the reservation surface the guard needs; satisfied by
// *reservation.Manager.
type Reserver interface {
	Reserve(ctx context.Context, userID string, amount int64, operation, reservationID string) (*ledger.Result, error)
	Confirm(ctx context.Context, userID, reservationID string, actualTokens int64, operation string, meta *ledger.ChatUsageMetadata) (*ledger.Result, error)
	Release(ctx context.Context, userID, reservationID, reason string) (*ledger.Result, error)
}

// RateLimiter checks and consumes one request from a caller's window.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, userID, action string, p ratelimit.Policy) ratelimit.Decision
}

// UsageRecorder accepts analytics events; satisfied by *usage.Recorder.
type UsageRecorder interface {
	Record(ev usage.Event)
}

// Request describes one metered call before it runs. EstimatedTokens drives
// the size of the credit hold; the real charge comes from the Usage the call
// reports afterwards.
type Request struct {
	UserID          string
	Action          string
	Operation       string
	Model           string
	RequestID       string
	EstimatedTokens int64
	Policy          ratelimit.Policy
}

// Usage is what the metered call reports once it has finished.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

func (u *Usage) total() int64 {
	if u == nil {
		return 0
	}
	return u.PromptTokens + u.CompletionTokens
}

// CallFunc is the metered call itself, run between reserve and settle.
type CallFunc func(ctx context.Context) (*Usage, error)

// Outcome reports how a guarded call resolved. Result is nil when the call
// never got past rate limiting.
type Outcome struct {
	Result        *ledger.Result
	Decision      ratelimit.Decision
	ReservationID string
	Usage         *Usage
	CallErr       error
	LatencyMs     int64
	RateLimited   bool
}

// Guard brackets a metered external call with the reserve -> confirm/release
// protocol: rate limit check, credit hold, the call, then settlement against
// real usage. Every successful hold is resolved exactly once, including when
// the call errors, panics, or the context is cancelled.
type Guard struct {
	limiter      RateLimiter
	reservations Reserver
	recorder     UsageRecorder
	now          func() time.Time
}

// NewGuard creates a guard. limiter and recorder may be nil, which disables
// rate limiting and usage recording respectively.
func NewGuard(limiter RateLimiter, reservations Reserver, recorder UsageRecorder) *Guard {
	return &Guard{
		limiter:      limiter,
		reservations: reservations,
		recorder:     recorder,
		now:          time.Now,
	}
}

// Run executes one guarded call. Business denials (rate limited, insufficient
// credits, blocked account) come back as a non-success Outcome with a nil
// error; a non-nil error means infrastructure failed and the caller should
// inspect Outcome for how far the call got.
func (g *Guard) Run(ctx context.Context, req Request, call CallFunc) (*Outcome, error) {
	out := &Outcome{}

	if g.limiter != nil && req.Action != "" {
		out.Decision = g.limiter.CheckAndIncrement(ctx, req.UserID, req.Action, req.Policy)
		if !out.Decision.Allowed {
			out.RateLimited = true
			out.Result = &ledger.Result{
				Success: false,
				Message: fmt.Sprintf("rate limit exceeded; retry in %s", out.Decision.RetryAfter),
			}
			return out, nil
		}
	}

	hold := ledger.CreditsForTokens(req.EstimatedTokens)
	out.ReservationID = reservation.NewID()

	res, err := g.reservations.Reserve(ctx, req.UserID, hold, req.Operation, out.ReservationID)
	if err != nil {
		return out, err
	}
	if !res.Success {
		out.Result = res
		return out, nil
	}

	// The hold is live from here. resolved guards against double settlement;
	// the deferred release covers panics out of the call.
	resolved := false
	defer func() {
		if !resolved {
			g.release(req, out.ReservationID, "call aborted")
		}
	}()

	start := g.now()
	callUsage, callErr := g.runCall(ctx, call)
	out.LatencyMs = g.now().Sub(start).Milliseconds()
	out.Usage = callUsage

	if callErr != nil {
		out.CallErr = callErr
		resolved = true
		// Release on a detached context so a cancelled request still gives
		// the hold back.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		out.Result, err = g.reservations.Release(relCtx, req.UserID, out.ReservationID, "call failed")
		g.record(req, out, false, callErr.Error())
		if err != nil {
			return out, err
		}
		return out, nil
	}

	meta := &ledger.ChatUsageMetadata{
		Model:         req.Model,
		RequestID:     req.RequestID,
		ReservationID: out.ReservationID,
	}
	resolved = true
	out.Result, err = g.reservations.Confirm(ctx, req.UserID, out.ReservationID, callUsage.total(), req.Operation, meta)
	if err != nil {
		// Confirm already attempted its own compensating release; the call
		// was served either way.
		g.record(req, out, false, err.Error())
		return out, err
	}

	g.record(req, out, true, "")
	return out, nil
}

// runCall invokes the metered call, converting a panic into an error so the
// hold is still released.
func (g *Guard) runCall(ctx context.Context, call CallFunc) (u *Usage, err error) {
	defer func() {
		if r := recover(); r != nil {
			u = nil
			err = fmt.Errorf("metered call panicked: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return call(ctx)
}

// release is the abandon path; it runs on a fresh context so a cancelled
// request still gives the hold back.
func (g *Guard) release(req Request, reservationID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = g.reservations.Release(ctx, req.UserID, reservationID, reason)
}

func (g *Guard) record(req Request, out *Outcome, success bool, callErr string) {
	if g.recorder == nil {
		return
	}
	ev := usage.Event{
		UserID:        req.UserID,
		ReservationID: out.ReservationID,
		Operation:     req.Operation,
		Model:         req.Model,
		LatencyMs:     out.LatencyMs,
		Success:       success,
		Error:         callErr,
		Timestamp:     g.now().UTC(),
	}
	if out.Usage != nil {
		ev.PromptTokens = out.Usage.PromptTokens
		ev.CompletionTokens = out.Usage.CompletionTokens
	}
	if success && out.Result != nil {
		ev.CreditsCharged = out.Result.CreditsDeducted
	}
	g.recorder.Record(ev)
}
