package meter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/ratelimit"
	"github.com/tallyhq/tally/internal/usage"
)

// fakeReserver tracks holds and settlements in memory.
type fakeReserver struct {
	mu sync.Mutex

	reserveResult *ledger.Result
	reserveErr    error
	confirmErr    error
	releaseErr    error

	reserves []string // reservation ids in reserve order
	confirms []string
	releases []string
	reasons  []string
}

func (f *fakeReserver) Reserve(ctx context.Context, userID string, amount int64, operation, reservationID string) (*ledger.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	if f.reserveResult != nil {
		return f.reserveResult, nil
	}
	f.reserves = append(f.reserves, reservationID)
	return &ledger.Result{Success: true}, nil
}

func (f *fakeReserver) Confirm(ctx context.Context, userID, reservationID string, actualTokens int64, operation string, meta *ledger.ChatUsageMetadata) (*ledger.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	f.confirms = append(f.confirms, reservationID)
	return &ledger.Result{
		Success:          true,
		RemainingCredits: 97,
		CreditsDeducted:  ledger.CreditsForTokens(actualTokens),
	}, nil
}

func (f *fakeReserver) Release(ctx context.Context, userID, reservationID, reason string) (*ledger.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return nil, f.releaseErr
	}
	f.releases = append(f.releases, reservationID)
	f.reasons = append(f.reasons, reason)
	return &ledger.Result{Success: true, RemainingCredits: 100}, nil
}

func (f *fakeReserver) resolved(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.confirms {
		if c == id {
			n++
		}
	}
	for _, r := range f.releases {
		if r == id {
			n++
		}
	}
	return n
}

// fakeLimiter allows a fixed number of calls.
type fakeLimiter struct {
	remaining int
}

func (f *fakeLimiter) CheckAndIncrement(ctx context.Context, userID, action string, p ratelimit.Policy) ratelimit.Decision {
	if f.remaining <= 0 {
		return ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second}
	}
	f.remaining--
	return ratelimit.Decision{Allowed: true, Remaining: f.remaining}
}

// fakeRecorder captures recorded events.
type fakeRecorder struct {
	mu     sync.Mutex
	events []usage.Event
}

func (f *fakeRecorder) Record(ev usage.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func chatRequest() Request {
	return Request{
		UserID:          "user-1",
		Action:          "chat",
		Operation:       ledger.OpChat,
		Model:           "large",
		RequestID:       "req-1",
		EstimatedTokens: 20000,
		Policy:          ratelimit.Policy{MaxRequests: 5, Window: time.Minute},
	}
}

func TestGuardConfirmsOnSuccess(t *testing.T) {
	fr := &fakeReserver{}
	rec := &fakeRecorder{}
	g := NewGuard(&fakeLimiter{remaining: 5}, fr, rec)

	out, err := g.Run(context.Background(), chatRequest(), func(ctx context.Context) (*Usage, error) {
		return &Usage{PromptTokens: 800, CompletionTokens: 2200}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Result.Success {
		t.Fatalf("expected success, got %+v", out.Result)
	}
	if out.Result.CreditsDeducted != 3 {
		t.Errorf("expected 3 credits for 3000 tokens, got %d", out.Result.CreditsDeducted)
	}
	if got := fr.resolved(out.ReservationID); got != 1 {
		t.Errorf("expected exactly one resolution, got %d", got)
	}
	if len(fr.releases) != 0 {
		t.Errorf("expected no release on success, got %v", fr.releases)
	}
	if len(rec.events) != 1 || !rec.events[0].Success || rec.events[0].CreditsCharged != 3 {
		t.Errorf("unexpected usage events: %+v", rec.events)
	}
}

func TestGuardReleasesOnCallError(t *testing.T) {
	fr := &fakeReserver{}
	rec := &fakeRecorder{}
	g := NewGuard(nil, fr, rec)

	out, err := g.Run(context.Background(), chatRequest(), func(ctx context.Context) (*Usage, error) {
		return nil, errors.New("upstream timeout")
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.CallErr == nil {
		t.Fatal("expected CallErr to be set")
	}
	if len(fr.confirms) != 0 {
		t.Errorf("expected no confirm, got %v", fr.confirms)
	}
	if got := fr.resolved(out.ReservationID); got != 1 {
		t.Errorf("expected exactly one resolution, got %d", got)
	}
	if len(rec.events) != 1 || rec.events[0].Success {
		t.Errorf("expected one failed usage event, got %+v", rec.events)
	}
}

func TestGuardReleasesOnPanic(t *testing.T) {
	fr := &fakeReserver{}
	g := NewGuard(nil, fr, nil)

	out, err := g.Run(context.Background(), chatRequest(), func(ctx context.Context) (*Usage, error) {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.CallErr == nil || !strings.Contains(out.CallErr.Error(), "panicked") {
		t.Fatalf("expected panic converted to CallErr, got %v", out.CallErr)
	}
	if got := fr.resolved(out.ReservationID); got != 1 {
		t.Errorf("expected exactly one resolution, got %d", got)
	}
}

func TestGuardReleasesOnCancelledContext(t *testing.T) {
	fr := &fakeReserver{}
	g := NewGuard(nil, fr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	out, err := g.Run(ctx, chatRequest(), func(ctx context.Context) (*Usage, error) {
		called = true
		return &Usage{}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if called {
		t.Error("expected metered call to be skipped on dead context")
	}
	if !errors.Is(out.CallErr, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", out.CallErr)
	}
	if got := fr.resolved(out.ReservationID); got != 1 {
		t.Errorf("expected exactly one resolution, got %d", got)
	}
}

func TestGuardRateLimitedSkipsReserve(t *testing.T) {
	fr := &fakeReserver{}
	g := NewGuard(&fakeLimiter{remaining: 0}, fr, nil)

	out, err := g.Run(context.Background(), chatRequest(), func(ctx context.Context) (*Usage, error) {
		t.Fatal("metered call must not run when rate limited")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.RateLimited || out.Result.Success {
		t.Fatalf("expected rate limited denial, got %+v", out)
	}
	if len(fr.reserves) != 0 {
		t.Errorf("expected no reserve, got %v", fr.reserves)
	}
}

func TestGuardInsufficientCreditsIsDenial(t *testing.T) {
	fr := &fakeReserver{
		reserveResult: &ledger.Result{Success: false, Message: "insufficient credits: 1 available, 20 required"},
	}
	g := NewGuard(nil, fr, nil)

	out, err := g.Run(context.Background(), chatRequest(), func(ctx context.Context) (*Usage, error) {
		t.Fatal("metered call must not run without a hold")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.Success {
		t.Fatalf("expected denial, got %+v", out.Result)
	}
}

func TestGuardConfirmFaultSurfacesError(t *testing.T) {
	confirmErr := &ledger.ConfirmationFailedError{
		UserID:        "user-1",
		ReservationID: "resv_x",
		Released:      true,
		Err:           errors.New("db down"),
	}
	fr := &fakeReserver{confirmErr: confirmErr}
	rec := &fakeRecorder{}
	g := NewGuard(nil, fr, rec)

	out, err := g.Run(context.Background(), chatRequest(), func(ctx context.Context) (*Usage, error) {
		return &Usage{PromptTokens: 100, CompletionTokens: 100}, nil
	})
	var cfe *ledger.ConfirmationFailedError
	if !errors.As(err, &cfe) {
		t.Fatalf("expected ConfirmationFailedError, got %v", err)
	}
	// Confirm owns its compensating release; the guard must not pile a
	// second release on top.
	if len(fr.releases) != 0 {
		t.Errorf("expected no extra release, got %v", fr.releases)
	}
	if len(rec.events) != 1 || rec.events[0].Success {
		t.Errorf("expected one failed usage event, got %+v", rec.events)
	}
	if out.Usage == nil {
		t.Error("expected usage to be reported even on settlement failure")
	}
}

func TestGuardReservationIDsAreUnique(t *testing.T) {
	fr := &fakeReserver{}
	g := NewGuard(nil, fr, nil)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		out, err := g.Run(context.Background(), chatRequest(), func(ctx context.Context) (*Usage, error) {
			return &Usage{PromptTokens: 1}, nil
		})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if seen[out.ReservationID] {
			t.Fatalf("duplicate reservation id %s", out.ReservationID)
		}
		seen[out.ReservationID] = true
	}
}
