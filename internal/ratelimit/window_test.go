package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAdvanceFixedWindow(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	p := Policy{MaxRequests: 5, Window: time.Minute}

	var c *Counter
	wantRemaining := []int{4, 3, 2, 1, 0}
	for i, want := range wantRemaining {
		d, next := advance(c, "u1", "chat", clock.Now(), p)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Remaining != want {
			t.Errorf("request %d remaining = %d, want %d", i+1, d.Remaining, want)
		}
		c = &next
	}

	// Sixth request in the same window is denied.
	d, next := advance(c, "u1", "chat", clock.Now(), p)
	if d.Allowed {
		t.Fatal("6th request should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("denied remaining = %d, want 0", d.Remaining)
	}
	if d.RetryAfter <= 0 {
		t.Error("denial must carry a retry-after hint")
	}
	if next.Count != 5 {
		t.Errorf("denial incremented count to %d", next.Count)
	}
}

func TestAdvanceResetsAfterWindow(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	p := Policy{MaxRequests: 2, Window: time.Minute}

	var c *Counter
	for i := 0; i < 2; i++ {
		_, next := advance(c, "u1", "chat", clock.Now(), p)
		c = &next
	}
	if d, _ := advance(c, "u1", "chat", clock.Now(), p); d.Allowed {
		t.Fatal("window exhausted, expected denial")
	}

	clock.Advance(time.Minute + time.Second)
	d, next := advance(c, "u1", "chat", clock.Now(), p)
	if !d.Allowed {
		t.Fatal("fresh window should allow")
	}
	if next.Count != 1 {
		t.Errorf("fresh window count = %d, want 1", next.Count)
	}
	if !d.ResetAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("reset at %v, want one window from now", d.ResetAt)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Policy{MaxRequests: 3, Window: time.Minute}

	if d := peek(nil, now, p); !d.Allowed || d.Remaining != 3 {
		t.Errorf("peek of absent counter = %+v, want full window", d)
	}

	c := &Counter{UserID: "u1", Action: "chat", Count: 3, ResetTime: now.Add(30 * time.Second)}
	d := peek(c, now, p)
	if d.Allowed || d.Remaining != 0 {
		t.Errorf("peek of exhausted counter = %+v, want denial", d)
	}
	if d.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %v, want 30s", d.RetryAfter)
	}

	// Expired counter peeks as a full window.
	if d := peek(c, now.Add(time.Minute), p); !d.Allowed || d.Remaining != 3 {
		t.Errorf("peek of expired counter = %+v, want full window", d)
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := retryAfter(now.Add(1500*time.Millisecond), now); got != 2*time.Second {
		t.Errorf("retryAfter(1.5s) = %v, want 2s", got)
	}
	if got := retryAfter(now, now); got != time.Second {
		t.Errorf("retryAfter(0) = %v, want the 1s floor", got)
	}
}
