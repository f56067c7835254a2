package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/auth"
)

func middlewareRequest(client *auth.Client) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/credits/deduct", nil)
	if client != nil {
		req = req.WithContext(auth.ContextWithClient(req.Context(), client))
	}
	return req
}

func TestMiddlewareEnforcesLimit(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter, _ := newTestLimiter(clock)
	policy := Policy{MaxRequests: 2, Window: time.Minute}

	rejected := 0
	handler := Middleware(limiter, "deduct", policy, func() { rejected++ })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	client := &auth.Client{ID: "c1", UserID: "user-1"}

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, middlewareRequest(client))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, middlewareRequest(client))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rejected != 1 {
		t.Errorf("expected 1 rejection callback, got %d", rejected)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected remaining 0, got %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestMiddlewareClientOverrideRaisesCap(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter, _ := newTestLimiter(clock)
	policy := Policy{MaxRequests: 1, Window: time.Minute}

	handler := Middleware(limiter, "deduct", policy)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	client := &auth.Client{ID: "c1", UserID: "user-1", RateLimit: 3}

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, middlewareRequest(client))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 with override, got %d", i+1, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, middlewareRequest(client))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after override cap, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "3" {
		t.Errorf("expected limit header 3, got %q", rr.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMiddlewareSkipsWithoutClient(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter, store := newTestLimiter(clock)
	policy := Policy{MaxRequests: 1, Window: time.Minute}

	handler := Middleware(limiter, "deduct", policy)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, middlewareRequest(nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for unauthenticated request, got %d", rr.Code)
	}
	if len(store.counters) != 0 {
		t.Errorf("expected no counters consumed, got %d", len(store.counters))
	}
}
