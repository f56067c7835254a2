package metrics

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
)

func TestSummaryReflectsCounters(t *testing.T) {
	m := New()

	m.IncHTTPRequest("api", "GET", "/api/v1/credits/balance", 200)
	m.IncHTTPRequest("api", "POST", "/api/v1/credits/deduct", 402)
	m.ObserveHTTPDuration("api", "GET", "/api/v1/credits/balance", 0.012)

	m.AddCreditsDeducted("chat", 12)
	m.AddCreditsGranted("grant", 500)
	m.InsufficientTotal.Inc()
	m.BlockedAccountTotal.Inc()
	m.ObserveCacheLookup(true)
	m.ObserveCacheLookup(false)
	m.ObserveCacheLookup(false)

	m.IncReservation("confirmed")
	m.IncReservation("confirmed")
	m.IncReservation("released")
	m.IncReservation("denied")
	m.ReservationDebtTotal.Add(7)
	m.ConfirmationFailuresTotal.Inc()

	m.IncRateLimitRejection("api")
	m.RateLimitFailOpenTotal.Inc()
	m.RateLimitSweptTotal.Add(4)

	m.ObserveUsageFlush(3, nil)
	m.ObserveUsageFlush(2, errors.New("db down"))

	m.IncAuthSuccess("api_key")
	m.IncAuthFailure("api_key")
	m.IncAuthFailure("admin_key")

	rr := httptest.NewRecorder()
	m.Handler()(rr, httptest.NewRequest("GET", "/metrics/summary", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var s Summary
	if err := json.NewDecoder(rr.Body).Decode(&s); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}

	if s.HTTP.TotalRequests != 2 {
		t.Errorf("expected 2 requests, got %v", s.HTTP.TotalRequests)
	}
	if s.HTTP.ErrorRate != 0.5 {
		t.Errorf("expected error rate 0.5, got %v", s.HTTP.ErrorRate)
	}

	if s.Ledger.CreditsDeducted != 12 || s.Ledger.CreditsGranted != 500 {
		t.Errorf("unexpected ledger totals: %+v", s.Ledger)
	}
	if s.Ledger.InsufficientDenials != 1 || s.Ledger.BlockedDenials != 1 {
		t.Errorf("unexpected denial counts: %+v", s.Ledger)
	}
	if s.Ledger.CacheHits != 1 || s.Ledger.CacheMisses != 2 {
		t.Errorf("unexpected cache counts: %+v", s.Ledger)
	}

	if s.Reservations.Confirmed != 2 || s.Reservations.Released != 1 || s.Reservations.Denied != 1 {
		t.Errorf("unexpected reservation resolutions: %+v", s.Reservations)
	}
	if s.Reservations.UncoveredDebt != 7 || s.Reservations.ConfirmationFailures != 1 {
		t.Errorf("unexpected reservation failure totals: %+v", s.Reservations)
	}

	if s.RateLimit.Rejections != 1 || s.RateLimit.FailOpen != 1 || s.RateLimit.Swept != 4 {
		t.Errorf("unexpected rate limit totals: %+v", s.RateLimit)
	}

	if s.Usage.TotalFlushes != 2 || s.Usage.FlushErrors != 1 {
		t.Errorf("unexpected flush totals: %+v", s.Usage)
	}
	if s.Usage.Events != 3 {
		t.Errorf("failed flush must not count events, got %v", s.Usage.Events)
	}

	if s.Auth.Successes != 1 || s.Auth.Failures != 2 {
		t.Errorf("unexpected auth totals: %+v", s.Auth)
	}

	if s.Server.StartTime == 0 {
		t.Error("expected server start time to be set")
	}
}

func TestSummaryEmptyRegistry(t *testing.T) {
	m := New()

	rr := httptest.NewRecorder()
	m.Handler()(rr, httptest.NewRequest("GET", "/metrics/summary", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var s Summary
	if err := json.NewDecoder(rr.Body).Decode(&s); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if s.HTTP.TotalRequests != 0 || s.HTTP.ErrorRate != 0 {
		t.Errorf("expected zeroed HTTP summary, got %+v", s.HTTP)
	}
	if s.Mode != "live" {
		t.Errorf("expected mode live, got %q", s.Mode)
	}
}
