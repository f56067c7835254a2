package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/ratelimit"
)

// rateLimitHandler exposes rate-limit introspection for clients and counter
// administration for operators.
type rateLimitHandler struct {
	limiter       *ratelimit.Limiter
	metrics       *metrics.Metrics
	defaultPolicy ratelimit.Policy
}

func newRateLimitHandler(limiter *ratelimit.Limiter, m *metrics.Metrics, defaultPolicy ratelimit.Policy) *rateLimitHandler {
	return &rateLimitHandler{limiter: limiter, metrics: m, defaultPolicy: defaultPolicy}
}

// GetStatus reports the caller's current window state for an action without
// consuming a request.
func (h *rateLimitHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	c := auth.ClientFromContext(r.Context())

	action := r.URL.Query().Get("action")
	if action == "" {
		action = "api"
	}

	p := h.defaultPolicy
	if c.RateLimit > 0 {
		p.MaxRequests = c.RateLimit
	}

	d, err := h.limiter.Status(r.Context(), c.UserID, action, p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read rate limit status")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ResetCounter clears a user's window for one action, restoring their full
// allowance immediately.
func (h *rateLimitHandler) ResetCounter(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	action := chi.URLParam(r, "action")

	if err := h.limiter.Reset(r.Context(), userID, action); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to reset rate limit")
		return
	}

	auditLog(r, "ratelimit.reset", "rate_limit_counter", userID+"/"+action)
	w.WriteHeader(http.StatusNoContent)
}

// Sweep deletes all expired counters now instead of waiting for the
// background sweeper.
func (h *rateLimitHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.limiter.SweepExpired(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "sweep failed")
		return
	}

	if h.metrics != nil {
		h.metrics.RateLimitSweptTotal.Add(float64(n))
	}
	auditLog(r, "ratelimit.sweep", "rate_limit_counter", "", "deleted", n)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
