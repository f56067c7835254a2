package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tallyhq/tally/internal/auth"
)

// Middleware returns an HTTP middleware that enforces a fixed-window rate
// limit per account for the given action. It expects an authenticated client
// in the request context (set by auth.ClientAuthMiddleware); the client's
// UserID is the window key and a positive RateLimit on the client overrides
// the default policy's request cap.
//
// Rate-limit headers are always set on the response:
//
//	X-RateLimit-Limit     — maximum requests allowed in the window
//	X-RateLimit-Remaining — requests remaining in the current window
//	X-RateLimit-Reset     — Unix timestamp when the window resets
//
// When the limit is exceeded the middleware responds with HTTP 429, a
// Retry-After header, and a JSON error body.
func Middleware(limiter *Limiter, action string, defaultPolicy Policy, onReject ...func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := auth.ClientFromContext(r.Context())
			if client == nil {
				// No client in context — skip rate limiting.
				next.ServeHTTP(w, r)
				return
			}

			policy := defaultPolicy
			if client.RateLimit > 0 {
				policy.MaxRequests = client.RateLimit
			}

			d := limiter.CheckAndIncrement(r.Context(), client.UserID, action, policy)

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", policy.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
			if !d.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))
			}

			if !d.Allowed {
				for _, fn := range onReject {
					fn()
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Rate limit exceeded. Try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
