package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/catalog"
	"github.com/tallyhq/tally/internal/client"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/ratelimit"
	"github.com/tallyhq/tally/internal/reservation"
	"github.com/tallyhq/tally/internal/usage"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Ledger       *ledger.Ledger
	Reservations *reservation.Manager
	Limiter      *ratelimit.Limiter
	Catalog      *catalog.Service
	Clients      *client.Store
	Usage        *usage.Store
	Auth         *auth.Service
	Metrics      *metrics.Metrics
	DBPool       *pgxpool.Pool

	AdminKeyHash    string
	AllowedOrigins  []string
	RatePolicy      ratelimit.Policy
	HistoryLimit    int
	FreeTierCredits int64
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(requestLogger(deps.Metrics))

	// Handlers.
	credits := newCreditsHandler(deps.Ledger, deps.Metrics, deps.HistoryLimit)
	accounts := newAccountsHandler(deps.Ledger, deps.Metrics, deps.FreeTierCredits, deps.HistoryLimit)
	reservations := newReservationsHandler(deps.Reservations, deps.Metrics)
	clients := newClientsHandler(deps.Clients)
	packages := newPackagesHandler(deps.Catalog, deps.Metrics)
	usageH := newUsageHandler(deps.Usage)
	limits := newRateLimitHandler(deps.Limiter, deps.Metrics, deps.RatePolicy)

	// Health check.
	r.Get("/health", healthHandler(deps.DBPool))

	// Well-known manifest.
	r.Get("/.well-known/tally.json", WellKnownHandler)

	// Client-authed routes (require client API key + rate limiting).
	r.Route("/api/v1", func(cr chi.Router) {
		cr.Use(auth.ClientAuthMiddleware(deps.Auth, authObserved(deps.Metrics)))
		cr.Use(ratelimit.Middleware(deps.Limiter, "api", deps.RatePolicy, rateLimitRejected(deps.Metrics)))

		cr.Get("/clients/me", clients.GetSelf)

		cr.Get("/credits/balance", credits.GetBalance)
		cr.Get("/credits/check", credits.CheckCredits)
		cr.Post("/credits/deduct", credits.Deduct)
		cr.Get("/credits/history", credits.GetHistory)

		cr.Post("/reservations", reservations.Reserve)
		cr.Get("/reservations", reservations.ListOpen)
		cr.Get("/reservations/{id}", reservations.GetReservation)
		cr.Post("/reservations/{id}/confirm", reservations.Confirm)
		cr.Post("/reservations/{id}/release", reservations.Release)

		cr.Get("/usage", usageH.GetSummary)
		cr.Get("/usage/events", usageH.ListEvents)

		cr.Get("/packages", packages.ListActive)
		cr.Get("/packages/{id}", packages.GetPackage)

		cr.Get("/ratelimit/status", limits.GetStatus)
	})

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(auth.AdminKeyMiddleware(deps.AdminKeyHash))

		// Account management.
		ar.Post("/accounts", accounts.ProvisionAccount)
		ar.Get("/accounts/{userID}", accounts.GetAccount)
		ar.Post("/accounts/{userID}/grants", accounts.GrantCredits)
		ar.Post("/accounts/{userID}/block", accounts.BlockAccount)
		ar.Post("/accounts/{userID}/unblock", accounts.UnblockAccount)
		ar.Get("/accounts/{userID}/history", accounts.GetHistory)

		// Client management.
		ar.Post("/clients", clients.CreateClient)
		ar.Get("/clients", clients.ListClients)
		ar.Get("/clients/{id}", clients.GetClient)
		ar.Put("/clients/{id}", clients.UpdateClient)
		ar.Delete("/clients/{id}", clients.DeleteClient)

		// Package catalog.
		ar.Post("/packages", packages.CreatePackage)
		ar.Get("/packages", packages.ListAll)
		ar.Put("/packages/{id}", packages.UpdatePackage)
		ar.Delete("/packages/{id}", packages.DeletePackage)
		ar.Post("/purchases", packages.Purchase)

		// Usage queries.
		ar.Get("/usage", usageH.GetSummaryAdmin)
		ar.Get("/usage/events", usageH.ListEventsAdmin)
		ar.Get("/usage/models", usageH.GetModelBreakdown)

		// Rate limit administration.
		ar.Delete("/ratelimit/{userID}/{action}", limits.ResetCounter)
		ar.Post("/ratelimit/sweep", limits.Sweep)

		// Metrics.
		if deps.Metrics != nil {
			ar.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
			ar.Get("/metrics/summary", deps.Metrics.Handler())
		}
	})

	return r
}

// healthHandler reports liveness plus database reachability. A nil pool
// (tests, partial wiring) is treated as connected.
func healthHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		db := "connected"
		status := http.StatusOK
		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				db = "unreachable"
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, map[string]string{"status": statusWord(status), "database": db})
	}
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

// requestLogger logs each request via slog and feeds the HTTP metrics when a
// collector is wired.
func requestLogger(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", elapsed.Milliseconds(),
				"bytes", ww.BytesWritten(),
				"request_id", RequestIDFromContext(r.Context()),
			)

			if m != nil {
				pattern := chi.RouteContext(r.Context()).RoutePattern()
				if pattern == "" {
					pattern = "unmatched"
				}
				m.IncHTTPRequest("api", r.Method, pattern, ww.Status())
				m.ObserveHTTPDuration("api", r.Method, pattern, elapsed.Seconds())
			}
		})
	}
}

// authObserved adapts the auth outcome counters to the auth middleware's
// observer callback.
func authObserved(m *metrics.Metrics) func(bool) {
	return func(success bool) {
		if m == nil {
			return
		}
		if success {
			m.IncAuthSuccess("api_key")
		} else {
			m.IncAuthFailure("api_key")
		}
	}
}

// rateLimitRejected adapts the metrics counter to the rate-limit middleware's
// rejection callback.
func rateLimitRejected(m *metrics.Metrics) func() {
	return func() {
		if m != nil {
			m.IncRateLimitRejection("api")
		}
	}
}
