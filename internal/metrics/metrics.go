package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the tally service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ledger metrics.
	CreditsDeductedTotal   *prometheus.CounterVec
	CreditsGrantedTotal    *prometheus.CounterVec
	InsufficientTotal      prometheus.Counter
	BlockedAccountTotal    prometheus.Counter
	CacheLookupsTotal      *prometheus.CounterVec

	// Reservation metrics.
	ReservationsTotal        *prometheus.CounterVec
	ReservationDebtTotal     prometheus.Counter
	ConfirmationFailuresTotal prometheus.Counter

	// Rate limiting metrics.
	RateLimitRejectionsTotal *prometheus.CounterVec
	RateLimitFailOpenTotal   prometheus.Counter
	RateLimitSweptTotal      prometheus.Counter

	// Usage recorder metrics.
	RecorderFlushesTotal *prometheus.CounterVec
	RecorderEventsTotal  prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tally_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		CreditsDeductedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_credits_deducted_total",
			Help: "Total credits deducted, by operation.",
		}, []string{"operation"}),

		CreditsGrantedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_credits_granted_total",
			Help: "Total credits granted, by operation.",
		}, []string{"operation"}),

		InsufficientTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_insufficient_credits_total",
			Help: "Total number of spends denied for insufficient credits.",
		}),

		BlockedAccountTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_blocked_account_denials_total",
			Help: "Total number of spends denied on blocked accounts.",
		}),

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_balance_cache_lookups_total",
			Help: "Balance cache lookups by outcome (hit, miss).",
		}, []string{"outcome"}),

		ReservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_reservations_total",
			Help: "Reservations by how they resolved (confirmed, released, denied).",
		}, []string{"resolution"}),

		ReservationDebtTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_reservation_uncovered_debt_total",
			Help: "Total credits of overrun that could not be covered at settlement.",
		}),

		ConfirmationFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_confirmation_failures_total",
			Help: "Total settlement writes that failed after the metered call succeeded.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"action"}),

		RateLimitFailOpenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_ratelimit_fail_open_total",
			Help: "Total number of requests allowed because the counter store failed.",
		}),

		RateLimitSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_ratelimit_swept_counters_total",
			Help: "Total number of expired rate limit counters removed.",
		}),

		RecorderFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_usage_flushes_total",
			Help: "Total number of usage recorder flushes.",
		}, []string{"status"}),

		RecorderEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_usage_events_total",
			Help: "Total number of usage events recorded.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	// Register all metrics.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CreditsDeductedTotal,
		m.CreditsGrantedTotal,
		m.InsufficientTotal,
		m.BlockedAccountTotal,
		m.CacheLookupsTotal,
		m.ReservationsTotal,
		m.ReservationDebtTotal,
		m.ConfirmationFailuresTotal,
		m.RateLimitRejectionsTotal,
		m.RateLimitFailOpenTotal,
		m.RateLimitSweptTotal,
		m.RecorderFlushesTotal,
		m.RecorderEventsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	// Set server start time.
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// IncHTTPRequest increments the HTTP request counter.
func (m *Metrics) IncHTTPRequest(kind, method, pathPattern string, statusCode int) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pathPattern, fmt.Sprintf("%d", statusCode)).Inc()
}

// ObserveHTTPDuration records an HTTP request duration.
func (m *Metrics) ObserveHTTPDuration(kind, method, pathPattern string, seconds float64) {
	m.HTTPRequestDuration.WithLabelValues(kind, method, pathPattern).Observe(seconds)
}

// AddCreditsDeducted records credits charged for an operation.
func (m *Metrics) AddCreditsDeducted(operation string, credits int64) {
	m.CreditsDeductedTotal.WithLabelValues(operation).Add(float64(credits))
}

// AddCreditsGranted records credits added for an operation.
func (m *Metrics) AddCreditsGranted(operation string, credits int64) {
	m.CreditsGrantedTotal.WithLabelValues(operation).Add(float64(credits))
}

// IncReservation records how one reservation resolved.
func (m *Metrics) IncReservation(resolution string) {
	m.ReservationsTotal.WithLabelValues(resolution).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(action string) {
	m.RateLimitRejectionsTotal.WithLabelValues(action).Inc()
}

// ObserveCacheLookup records a balance cache hit or miss.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveUsageFlush records one usage recorder flush attempt. Events are
// only counted as recorded when the flush succeeded.
func (m *Metrics) ObserveUsageFlush(count int, err error) {
	if err != nil {
		m.RecorderFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	m.RecorderFlushesTotal.WithLabelValues("ok").Inc()
	m.RecorderEventsTotal.Add(float64(count))
}
