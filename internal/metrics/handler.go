package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics endpoint.
type Summary struct {
	Mode         string           `json:"mode"`
	HTTP         httpSummary      `json:"http"`
	Ledger       ledgerInfo       `json:"ledger"`
	Reservations reservationInfo  `json:"reservations"`
	RateLimit    rateLimitInfo    `json:"rateLimit"`
	Usage        usageInfo        `json:"usage"`
	Auth         authInfo         `json:"auth"`
	DB           dbInfo           `json:"db"`
	Server       serverInfo       `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type ledgerInfo struct {
	CreditsDeducted    float64 `json:"creditsDeducted"`
	CreditsGranted     float64 `json:"creditsGranted"`
	InsufficientDenials float64 `json:"insufficientDenials"`
	BlockedDenials     float64 `json:"blockedDenials"`
	CacheHits          float64 `json:"cacheHits"`
	CacheMisses        float64 `json:"cacheMisses"`
}

type reservationInfo struct {
	Confirmed            float64 `json:"confirmed"`
	Released             float64 `json:"released"`
	Denied               float64 `json:"denied"`
	UncoveredDebt        float64 `json:"uncoveredDebt"`
	ConfirmationFailures float64 `json:"confirmationFailures"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
	FailOpen   float64 `json:"failOpen"`
	Swept      float64 `json:"swept"`
}

type usageInfo struct {
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Events       float64 `json:"events"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
	MaxConns      float64 `json:"maxConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	summary := Summary{
		Mode: "live",
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["tally_http_requests_total"]),
			ErrorRate:     computeErrorRate(fam["tally_http_requests_total"]),
			P50Latency:    histogramPercentile(fam["tally_http_request_duration_seconds"], 0.50),
			P95Latency:    histogramPercentile(fam["tally_http_request_duration_seconds"], 0.95),
			P99Latency:    histogramPercentile(fam["tally_http_request_duration_seconds"], 0.99),
		},
		Ledger: ledgerInfo{
			CreditsDeducted:    sumCounter(fam["tally_credits_deducted_total"]),
			CreditsGranted:     sumCounter(fam["tally_credits_granted_total"]),
			InsufficientDenials: counterValue(fam["tally_insufficient_credits_total"]),
			BlockedDenials:     counterValue(fam["tally_blocked_account_denials_total"]),
			CacheHits:          counterWithLabel(fam["tally_balance_cache_lookups_total"], "outcome", "hit"),
			CacheMisses:        counterWithLabel(fam["tally_balance_cache_lookups_total"], "outcome", "miss"),
		},
		Reservations: reservationInfo{
			Confirmed:            counterWithLabel(fam["tally_reservations_total"], "resolution", "confirmed"),
			Released:             counterWithLabel(fam["tally_reservations_total"], "resolution", "released"),
			Denied:               counterWithLabel(fam["tally_reservations_total"], "resolution", "denied"),
			UncoveredDebt:        counterValue(fam["tally_reservation_uncovered_debt_total"]),
			ConfirmationFailures: counterValue(fam["tally_confirmation_failures_total"]),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["tally_ratelimit_rejections_total"]),
			FailOpen:   counterValue(fam["tally_ratelimit_fail_open_total"]),
			Swept:      counterValue(fam["tally_ratelimit_swept_counters_total"]),
		},
		Usage: usageInfo{
			TotalFlushes: sumCounter(fam["tally_usage_flushes_total"]),
			FlushErrors:  counterWithLabel(fam["tally_usage_flushes_total"], "status", "error"),
			Events:       counterValue(fam["tally_usage_events_total"]),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["tally_auth_failures_total"]),
			Successes: sumCounter(fam["tally_auth_successes_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["tally_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["tally_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["tally_db_pool_acquired_conns"]),
			MaxConns:      gaugeValue(fam["tally_db_pool_max_conns"]),
		},
		Server: serverInfo{
			StartTime:     gaugeValue(fam["tally_server_start_time_seconds"]),
			UptimeSeconds: float64(time.Now().Unix()) - gaugeValue(fam["tally_server_start_time_seconds"]),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

func counterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName && lp.GetValue() == labelValue {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func computeErrorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	// Aggregate all histogram metrics in the family.
	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			// Linear interpolation within this bucket.
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// If we didn't find it, return the last finite bucket upper bound.
	if len(buckets) > 0 {
		for i := len(buckets) - 1; i >= 0; i-- {
			if !math.IsInf(buckets[i].upperBound, 1) {
				return buckets[i].upperBound
			}
		}
	}
	return 0
}
