package usage

import "time"

// Event is one metered call record in the analytics log. It is written after
// settlement, outside the ledger transaction, and is deliberately
// non-authoritative: the credit_transactions table is the audit record,
// events exist for reporting.
type Event struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	ReservationID    string    `json:"reservation_id,omitempty"`
	Operation        string    `json:"operation"`
	Model            string    `json:"model,omitempty"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CreditsCharged   int64     `json:"credits_charged"`
	LatencyMs        int64     `json:"latency_ms"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Summary holds aggregate metrics for a set of events.
type Summary struct {
	TotalCalls     int64   `json:"total_calls"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCredits   int64   `json:"total_credits"`
	SuccessCount   int64   `json:"success_count"`
	ErrorCount     int64   `json:"error_count"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// Query defines filters for event and summary lookups. Cursor is an opaque
// pagination token returned by ListEvents.
type Query struct {
	UserID string    `json:"user_id,omitempty"`
	Model  string    `json:"model,omitempty"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Limit  int       `json:"limit"`
	Cursor string    `json:"cursor,omitempty"`
}
