package reservation

import "time"

// Status is the lifecycle state of a reservation. Transitions are one-way:
// open becomes exactly one of confirmed or released and never reopens.
type Status string

const (
	StatusOpen      Status = "open"
	StatusConfirmed Status = "confirmed"
	StatusReleased  Status = "released"
)

// Record is a provisional hold on credits taken before the true cost of a
// metered call is known. IDs are caller-generated and globally unique per
// attempt so concurrent holds on one account never collide.
type Record struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Amount     int64      `json:"amount"`
	Operation  string     `json:"operation"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ConfirmOutcome describes how a confirmation settled against its hold.
type ConfirmOutcome struct {
	ActualCredits   int64 // credits actually charged
	SurplusReturned int64 // hold excess returned to available
	UncoveredDebt   int64 // overrun the available balance could not cover
	AvailableAfter  int64 // available balance once settled
}
