package ratelimit

import "time"

// Policy binds a counter to its limit: MaxRequests per fixed Window. The
// policy is supplied by the caller on every check, so different actions can
// carry different limits without any configuration in this package.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// Counter is the persisted fixed-window state for one (user, action) pair.
type Counter struct {
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Count     int       `json:"count"`
	ResetTime time.Time `json:"reset_time"`
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// FailedOpen marks a decision produced while the counter store was
	// unavailable: the request is allowed but nothing was counted.
	FailedOpen bool `json:"failed_open,omitempty"`
}

// advance applies one request to the window state. c may be nil (no counter
// yet); the returned counter is the state to persist. Pure so the window
// semantics are testable with a fake clock.
func advance(c *Counter, userID, action string, now time.Time, p Policy) (Decision, Counter) {
	if c == nil || now.After(c.ResetTime) {
		fresh := Counter{
			UserID:    userID,
			Action:    action,
			Count:     1,
			ResetTime: now.Add(p.Window),
		}
		return Decision{
			Allowed:   true,
			Remaining: p.MaxRequests - 1,
			ResetAt:   fresh.ResetTime,
		}, fresh
	}

	if c.Count >= p.MaxRequests {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    c.ResetTime,
			RetryAfter: retryAfter(c.ResetTime, now),
		}, *c
	}

	next := *c
	next.Count++
	return Decision{
		Allowed:   true,
		Remaining: p.MaxRequests - next.Count,
		ResetAt:   next.ResetTime,
	}, next
}

// peek projects the current window state without consuming a request.
func peek(c *Counter, now time.Time, p Policy) Decision {
	if c == nil || now.After(c.ResetTime) {
		return Decision{Allowed: true, Remaining: p.MaxRequests}
	}
	remaining := p.MaxRequests - c.Count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Allowed: remaining > 0, Remaining: remaining, ResetAt: c.ResetTime}
	if !d.Allowed {
		d.RetryAfter = retryAfter(c.ResetTime, now)
	}
	return d
}

// retryAfter rounds the wait up to whole seconds, minimum one.
func retryAfter(resetTime, now time.Time) time.Duration {
	d := resetTime.Sub(now)
	if d <= 0 {
		return time.Second
	}
	rounded := d.Truncate(time.Second)
	if rounded < d {
		rounded += time.Second
	}
	return rounded
}
