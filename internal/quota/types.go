// Package quota enforces per-key request-rate and daily-cost ceilings
// against a shared store so limits hold across gateway instances.
package quota

import "time"

// Reason explains a deny decision.
type Reason string

const (
	// ReasonRPMExceeded denies because the fixed-minute request counter
	// reached its ceiling.
	ReasonRPMExceeded Reason = "rpm_exceeded"
	// ReasonDailyCostExceeded denies because accumulated cost reached
	// the daily ceiling.
	ReasonDailyCostExceeded Reason = "daily_cost_exceeded"
)

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed   bool
	Reason    Reason
	Remaining int64
	// ResetAt is when the violated window rolls over. Zero when allowed.
	ResetAt time.Time
}

// Limits are the ceilings applied to one scope. Zero means unlimited.
type Limits struct {
	RequestsPerMinute int64
	DailyCostUSD      float64
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason Reason, resetAt time.Time) Decision {
	return Decision{Allowed: false, Reason: reason, ResetAt: resetAt}
}
