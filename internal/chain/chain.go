// Package chain builds the ordered provider attempt list for one request
// and records why excluded candidates were filtered. The decision is taken
// once per request; the forwarder never re-evaluates filters mid-chain, so
// the decision log always matches the attempts actually made.
package chain

import (
	"github.com/modelrelay/modelrelay/internal/breaker"
	"github.com/modelrelay/modelrelay/internal/provider"
)

// FilterReason says why a candidate was excluded from the chain.
type FilterReason string

const (
	// ReasonCircuitOpen excludes a provider whose circuit is open (or
	// whose probe slot is already taken).
	ReasonCircuitOpen FilterReason = "circuit_open"
	// ReasonRateLimited excludes a provider the acting key may not call
	// under its RPM or daily-cost ceilings.
	ReasonRateLimited FilterReason = "rate_limited"
	// ReasonTagMismatch excludes a provider missing a required tag.
	ReasonTagMismatch FilterReason = "tag_mismatch"
)

// FilteredProvider is one decision-context entry, serialized in the exact
// shape the audit timeline consumes.
type FilteredProvider struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Reason  FilterReason `json:"reason"`
	Details string       `json:"details,omitempty"`
}

// DecisionContext records the filter pass for one request.
type DecisionContext struct {
	FilteredProviders []FilteredProvider `json:"filteredProviders"`
}

// Reasons returns the set of distinct filter reasons present.
func (d *DecisionContext) Reasons() map[FilterReason]int {
	out := make(map[FilterReason]int)
	for _, fp := range d.FilteredProviders {
		out[fp.Reason]++
	}
	return out
}

// Entry is one chain position the forwarder will attempt in order.
type Entry struct {
	Provider provider.Provider
	// Breaker is the provider's circuit, for outcome recording.
	Breaker *breaker.Breaker
	// Probe marks an entry admitted through a half-open circuit. Its
	// probe slot must be released if the attempt never runs.
	Probe bool
}

// Attempt outcomes recorded in the audit log.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Item is the append-only audit record for one attempted chain entry.
type Item struct {
	ProviderID      string           `json:"providerId"`
	ProviderName    string           `json:"providerName"`
	Outcome         string           `json:"outcome"`
	DurationMS      int64            `json:"durationMs"`
	DecisionContext *DecisionContext `json:"decisionContext,omitempty"`
}
