// Package metrics exposes Prometheus metrics for the relay: request and
// attempt outcomes, circuit state, token usage and spend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/modelrelay/modelrelay/internal/breaker"
)

const namespace = "modelrelay"

// AttemptLatencyBuckets covers upstream attempt durations in seconds; LLM
// completions routinely run into the minutes.
var AttemptLatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600,
}

var (
	// RequestsTotal counts inbound relay requests by final outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound relay requests by model family and outcome",
		},
		[]string{"model_family", "outcome"},
	)

	// AttemptsTotal counts upstream attempts per provider and outcome.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// RequestDuration tracks whole-request latency including failover.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Inbound request duration by model family",
			Buckets:   AttemptLatencyBuckets,
		},
		[]string{"model_family"},
	)

	// AttemptDuration tracks per-attempt upstream latency.
	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Upstream attempt duration by provider",
			Buckets:   AttemptLatencyBuckets,
		},
		[]string{"provider"},
	)

	// FilteredProviders counts chain-builder exclusions by reason.
	FilteredProviders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filtered_providers_total",
			Help:      "Providers excluded from chains by filter reason",
		},
		[]string{"provider", "reason"},
	)

	// CircuitState reports each provider's breaker position
	// (0 closed, 1 open, 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=open, 2=half_open)",
		},
		[]string{"provider"},
	)

	// TokensTotal counts normalized tokens by provider and kind.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Normalized token usage by provider and token kind",
		},
		[]string{"provider", "kind"},
	)

	// CostUSDTotal accumulates estimated spend per provider.
	CostUSDTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD by provider",
		},
		[]string{"provider"},
	)

	// RuleMatchesTotal counts error-rule hits.
	RuleMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_rule_matches_total",
			Help:      "Error detection rule matches by category and match type",
		},
		[]string{"category", "match_type"},
	)
)

// ObserveUsage records the normalized token counters for one response.
func ObserveUsage(providerID string, input, output, cacheCreation, cacheRead int64) {
	TokensTotal.WithLabelValues(providerID, "input").Add(float64(input))
	TokensTotal.WithLabelValues(providerID, "output").Add(float64(output))
	TokensTotal.WithLabelValues(providerID, "cache_creation").Add(float64(cacheCreation))
	TokensTotal.WithLabelValues(providerID, "cache_read").Add(float64(cacheRead))
}

// CircuitMirror exports breaker transitions as the circuit state gauge,
// then forwards to the next mirror when one is configured.
type CircuitMirror struct {
	Next breaker.Mirror
}

// Publish implements breaker.Mirror.
func (m CircuitMirror) Publish(providerID string, state breaker.State) {
	CircuitState.WithLabelValues(providerID).Set(float64(state))
	if m.Next != nil {
		m.Next.Publish(providerID, state)
	}
}
