package usage

import (
	"math/rand/v2"
	"sync"
)

// Rand is the entropy source for the estimation draw. Tests substitute a
// fixed sequence.
type Rand interface {
	Float64() float64
}

// Scenario is one weighted row of the cache split estimation table.
// Fractions apply to the reported input token total and must sum to at
// most one; the remainder stays non-cached input.
type Scenario struct {
	Weight           float64
	CreationFraction float64
	ReadFraction     float64
	CacheTTL         string
}

// DefaultScenarios models a typical prompt-caching mix for a reused
// session: mostly large cache reads with a small refresh write, sometimes
// a full rewrite, occasionally no cache activity at all.
func DefaultScenarios() []Scenario {
	return []Scenario{
		{Weight: 0.6, CreationFraction: 0.05, ReadFraction: 0.80, CacheTTL: "5m"},
		{Weight: 0.2, CreationFraction: 0.70, ReadFraction: 0.10, CacheTTL: "5m"},
		{Weight: 0.1, CreationFraction: 0.20, ReadFraction: 0.50, CacheTTL: "1h"},
		{Weight: 0.1, CreationFraction: 0, ReadFraction: 0},
	}
}

// Normalizer maps provider usage into canonical Metrics and, when enabled,
// substitutes an estimated cache split for providers that never report one.
// The estimate is a billing approximation, never an override of real data.
type Normalizer struct {
	enabled     bool
	scenarios   []Scenario
	totalWeight float64

	mu  sync.Mutex
	rng Rand
}

// NewNormalizer creates a normalizer. A nil rng uses the global PRNG; empty
// scenarios fall back to DefaultScenarios when estimation is enabled.
func NewNormalizer(enabled bool, scenarios []Scenario, rng Rand) *Normalizer {
	if enabled && len(scenarios) == 0 {
		scenarios = DefaultScenarios()
	}
	var total float64
	for _, s := range scenarios {
		total += s.Weight
	}
	if rng == nil {
		rng = globalRand{}
	}
	return &Normalizer{
		enabled:     enabled,
		scenarios:   scenarios,
		totalWeight: total,
		rng:         rng,
	}
}

// Normalize produces the canonical metrics for one response.
//
// estimateProvider marks a provider known not to report cache statistics;
// sessionReused is true when the request rode an existing affinity record.
// Estimation activates only when all of: estimation is enabled, the
// provider is flagged, the upstream omitted or zeroed the cache fields, and
// the session was reused. The token total is preserved exactly: the two
// cache counters are carved out of the reported input count.
func (n *Normalizer) Normalize(raw Metrics, estimateProvider, sessionReused bool) Metrics {
	if raw.HasCacheData() {
		return raw
	}
	if !n.enabled || !estimateProvider || !sessionReused {
		return raw
	}
	if raw.InputTokens <= 0 || n.totalWeight <= 0 {
		return raw
	}

	s := n.draw()
	creation := int64(float64(raw.InputTokens) * s.CreationFraction)
	read := int64(float64(raw.InputTokens) * s.ReadFraction)
	if creation+read > raw.InputTokens {
		read = raw.InputTokens - creation
	}

	out := raw
	out.InputTokens = raw.InputTokens - creation - read
	out.CacheCreationInputTokens = creation
	out.CacheReadInputTokens = read
	if creation > 0 || read > 0 {
		out.CacheTTL = s.CacheTTL
	}
	return out
}

func (n *Normalizer) draw() Scenario {
	n.mu.Lock()
	r := n.rng.Float64() * n.totalWeight
	n.mu.Unlock()

	for _, s := range n.scenarios {
		r -= s.Weight
		if r < 0 {
			return s
		}
	}
	return n.scenarios[len(n.scenarios)-1]
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
