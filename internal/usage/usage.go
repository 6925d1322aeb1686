// Package usage converts provider-native usage payloads into one canonical
// shape and prices them.
package usage

import "strings"

// Metrics is the canonical usage shape every provider response is mapped
// into. InputTokens counts only non-cached input; the upstream-reported
// input total is InputTokens plus both cache counters.
type Metrics struct {
	InputTokens              int64  `json:"input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	CacheCreationInputTokens int64  `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens"`
	CacheTTL                 string `json:"cache_ttl,omitempty"`
}

// TotalInputTokens returns the upstream-reported input total.
func (m Metrics) TotalInputTokens() int64 {
	return m.InputTokens + m.CacheCreationInputTokens + m.CacheReadInputTokens
}

// HasCacheData reports whether the upstream supplied a real cache split.
func (m Metrics) HasCacheData() bool {
	return m.CacheCreationInputTokens > 0 || m.CacheReadInputTokens > 0
}

// Pricing is the per-million-token price card for one model family.
type Pricing struct {
	InputUSD         float64
	OutputUSD        float64
	CacheCreationUSD float64
	CacheReadUSD     float64
}

// Cost prices metrics in USD.
func Cost(m Metrics, p Pricing) float64 {
	const million = 1e6
	return float64(m.InputTokens)*p.InputUSD/million +
		float64(m.OutputTokens)*p.OutputUSD/million +
		float64(m.CacheCreationInputTokens)*p.CacheCreationUSD/million +
		float64(m.CacheReadInputTokens)*p.CacheReadUSD/million
}

// PriceTable maps a model family to its price card.
type PriceTable map[string]Pricing

// Lookup finds the price card for a model, trying the exact model name
// first and then its family.
func (t PriceTable) Lookup(model string) (Pricing, bool) {
	if p, ok := t[model]; ok {
		return p, true
	}
	p, ok := t[Family(model)]
	return p, ok
}

// Family returns the leading alphabetic segment of a model name, so
// "claude-sonnet-4-5" and "claude-opus-4-1" share the family "claude".
func Family(model string) string {
	for i := 0; i < len(model); i++ {
		c := model[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !isAlpha {
			return strings.ToLower(model[:i])
		}
	}
	return strings.ToLower(model)
}
