package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/modelrelay/modelrelay/internal/breaker"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/quota"
	"github.com/modelrelay/modelrelay/internal/session"
)

// Builder assembles provider chains from candidate snapshots.
type Builder struct {
	breakers *breaker.Registry
	enforcer *quota.Enforcer
	logger   *slog.Logger
}

// NewBuilder creates a builder over the shared breaker registry and quota
// enforcer.
func NewBuilder(breakers *breaker.Registry, enforcer *quota.Enforcer, logger *slog.Logger) *Builder {
	return &Builder{breakers: breakers, enforcer: enforcer, logger: logger}
}

// Input carries everything one build needs.
type Input struct {
	Candidates []provider.Provider
	Model      string

	// KeyID/KeyLimits identify the acting API key and its ceilings.
	KeyID     string
	KeyLimits quota.Limits

	// Affinity is the session manager's verdict; a proposed provider is
	// moved to the front unless the filter pass removed it.
	Affinity session.Resolution

	// RequiredTags restricts candidates to providers carrying every tag.
	RequiredTags []string
}

// Build produces the ordered attempt list and the decision context for the
// filter pass. An empty chain means the caller must short-circuit with an
// aggregate error; no upstream call may be attempted.
func (b *Builder) Build(ctx context.Context, in Input) ([]Entry, DecisionContext) {
	candidates := make([]provider.Provider, len(in.Candidates))
	copy(candidates, in.Candidates)

	// Priority ascending; ties by weight descending, then id, so two
	// builds over the same snapshot always agree.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		if candidates[i].Weight != candidates[j].Weight {
			return candidates[i].Weight > candidates[j].Weight
		}
		return candidates[i].ID < candidates[j].ID
	})

	// The key-level ceiling gates every candidate at once.
	keyDecision := quota.Decision{Allowed: true}
	if in.KeyID != "" {
		keyDecision = b.enforcer.Check(ctx, "key:"+in.KeyID, in.KeyLimits)
	}

	var (
		entries []Entry
		dc      DecisionContext
	)
	for _, cand := range candidates {
		if tag, ok := missingTag(&cand, in.RequiredTags); !ok {
			dc.FilteredProviders = append(dc.FilteredProviders, FilteredProvider{
				ID:      cand.ID,
				Name:    cand.Name,
				Reason:  ReasonTagMismatch,
				Details: fmt.Sprintf("missing tag %q", tag),
			})
			continue
		}

		if !keyDecision.Allowed {
			dc.FilteredProviders = append(dc.FilteredProviders, FilteredProvider{
				ID:      cand.ID,
				Name:    cand.Name,
				Reason:  ReasonRateLimited,
				Details: fmt.Sprintf("key %s: %s", in.KeyID, keyDecision.Reason),
			})
			continue
		}

		provLimits := quota.Limits{
			RequestsPerMinute: cand.RateLimit.RequestsPerMinute,
			DailyCostUSD:      cand.RateLimit.DailyCostUSD,
		}
		if d := b.enforcer.Check(ctx, "prov:"+cand.ID, provLimits); !d.Allowed {
			dc.FilteredProviders = append(dc.FilteredProviders, FilteredProvider{
				ID:      cand.ID,
				Name:    cand.Name,
				Reason:  ReasonRateLimited,
				Details: string(d.Reason),
			})
			continue
		}

		cb := b.breakers.Get(cand.ID, breaker.Settings{
			FailureThreshold: cand.Breaker.FailureThreshold,
			ProbeIntervalMin: cand.Breaker.ProbeIntervalMin,
			ProbeIntervalMax: cand.Breaker.ProbeIntervalMax,
		})
		allowed, probe := cb.Allow()
		if !allowed {
			dc.FilteredProviders = append(dc.FilteredProviders, FilteredProvider{
				ID:     cand.ID,
				Name:   cand.Name,
				Reason: ReasonCircuitOpen,
			})
			continue
		}

		entries = append(entries, Entry{Provider: cand, Breaker: cb, Probe: probe})
	}

	// Affinity proposes, health disposes: the sticky provider only moves
	// to the front when it survived filtering.
	if in.Affinity.ReuseProvider {
		for i, e := range entries {
			if e.Provider.ID == in.Affinity.StickyProviderID {
				entry := entries[i]
				copy(entries[1:i+1], entries[:i])
				entries[0] = entry
				break
			}
		}
	}

	if len(entries) == 0 {
		b.logger.Warn("provider chain is empty",
			"model", in.Model,
			"key_id", in.KeyID,
			"candidates", len(candidates),
			"filtered", len(dc.FilteredProviders),
		)
	}
	return entries, dc
}

func missingTag(p *provider.Provider, required []string) (string, bool) {
	for _, tag := range required {
		if !p.HasTag(tag) {
			return tag, false
		}
	}
	return "", true
}
