// Package provider defines upstream provider snapshots and the read-only
// repository the routing core consumes them through. Provider records are
// owned by an external store; the core only ever sees an immutable snapshot
// taken once per request.
package provider

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Type identifies the upstream API dialect a provider speaks.
type Type string

const (
	// TypeClaude is an Anthropic Messages API compatible upstream.
	TypeClaude Type = "claude"
	// TypeGemini is a Google generateContent API compatible upstream.
	TypeGemini Type = "gemini"
)

// RateLimit holds the per-key ceilings enforced for a provider.
type RateLimit struct {
	RequestsPerMinute int64   `yaml:"requests_per_minute"`
	DailyCostUSD      float64 `yaml:"daily_cost_usd"`
}

// BreakerSettings holds per-provider circuit breaker thresholds.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ProbeIntervalMin time.Duration `yaml:"probe_interval_min"`
	ProbeIntervalMax time.Duration `yaml:"probe_interval_max"`
}

// Provider is an immutable snapshot of one upstream provider.
type Provider struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Type     Type     `yaml:"type"`
	BaseURL  string   `yaml:"base_url"`
	APIKey   string   `yaml:"api_key"`
	Priority int      `yaml:"priority"`
	Weight   int      `yaml:"weight"`
	Tags     []string `yaml:"tags"`

	// ProxyURL selects an outbound proxy by scheme (http, https, socks4,
	// socks5). Empty means a direct connection.
	ProxyURL string `yaml:"proxy_url"`

	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimit       `yaml:"rate_limit"`
	Breaker   BreakerSettings `yaml:"breaker"`

	// RequiresStickyIdentity marks providers that need a stable external
	// user id per session, satisfied through the user-id pool.
	RequiresStickyIdentity bool `yaml:"requires_sticky_identity"`

	// StickyPoolSize bounds the number of distinct external identities
	// presented to this provider. Zero uses the gateway default.
	StickyPoolSize int `yaml:"sticky_pool_size"`

	// EstimateCacheUsage flags providers known not to report real cache
	// statistics; the usage normalizer may substitute an estimated split
	// when enabled gateway-wide.
	EstimateCacheUsage bool `yaml:"estimate_cache_usage"`
}

// HasTag reports whether the provider carries the given tag.
func (p *Provider) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Repository exposes read-only provider snapshots to the routing core.
type Repository interface {
	// Snapshot returns the current candidate provider set. Implementations
	// may cache; callers must not mutate the returned slice.
	Snapshot(ctx context.Context) ([]Provider, error)
}

// StaticRepository serves a fixed provider set, typically built from the
// gateway configuration file. Hot reload swaps the whole repository.
type StaticRepository struct {
	providers []Provider
}

// NewStaticRepository creates a repository over a fixed provider set.
func NewStaticRepository(providers []Provider) *StaticRepository {
	return &StaticRepository{providers: providers}
}

// Snapshot implements Repository.
func (r *StaticRepository) Snapshot(ctx context.Context) ([]Provider, error) {
	return r.providers, nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Duration fields accept Go
// duration strings; the decoder itself only handles integer nanoseconds.
func (p *Provider) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID        string    `yaml:"id"`
		Name      string    `yaml:"name"`
		Type      Type      `yaml:"type"`
		BaseURL   string    `yaml:"base_url"`
		APIKey    string    `yaml:"api_key"`
		Priority  int       `yaml:"priority"`
		Weight    int       `yaml:"weight"`
		Tags      []string  `yaml:"tags"`
		ProxyURL  string    `yaml:"proxy_url"`
		Timeout   string    `yaml:"timeout"`
		RateLimit RateLimit `yaml:"rate_limit"`
		Breaker   struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			ProbeIntervalMin string `yaml:"probe_interval_min"`
			ProbeIntervalMax string `yaml:"probe_interval_max"`
		} `yaml:"breaker"`
		RequiresStickyIdentity bool `yaml:"requires_sticky_identity"`
		StickyPoolSize         int  `yaml:"sticky_pool_size"`
		EstimateCacheUsage     bool `yaml:"estimate_cache_usage"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	p.ID = raw.ID
	p.Name = raw.Name
	p.Type = raw.Type
	p.BaseURL = raw.BaseURL
	p.APIKey = raw.APIKey
	p.Priority = raw.Priority
	p.Weight = raw.Weight
	p.Tags = raw.Tags
	p.ProxyURL = raw.ProxyURL
	p.RateLimit = raw.RateLimit
	p.Breaker.FailureThreshold = raw.Breaker.FailureThreshold
	p.RequiresStickyIdentity = raw.RequiresStickyIdentity
	p.StickyPoolSize = raw.StickyPoolSize
	p.EstimateCacheUsage = raw.EstimateCacheUsage

	for _, f := range []struct {
		dst   *time.Duration
		src   string
		field string
	}{
		{&p.Timeout, raw.Timeout, "timeout"},
		{&p.Breaker.ProbeIntervalMin, raw.Breaker.ProbeIntervalMin, "breaker.probe_interval_min"},
		{&p.Breaker.ProbeIntervalMax, raw.Breaker.ProbeIntervalMax, "breaker.probe_interval_max"},
	} {
		if f.src == "" {
			continue
		}
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return fmt.Errorf("provider %s: %s: %w", raw.ID, f.field, err)
		}
		*f.dst = d
	}
	return nil
}
