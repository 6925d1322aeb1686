// Package config loads, validates and hot-reloads the gateway configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modelrelay/modelrelay/internal/provider"
)

// Config is the root gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	CORS    CORSConfig    `yaml:"cors"`

	Providers []provider.Provider `yaml:"providers"`
	Keys      []APIKey            `yaml:"keys"`

	Session SessionConfig `yaml:"session"`
	Quota   QuotaConfig   `yaml:"quota"`
	Usage   UsageConfig   `yaml:"usage"`
	Rules   RulesConfig   `yaml:"rules"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// RedisConfig controls the shared coordination store. Leaving Addrs empty
// runs the gateway in single-node mode with in-process fallbacks.
type RedisConfig struct {
	Addrs      []string `yaml:"addrs"`
	Password   string   `yaml:"password"`
	DB         int      `yaml:"db"`
	MasterName string   `yaml:"master_name"`
	PoolSize   int      `yaml:"pool_size"`
}

// Enabled reports whether a shared store is configured.
func (r *RedisConfig) Enabled() bool { return len(r.Addrs) > 0 }

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONFormat bool   `yaml:"json_format"`
	AddSource  bool   `yaml:"add_source"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// CORSConfig controls cross-origin access to the relay endpoints.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	ExposeHeaders  []string `yaml:"expose_headers"`

	// AllowCredentials echoes the caller's origin instead of the
	// wildcard; credentials never ride on "*".
	AllowCredentials bool `yaml:"allow_credentials"`
	MaxAge           int  `yaml:"max_age"`
}

// APIKey grants a client access to the relay with its own quota ceilings.
type APIKey struct {
	ID     string `yaml:"id"`
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`

	RequestsPerMinute int64   `yaml:"requests_per_minute"`
	DailyCostUSD      float64 `yaml:"daily_cost_usd"`
}

// SessionConfig controls session affinity and the sticky identity pool.
type SessionConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	Header          string        `yaml:"header"`
	PoolSize        int           `yaml:"pool_size"`
	PoolIdentityTTL time.Duration `yaml:"pool_identity_ttl"`
}

// QuotaConfig controls rate limit and daily cost accounting.
type QuotaConfig struct {
	// Timezone is the IANA zone the daily cost window is anchored in.
	Timezone string `yaml:"timezone"`
	// ResetHour is the local hour (0-23) at which the daily window rolls.
	ResetHour int `yaml:"reset_hour"`
	// FailOpen permits traffic when the shared store is unreachable,
	// falling back to per-node local limiting.
	FailOpen bool `yaml:"fail_open"`
}

// UsageConfig controls usage normalization and the optional cache split
// estimation heuristic.
type UsageConfig struct {
	EstimationEnabled bool               `yaml:"estimation_enabled"`
	Scenarios         []UsageScenario    `yaml:"scenarios"`
	ModelPricing      map[string]Pricing `yaml:"model_pricing"`
}

// UsageScenario is one weighted row of the cache split estimation table.
// Fractions are applied to the upstream-reported input token total.
type UsageScenario struct {
	Weight           float64 `yaml:"weight"`
	CreationFraction float64 `yaml:"creation_fraction"`
	ReadFraction     float64 `yaml:"read_fraction"`
	CacheTTL         string  `yaml:"cache_ttl"`
}

// Pricing is the per-million-token cost table for one model family.
type Pricing struct {
	InputUSD         float64 `yaml:"input_usd"`
	OutputUSD        float64 `yaml:"output_usd"`
	CacheCreationUSD float64 `yaml:"cache_creation_usd"`
	CacheReadUSD     float64 `yaml:"cache_read_usd"`
}

// RulesConfig controls the error detection and override engine.
type RulesConfig struct {
	// OverridesPath points at the JSON rule document. Empty disables
	// overrides; the engine still classifies with built-in rules.
	OverridesPath string `yaml:"overrides_path"`
	// MaxOverrideBytes caps an individual override body.
	MaxOverrideBytes int `yaml:"max_override_bytes"`
}

// DefaultConfig returns the configuration used when a field is omitted.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Minute,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    32 << 20,
		},
		Logging: LoggingConfig{Level: "info", JSONFormat: true},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		CORS: CORSConfig{
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Session-Id", "X-Api-Key"},
			ExposeHeaders:  []string{"X-Request-ID"},
			MaxAge:         600,
		},
		Session: SessionConfig{
			TTL:             time.Hour,
			Header:          "X-Session-Id",
			PoolSize:        16,
			PoolIdentityTTL: 24 * time.Hour,
		},
		Quota: QuotaConfig{
			Timezone:  "UTC",
			ResetHour: 0,
			FailOpen:  true,
		},
		Usage: UsageConfig{},
		Rules: RulesConfig{MaxOverrideBytes: 4096},
	}
}

// Load reads, decodes and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv substitutes ${NAME} references from the environment. Unset
// names are left untouched, and a bare $ never expands, so literal dollar
// signs in tokens or passwords survive.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		if v, ok := os.LookupEnv(string(m[2 : len(m)-1])); ok {
			return []byte(v)
		}
		return m
	})
}

// Validate checks cross-field constraints. Invalid proxy URLs are rejected
// here so a bad route never silently falls back to a direct connection.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Quota.ResetHour < 0 || c.Quota.ResetHour > 23 {
		return fmt.Errorf("quota.reset_hour must be in [0,23], got %d", c.Quota.ResetHour)
	}
	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		return fmt.Errorf("quota.timezone %q: %w", c.Quota.Timezone, err)
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url is required", p.ID)
		}
		switch p.Type {
		case provider.TypeClaude, provider.TypeGemini:
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
		}
		if p.Weight < 0 {
			return fmt.Errorf("provider %s: weight must be >= 0", p.ID)
		}
		if p.ProxyURL != "" {
			u, err := url.Parse(p.ProxyURL)
			if err != nil {
				return fmt.Errorf("provider %s: proxy_url: %w", p.ID, err)
			}
			switch u.Scheme {
			case "http", "https", "socks4", "socks5":
			default:
				return fmt.Errorf("provider %s: proxy_url scheme %q is not supported", p.ID, u.Scheme)
			}
			if u.Host == "" {
				return fmt.Errorf("provider %s: proxy_url has no host", p.ID)
			}
		}
		if p.Timeout <= 0 {
			p.Timeout = 5 * time.Minute
		}
		if p.Breaker.FailureThreshold <= 0 {
			p.Breaker.FailureThreshold = 5
		}
		if p.Breaker.ProbeIntervalMin <= 0 {
			p.Breaker.ProbeIntervalMin = 30 * time.Second
		}
		if p.Breaker.ProbeIntervalMax < p.Breaker.ProbeIntervalMin {
			p.Breaker.ProbeIntervalMax = 10 * time.Minute
		}
	}

	keys := make(map[string]struct{}, len(c.Keys))
	for i := range c.Keys {
		k := &c.Keys[i]
		if k.Token == "" {
			return fmt.Errorf("keys[%d]: token is required", i)
		}
		if _, dup := keys[k.Token]; dup {
			return fmt.Errorf("keys[%d]: duplicate token", i)
		}
		keys[k.Token] = struct{}{}
		if k.ID == "" {
			k.ID = fmt.Sprintf("key-%d", i)
		}
	}

	var total float64
	for i, s := range c.Usage.Scenarios {
		if s.Weight < 0 {
			return fmt.Errorf("usage.scenarios[%d]: weight must be >= 0", i)
		}
		if s.CreationFraction < 0 || s.ReadFraction < 0 || s.CreationFraction+s.ReadFraction > 1 {
			return fmt.Errorf("usage.scenarios[%d]: fractions must be >= 0 and sum to <= 1", i)
		}
		total += s.Weight
	}
	if len(c.Usage.Scenarios) > 0 && total <= 0 {
		return fmt.Errorf("usage.scenarios: total weight must be > 0")
	}
	if c.Session.PoolSize <= 0 {
		c.Session.PoolSize = 16
	}
	return nil
}

// The YAML decoder has no native duration-string support, so the structs
// carrying time.Duration fields decode through shadow structs with string
// durations. Absent fields keep whatever value the receiver already holds,
// which is how file values layer over DefaultConfig.

func setDuration(dst *time.Duration, s, field string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ListenAddr      string `yaml:"listen_addr"`
		ReadTimeout     string `yaml:"read_timeout"`
		WriteTimeout    string `yaml:"write_timeout"`
		IdleTimeout     string `yaml:"idle_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
		MaxBodyBytes    *int64 `yaml:"max_body_bytes"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.ListenAddr != "" {
		s.ListenAddr = raw.ListenAddr
	}
	if raw.MaxBodyBytes != nil {
		s.MaxBodyBytes = *raw.MaxBodyBytes
	}
	for _, f := range []struct {
		dst   *time.Duration
		src   string
		field string
	}{
		{&s.ReadTimeout, raw.ReadTimeout, "server.read_timeout"},
		{&s.WriteTimeout, raw.WriteTimeout, "server.write_timeout"},
		{&s.IdleTimeout, raw.IdleTimeout, "server.idle_timeout"},
		{&s.ShutdownTimeout, raw.ShutdownTimeout, "server.shutdown_timeout"},
	} {
		if err := setDuration(f.dst, f.src, f.field); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *SessionConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		TTL             string `yaml:"ttl"`
		Header          string `yaml:"header"`
		PoolSize        *int   `yaml:"pool_size"`
		PoolIdentityTTL string `yaml:"pool_identity_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Header != "" {
		s.Header = raw.Header
	}
	if raw.PoolSize != nil {
		s.PoolSize = *raw.PoolSize
	}
	if err := setDuration(&s.TTL, raw.TTL, "session.ttl"); err != nil {
		return err
	}
	return setDuration(&s.PoolIdentityTTL, raw.PoolIdentityTTL, "session.pool_identity_ttl")
}
