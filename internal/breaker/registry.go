package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisMirrorTimeout = 2 * time.Second

// Mirror publishes breaker state transitions to an external observer.
// Publishing is best effort; failures never affect request handling.
type Mirror interface {
	Publish(providerID string, state State)
}

// Registry hands out one breaker per provider, creating it on first use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	settings map[string]Settings
	mirror   Mirror
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. mirror may be nil.
func NewRegistry(mirror Mirror, logger *slog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		settings: make(map[string]Settings),
		mirror:   mirror,
		logger:   logger,
	}
}

// Get returns the breaker for providerID, creating it with settings if it
// does not exist yet. Settings changes for an existing breaker require a
// Sync.
func (r *Registry) Get(providerID string, settings Settings) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[providerID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[providerID]; ok {
		return b
	}
	b = New(settings, WithStateChange(func(from, to State) {
		r.logger.Info("circuit breaker state change",
			"provider_id", providerID,
			"from", from.String(),
			"to", to.String(),
		)
		if r.mirror != nil {
			r.mirror.Publish(providerID, to)
		}
	}))
	r.breakers[providerID] = b
	r.settings[providerID] = settings
	return b
}

// Sync reconciles the registry with the desired per-provider settings,
// typically after a config reload. Breakers whose thresholds changed and
// breakers for providers that disappeared are dropped; the next Get
// rebuilds them closed.
func (r *Registry) Sync(desired map[string]Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, current := range r.settings {
		if want, ok := desired[id]; ok && want == current {
			continue
		}
		delete(r.breakers, id)
		delete(r.settings, id)
		r.logger.Info("circuit breaker dropped after settings change", "provider_id", id)
	}
}

// Snapshot returns the current state of every tracked breaker.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State()
	}
	return out
}

// RedisMirror writes breaker states into a shared hash so operators can
// inspect the whole fleet's view from one place.
type RedisMirror struct {
	client redis.UniversalClient
	key    string
	logger *slog.Logger
}

// NewRedisMirror creates a mirror writing to the hash key "breaker:state".
func NewRedisMirror(client redis.UniversalClient, logger *slog.Logger) *RedisMirror {
	return &RedisMirror{client: client, key: "breaker:state", logger: logger}
}

// Publish implements Mirror.
func (m *RedisMirror) Publish(providerID string, state State) {
	ctx, cancel := context.WithTimeout(context.Background(), redisMirrorTimeout)
	defer cancel()
	if err := m.client.HSet(ctx, m.key, providerID, state.String()).Err(); err != nil {
		m.logger.Warn("breaker state mirror failed",
			"provider_id", providerID,
			"error", err,
		)
	}
}
