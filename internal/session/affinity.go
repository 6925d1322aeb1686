// Package session keeps multi-turn conversations pinned to the provider and
// external identity they started with. All state lives in the shared store
// so any gateway instance can serve any turn; when the store is down the
// gateway falls back to node-local records rather than failing requests,
// since affinity is a preference, not a correctness requirement.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/modelrelay/modelrelay/internal/usage"
)

const affinityKeyPrefix = "affinity:session:"

// Record is the stored affinity state for one session.
type Record struct {
	SessionID    string    `json:"session_id"`
	ProviderID   string    `json:"provider_id"`
	Model        string    `json:"model"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Resolution is the affinity verdict for one request.
type Resolution struct {
	// ReuseProvider is true when an unexpired record exists for the same
	// model family. The proposed provider is still subject to health and
	// quota filtering downstream.
	ReuseProvider    bool
	StickyProviderID string
}

// AffinityManager resolves and upserts session records.
type AffinityManager struct {
	client redis.UniversalClient
	local  *gocache.Cache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewAffinityManager creates a manager. client may be nil for single-node
// deployments; records then live only in process memory.
func NewAffinityManager(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *AffinityManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &AffinityManager{
		client: client,
		local:  gocache.New(ttl, 10*time.Minute),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve returns the affinity verdict for sessionID requesting model. An
// empty session id always selects fresh. A record for a different model
// family is ignored: switching families restarts provider selection.
func (m *AffinityManager) Resolve(ctx context.Context, sessionID, model string) Resolution {
	if sessionID == "" {
		return Resolution{}
	}

	rec, ok := m.load(ctx, sessionID)
	if !ok {
		return Resolution{}
	}
	if usage.Family(rec.Model) != usage.Family(model) {
		return Resolution{}
	}
	return Resolution{ReuseProvider: true, StickyProviderID: rec.ProviderID}
}

// Commit upserts the session record after a successful response and
// refreshes its idle TTL.
func (m *AffinityManager) Commit(ctx context.Context, sessionID, providerID, model string) {
	if sessionID == "" {
		return
	}
	rec := Record{
		SessionID:    sessionID,
		ProviderID:   providerID,
		Model:        model,
		LastActiveAt: m.now(),
	}

	if m.client == nil {
		m.local.Set(sessionID, rec, m.ttl)
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		m.logger.Error("session record marshal failed", "session_id", sessionID, "error", err)
		return
	}
	if err := m.client.Set(ctx, affinityKeyPrefix+sessionID, data, m.ttl).Err(); err != nil {
		m.logger.Warn("session record write failed, using local fallback",
			"session_id", sessionID,
			"error", err,
		)
		m.local.Set(sessionID, rec, m.ttl)
	}
}

func (m *AffinityManager) load(ctx context.Context, sessionID string) (Record, bool) {
	if m.client == nil {
		return m.loadLocal(sessionID)
	}

	data, err := m.client.Get(ctx, affinityKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return Record{}, false
	}
	if err != nil {
		m.logger.Warn("session record read failed, using local fallback",
			"session_id", sessionID,
			"error", err,
		)
		return m.loadLocal(sessionID)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		m.logger.Warn("discarding corrupt session record", "session_id", sessionID, "error", err)
		return Record{}, false
	}
	return rec, true
}

func (m *AffinityManager) loadLocal(sessionID string) (Record, bool) {
	v, ok := m.local.Get(sessionID)
	if !ok {
		return Record{}, false
	}
	return v.(Record), true
}
