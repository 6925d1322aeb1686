package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// IdentityPool bounds the set of distinct external user ids presented to a
// provider while keeping each session pinned to one id. Two structures per
// provider live in the shared store: a scored set of pooled ids (score =
// last use) and a session-to-id binding hash. The hash tag keeps both on
// one cluster node so the resolve script can touch them atomically.
type IdentityPool struct {
	client redis.UniversalClient
	size   int
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// resolveScript runs the whole pool policy in one atomic step: expire stale
// members, honor an existing binding, refresh or admit a supplied id, and
// otherwise map the session hash onto the lexically sorted member list.
var resolveScript = redis.NewScript(`
local members = KEYS[1]
local sessions = KEYS[2]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local size = tonumber(ARGV[3])
local sid = ARGV[4]
local supplied = ARGV[5]
local hash = tonumber(ARGV[6])
local fresh = ARGV[7]

redis.call('ZREMRANGEBYSCORE', members, '-inf', now - ttl)

local bound = redis.call('HGET', sessions, sid)
if bound then
    if redis.call('ZSCORE', members, bound) then
        redis.call('ZADD', members, now, bound)
        redis.call('EXPIRE', members, ttl)
        redis.call('EXPIRE', sessions, ttl)
        return bound
    end
    redis.call('HDEL', sessions, sid)
end

local chosen = nil
if supplied ~= '' then
    if redis.call('ZSCORE', members, supplied) then
        chosen = supplied
    elseif redis.call('ZCARD', members) < size then
        chosen = supplied
    end
end

if not chosen then
    local all = redis.call('ZRANGE', members, 0, -1)
    if #all == 0 then
        if supplied ~= '' then
            chosen = supplied
        else
            chosen = fresh
        end
    else
        table.sort(all)
        chosen = all[(hash % #all) + 1]
    end
end

redis.call('ZADD', members, now, chosen)
redis.call('HSET', sessions, sid, chosen)
redis.call('EXPIRE', members, ttl)
redis.call('EXPIRE', sessions, ttl)
return chosen
`)

// NewIdentityPool creates a pool manager. A nil client disables pooling;
// Resolve then passes the supplied id through.
func NewIdentityPool(client redis.UniversalClient, size int, ttl time.Duration, logger *slog.Logger) *IdentityPool {
	if size <= 0 {
		size = 16
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdentityPool{
		client: client,
		size:   size,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Resolve returns the external user id this session must present to
// providerID. suppliedID may be empty. Pool failures fail open: the request
// proceeds with the supplied id (or a one-off id) instead of being refused.
func (p *IdentityPool) Resolve(ctx context.Context, providerID, sessionID, suppliedID string) string {
	if p.client == nil {
		return p.fallbackID(suppliedID, sessionID)
	}

	memberKey := fmt.Sprintf("{idpool:%s}:members", providerID)
	sessionKey := fmt.Sprintf("{idpool:%s}:sessions", providerID)

	h := fnv.New32a()
	h.Write([]byte(sessionID))

	id, err := resolveScript.Run(ctx, p.client,
		[]string{memberKey, sessionKey},
		p.now().Unix(),
		int64(p.ttl.Seconds()),
		p.size,
		sessionID,
		suppliedID,
		h.Sum32(),
		p.newID(),
	).Text()
	if err != nil {
		p.logger.Warn("identity pool unavailable, bypassing pool",
			"provider_id", providerID,
			"session_id", sessionID,
			"error", err,
		)
		return p.fallbackID(suppliedID, sessionID)
	}
	return id
}

func (p *IdentityPool) fallbackID(suppliedID, sessionID string) string {
	if suppliedID != "" {
		return suppliedID
	}
	// Deterministic per session so retries within an outage stay stable.
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return fmt.Sprintf("user-%08x", h.Sum32())
}
