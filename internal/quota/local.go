package quota

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// localLimiter approximates the shared counters per node. RPM enforcement
// uses a token bucket refilled at the configured rate; cost tallies live in
// a TTL cache keyed by accounting day. It backs single-node deployments and
// the fail-open path during a store outage.
type localLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	costs   *gocache.Cache
}

func newLocalLimiter() *localLimiter {
	return &localLimiter{
		buckets: make(map[string]*rate.Limiter),
		costs:   gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

func (l *localLimiter) bucket(scope string, rpm int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[scope]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), int(rpm))
		l.buckets[scope] = lim
	}
	return lim
}

func (l *localLimiter) check(scope string, limits Limits, nextMinute time.Time, costKey string, dayEnd time.Time) Decision {
	if limits.RequestsPerMinute > 0 {
		if l.bucket(scope, limits.RequestsPerMinute).Tokens() < 1 {
			return deny(ReasonRPMExceeded, nextMinute)
		}
	}
	if limits.DailyCostUSD > 0 && l.peekCost(costKey) >= limits.DailyCostUSD {
		return deny(ReasonDailyCostExceeded, dayEnd)
	}
	return allow()
}

func (l *localLimiter) consume(scope string, limits Limits, nextMinute time.Time) Decision {
	if limits.RequestsPerMinute <= 0 {
		return allow()
	}
	if !l.bucket(scope, limits.RequestsPerMinute).Allow() {
		return deny(ReasonRPMExceeded, nextMinute)
	}
	return allow()
}

func (l *localLimiter) addCost(costKey string, usd float64, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.costs.Get(costKey); ok {
		usd += cur.(float64)
	}
	l.costs.Set(costKey, usd, ttl)
}

func (l *localLimiter) peekCost(costKey string) float64 {
	if cur, ok := l.costs.Get(costKey); ok {
		return cur.(float64)
	}
	return 0
}
