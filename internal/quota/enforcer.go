package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// The request-per-minute window is a fixed wall-clock minute: all requests
// whose arrival falls inside the same UTC minute share one counter. This
// boundary is user-visible, so it must stay stable across versions.
//
// Counter keys wrap the identity in a hash tag so the counters for one
// scope land on the same cluster node.
const (
	rpmKeyFormat  = "{quota:%s}:rpm:%d"
	costKeyFormat = "{quota:%s}:cost:%s"

	// Counters outlive their window slightly so late readers still see them.
	rpmKeyTTLSeconds = 120
)

// incrWithExpire atomically increments a window counter, stamping the TTL
// on first touch, and returns the post-increment count.
var incrWithExpire = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
    redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return c
`)

// Enforcer checks and consumes request-rate and daily-cost budgets. With a
// shared store configured, counters are global across instances; when the
// store is unreachable and fail-open is set, a per-node approximation takes
// over so one outage does not take traffic down with it.
type Enforcer struct {
	client    redis.UniversalClient
	loc       *time.Location
	resetHour int
	failOpen  bool
	local     *localLimiter
	logger    *slog.Logger
	now       func() time.Time
}

// Options configures an Enforcer.
type Options struct {
	// Client is the shared store. Nil runs fully node-local.
	Client redis.UniversalClient
	// Location anchors the daily cost window.
	Location *time.Location
	// ResetHour is the local hour the daily window rolls at.
	ResetHour int
	// FailOpen falls back to node-local limiting on store errors instead
	// of denying.
	FailOpen bool
	Logger   *slog.Logger
	// Now overrides the time source.
	Now func() time.Time
}

// NewEnforcer creates an enforcer.
func NewEnforcer(opts Options) *Enforcer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Enforcer{
		client:    opts.Client,
		loc:       opts.Location,
		resetHour: opts.ResetHour,
		failOpen:  opts.FailOpen,
		local:     newLocalLimiter(),
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Check reports whether scope could take one more request right now,
// without consuming budget. The chain builder uses this to filter
// candidates.
func (e *Enforcer) Check(ctx context.Context, scope string, limits Limits) Decision {
	now := e.now()
	day, end := e.dayWindow(now)

	if e.client == nil {
		return e.local.check(scope, limits, e.nextMinute(now), scope+":"+day, end)
	}

	if limits.RequestsPerMinute > 0 {
		count, err := e.readCounter(ctx, e.rpmKey(scope, now))
		if err != nil {
			return e.storeFailure(scope, limits, now, err, false)
		}
		if count >= limits.RequestsPerMinute {
			return deny(ReasonRPMExceeded, e.nextMinute(now))
		}
	}

	if limits.DailyCostUSD > 0 {
		spent, err := e.readCost(ctx, e.costKey(scope, day))
		if err != nil {
			return e.storeFailure(scope, limits, now, err, false)
		}
		if spent >= limits.DailyCostUSD {
			return deny(ReasonDailyCostExceeded, end)
		}
	}

	return allow()
}

// Consume atomically takes one request out of scope's minute budget. The
// increment counts the attempt even when the outcome is a deny, which keeps
// hammering clients pinned down instead of racing the boundary.
func (e *Enforcer) Consume(ctx context.Context, scope string, limits Limits) Decision {
	if limits.RequestsPerMinute <= 0 {
		return allow()
	}
	now := e.now()

	if e.client == nil {
		return e.local.consume(scope, limits, e.nextMinute(now))
	}

	count, err := incrWithExpire.Run(ctx, e.client,
		[]string{e.rpmKey(scope, now)}, rpmKeyTTLSeconds).Int64()
	if err != nil {
		return e.storeFailure(scope, limits, now, err, true)
	}
	if count > limits.RequestsPerMinute {
		return deny(ReasonRPMExceeded, e.nextMinute(now))
	}
	d := allow()
	d.Remaining = limits.RequestsPerMinute - count
	return d
}

// RecordCost adds spent USD to scope's daily tally. Recording is best
// effort: a store failure loses the sample locally but never fails the
// request that produced it.
func (e *Enforcer) RecordCost(ctx context.Context, scope string, costUSD float64) {
	if costUSD <= 0 {
		return
	}
	now := e.now()
	day, end := e.dayWindow(now)

	if e.client == nil {
		e.local.addCost(scope+":"+day, costUSD, end.Sub(now))
		return
	}

	key := e.costKey(scope, day)
	pipe := e.client.TxPipeline()
	pipe.IncrByFloat(ctx, key, costUSD)
	pipe.ExpireAt(ctx, key, end.Add(time.Hour))
	if _, err := pipe.Exec(ctx); err != nil {
		e.logger.Warn("daily cost record failed",
			"scope", scope,
			"cost_usd", costUSD,
			"error", err,
		)
		e.local.addCost(scope+":"+day, costUSD, end.Sub(now))
	}
}

// storeFailure applies the fail-open policy after a shared store error.
func (e *Enforcer) storeFailure(scope string, limits Limits, now time.Time, err error, consume bool) Decision {
	e.logger.Warn("quota store unavailable",
		"scope", scope,
		"fail_open", e.failOpen,
		"error", err,
	)
	if !e.failOpen {
		return deny(ReasonRPMExceeded, e.nextMinute(now))
	}
	if consume {
		return e.local.consume(scope, limits, e.nextMinute(now))
	}
	// Peek path: the local consume on the forward path will enforce.
	return allow()
}

func (e *Enforcer) readCounter(ctx context.Context, key string) (int64, error) {
	val, err := e.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

func (e *Enforcer) readCost(ctx context.Context, key string) (float64, error) {
	val, err := e.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(val, 64)
}

func (e *Enforcer) rpmKey(scope string, now time.Time) string {
	return fmt.Sprintf(rpmKeyFormat, scope, now.UTC().Unix()/60)
}

func (e *Enforcer) costKey(scope, day string) string {
	return fmt.Sprintf(costKeyFormat, scope, day)
}

func (e *Enforcer) nextMinute(now time.Time) time.Time {
	return now.UTC().Truncate(time.Minute).Add(time.Minute)
}

// dayWindow returns the label of the current accounting day and the instant
// it ends. The day starts at resetHour in the configured zone.
func (e *Enforcer) dayWindow(now time.Time) (label string, end time.Time) {
	local := now.In(e.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), e.resetHour, 0, 0, 0, e.loc)
	if local.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start.Format("20060102"), start.AddDate(0, 0, 1)
}
