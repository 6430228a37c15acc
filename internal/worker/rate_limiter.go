package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDailyLimit is returned once the day's send allowance is used up.
var ErrDailyLimit = errors.New("daily send limit reached")

// RateLimit caps sends per second, minute and UTC day. A zero field means
// no cap at that granularity.
type RateLimit struct {
	PerSecond int
	PerMinute int
	Daily     int
}

// checkAndIncrementScript checks every window before incrementing any of
// them, so a denied request never consumes budget.
const checkAndIncrementScript = `
local increment = tonumber(ARGV[1])
for i = 1, 3 do
    local limit = tonumber(ARGV[i + 1])
    if limit > 0 then
        local current = tonumber(redis.call("GET", KEYS[i]) or "0")
        if current + increment > limit then
            return {0, i, current}
        end
    end
end
local ttls = {tonumber(ARGV[5]), tonumber(ARGV[6]), tonumber(ARGV[7])}
local day = 0
for i = 1, 3 do
    local v = redis.call("INCRBY", KEYS[i], increment)
    if v == increment then
        redis.call("EXPIRE", KEYS[i], ttls[i])
    end
    day = v
end
return {1, 0, day}
`

// RateLimiter is a fixed-window limiter backed by a Redis Lua script. All
// instances sharing a Redis and a name share one budget.
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	name   string
	limit  RateLimit
	now    func() time.Time
}

// NewRateLimiter creates a limiter for the named budget.
func NewRateLimiter(client *redis.Client, name string, limit RateLimit) *RateLimiter {
	return &RateLimiter{
		redis:  client,
		script: redis.NewScript(checkAndIncrementScript),
		name:   name,
		limit:  limit,
		now:    time.Now,
	}
}

func (r *RateLimiter) keys(now time.Time) []string {
	return []string{
		fmt.Sprintf("newsletter:ratelimit:%s:sec:%d", r.name, now.Unix()),
		fmt.Sprintf("newsletter:ratelimit:%s:min:%d", r.name, now.Unix()/60),
		fmt.Sprintf("newsletter:ratelimit:%s:day:%s", r.name, now.UTC().Format("2006-01-02")),
	}
}

// Allow reserves n sends. When denied it returns how long to wait before the
// blocking window resets. A spent daily budget also returns ErrDailyLimit,
// with the wait running to the next UTC midnight.
func (r *RateLimiter) Allow(ctx context.Context, n int) (bool, time.Duration, error) {
	now := r.now()
	res, err := r.script.Run(ctx, r.redis, r.keys(now),
		n,
		r.limit.PerSecond,
		r.limit.PerMinute,
		r.limit.Daily,
		2,     // second window TTL
		120,   // minute window TTL
		90000, // day window TTL (25h)
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("rate limit check: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	if allowed == 1 {
		return true, 0, nil
	}
	reason, _ := res[1].(int64)
	switch reason {
	case 1:
		return false, time.Second, nil
	case 2:
		return false, time.Duration(60-now.Second()) * time.Second, nil
	default:
		utc := now.UTC()
		midnight := time.Date(utc.Year(), utc.Month(), utc.Day()+1, 0, 0, 0, 0, time.UTC)
		return false, midnight.Sub(now), ErrDailyLimit
	}
}

// Usage reports the counters of the current windows.
func (r *RateLimiter) Usage(ctx context.Context) (map[string]int64, error) {
	keys := r.keys(r.now())
	pipe := r.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("rate limit usage: %w", err)
	}
	sec, _ := cmds[0].Int64()
	minute, _ := cmds[1].Int64()
	day, _ := cmds[2].Int64()
	return map[string]int64{
		"second_current": sec,
		"second_limit":   int64(r.limit.PerSecond),
		"minute_current": minute,
		"minute_limit":   int64(r.limit.PerMinute),
		"daily_current":  day,
		"daily_limit":    int64(r.limit.Daily),
	}, nil
}
