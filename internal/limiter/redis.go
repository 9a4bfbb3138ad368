package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript counts one hit and arms the window expiry in a single atomic step.
// A key found without a TTL gets one, so a counter can never outlive its window.
// Returns {count, pttl}.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if n == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Redis is a fixed-window limiter shared by every process pointing at the same Redis.
type Redis struct {
	rdb    redis.Scripter
	limit  int64
	window time.Duration
	prefix string
}

// NewRedis constructs a limiter allowing limit events per window for each key.
func NewRedis(rdb redis.Scripter, limit int, window time.Duration) *Redis {
	return &Redis{rdb: rdb, limit: int64(limit), window: window, prefix: "notifier:rate:"}
}

// Allow increments the window counter and reports the time left in the window when full.
func (l *Redis) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := windowScript.Run(ctx, l.rdb, []string{l.prefix + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate window: unexpected reply %v", res)
	}
	if res[0] <= l.limit {
		return true, 0, nil
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl <= 0 {
		ttl = l.window
	}
	return false, ttl, nil
}
