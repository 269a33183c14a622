// Package quota is an optional cross-process hourly cap on provider calls,
// backed by redis. When no redis address is configured the pipeline relies
// on inter-call pacing alone.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

type Limiter struct {
	redis *redis.Client
	limit int64
}

func NewLimiter(rdb *redis.Client, perHour int64) *Limiter {
	return &Limiter{redis: rdb, limit: perHour}
}

// Allow consumes one unit of the hourly window for provider+model and reports
// whether the call may proceed. The window resets on the hour boundary.
func (l *Limiter) Allow(ctx context.Context, provider, model string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("imgforge:quota:%s:%s:%s", provider, model, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, l.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("quota script: %w", err)
	}
	return res <= l.limit, res, windowEnd, nil
}
