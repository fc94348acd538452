package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript opens the window on the first hit so the counter and its
// expiry are set atomically.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// RedisLimiter shares windows between server replicas. When Redis cannot
// answer, requests are counted by Fallback instead.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback *InMemoryLimiter
	Logger   *slog.Logger
	Clock    Clock
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Timeout:  2 * time.Second,
		Fallback: NewInMemory(window),
		Logger:   slog.Default(),
	}
}

// WithClock replaces the time source used for ResetAt, including the
// fallback's. It must be called before first use.
func (l *RedisLimiter) WithClock(c Clock) *RedisLimiter {
	l.Clock = c
	if l.Fallback != nil {
		l.Fallback.WithClock(c)
	}
	return l
}

func (l *RedisLimiter) now() time.Time {
	if l.Clock == nil {
		return time.Now()
	}
	return l.Clock.Now()
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(key, limit)
	}

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := windowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Result()
	if err != nil {
		if l.Logger != nil {
			l.Logger.Warn("redis rate limit unavailable, counting locally", "error", err)
		}
		return l.fallback(key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(key, limit)
	}
	count, _ := vals[0].(int64)
	ttl, _ := vals[1].(int64)
	if ttl < 0 {
		ttl = l.Window.Milliseconds()
	}

	return Decision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: max(limit-int(count), 0),
		ResetAt:   l.now().Add(time.Duration(ttl) * time.Millisecond),
	}
}

func (l *RedisLimiter) fallback(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: l.now().Add(l.Window)}
}

// Start sweeps the fallback windows; Redis expires its own keys.
func (l *RedisLimiter) Start(interval time.Duration) {
	if l.Fallback != nil {
		l.Fallback.Start(interval)
	}
}

func (l *RedisLimiter) Stop() {
	if l.Fallback != nil {
		l.Fallback.Stop()
	}
}
