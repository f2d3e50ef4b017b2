package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the window counter and arms its expiry on the first
// hit, so the window starts at the first attempt and resets atomically.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter shares fixed windows across instances through Redis.
type RedisLimiter struct {
	rdb    redis.Scripter
	cfg    Config
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter. Keys are "<prefix>:<client>".
func NewRedisLimiter(rdb redis.Scripter, cfg Config, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{rdb: rdb, cfg: cfg.withDefaults(), prefix: prefix}
}

// Admit increments the client's counter and compares it against capacity.
func (l *RedisLimiter) Admit(ctx context.Context, clientID string) (bool, error) {
	n, err := incrScript.Run(ctx, l.rdb, []string{l.key(clientID)}, l.cfg.Window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return n <= l.cfg.Capacity, nil
}

func (l *RedisLimiter) key(clientID string) string {
	return fmt.Sprintf("%s:%s", l.prefix, clientID)
}
