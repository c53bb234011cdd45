package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rryowa/sessionauth/internal/util"
)

const (
	counterPrefix = "ratelimit:count:"
	blockPrefix   = "ratelimit:block:"
)

// incrWindow starts the window on the first hit so the counter always expires.
//
//nolint:gochecknoglobals // compiled once
var incrWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RateLimiter is a fixed-window counter. A key that exceeds Limit requests in
// one Interval is blocked for BlockTime.
type RateLimiter struct {
	client    *redis.Client
	limit     int64
	interval  time.Duration
	blockTime time.Duration
}

func NewRateLimiter(client *redis.Client, cfg *util.RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		client:    client,
		limit:     int64(cfg.Limit),
		interval:  cfg.Interval,
		blockTime: cfg.BlockTime,
	}
}

// Allow records one hit for key. When the hit is rejected it returns the time
// until the key may retry.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	blockKey := blockPrefix + key

	ttl, err := l.client.PTTL(ctx, blockKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("check block: %w", err)
	}
	if ttl > 0 {
		return false, ttl, nil
	}

	counterKey := counterPrefix + key
	hits, err := incrWindow.Run(ctx, l.client, []string{counterKey}, l.interval.Milliseconds()).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("increment counter: %w", err)
	}
	if hits <= l.limit {
		return true, 0, nil
	}

	pipe := l.client.TxPipeline()
	pipe.Set(ctx, blockKey, "blocked", l.blockTime)
	pipe.Del(ctx, counterKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("block key: %w", err)
	}
	return false, l.blockTime, nil
}
