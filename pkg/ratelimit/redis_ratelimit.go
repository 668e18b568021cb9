package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScript 토큰 버킷 갱신 (원자적)
// KEYS[1] 버킷 hash, ARGV: limit, window(ms), now(ms)
var bucketScript = redis.NewScript(`
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
	local tokens = tonumber(state[1])
	local last = tonumber(state[2])
	if tokens == nil then
		tokens = limit
		last = now
	end

	local rate = limit / window
	tokens = math.min(limit, tokens + math.max(0, now - last) * rate)

	local allowed = 0
	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	end

	redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
	redis.call('PEXPIRE', KEYS[1], window * 2)

	local reset = now + math.ceil((limit - tokens) / rate)
	return {allowed, math.floor(tokens), reset}
`)

// RedisLimiter 인스턴스 간에 공유되는 토큰 버킷
type RedisLimiter struct {
	client    *redis.Client
	keyPrefix string
	limit     int
	window    time.Duration
	now       func() time.Time
}

// NewRedisLimiter window당 limit회 허용. keyPrefix 기본값은 "ratelimit:".
func NewRedisLimiter(client *redis.Client, keyPrefix string, limit int, window time.Duration) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		client:    client,
		keyPrefix: keyPrefix,
		limit:     limit,
		window:    window,
		now:       time.Now,
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := bucketScript.Run(ctx, r.client, []string{r.keyPrefix + key},
		r.limit, r.window.Milliseconds(), r.now().UnixMilli()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) < 3 {
		return Decision{}, fmt.Errorf("invalid rate limit script result")
	}

	return Decision{
		Allowed:   res[0] == 1,
		Limit:     r.limit,
		Remaining: int(res[1]),
		ResetAt:   time.UnixMilli(res[2]),
	}, nil
}

// Reset 키의 버킷 삭제
func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}
