package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// slidingWindowScript counts requests in a sorted set keyed by timestamp.
// KEYS[1]=key, ARGV[1]=now (ms), ARGV[2]=window start (ms), ARGV[3]=window (s),
// ARGV[4]=member, ARGV[5]=limit. Returns the count including this request, or
// -1 when the limit is already reached.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('EXPIRE', key, windowSec)
  return count + 1
end
return -1
`

// releaseScript deletes the lock only when it still holds the caller's token.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

type Client struct {
	rdb           *redis.Client
	limitScript   *redis.Script
	releaseScript *redis.Script
}

// NewClient connects to Redis and verifies the connection.
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		limitScript:   redis.NewScript(slidingWindowScript),
		releaseScript: redis.NewScript(releaseScript),
	}, nil
}

// Ping is used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Lock is a held distributed lock.
type Lock struct {
	key   string
	token string
}

// AcquireLock takes lock:<name> for ttl. It returns nil without error when
// someone else holds it.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	l := &Lock{key: "lock:" + name, token: uuid.NewString()}
	ok, err := c.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return l, nil
}

// ReleaseLock releases l if it has not expired and been taken over.
func (c *Client) ReleaseLock(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	return c.releaseScript.Run(ctx, c.rdb, []string{l.key}, l.token).Err()
}

// MarkOnce records key for ttl and reports whether this call was the first.
func (c *Client) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, "idempotency:"+key, time.Now().Unix(), ttl).Result()
}

// Forget removes a key recorded by MarkOnce, so a failed delivery can be retried.
func (c *Client) Forget(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, "idempotency:"+key).Err()
}

// Allow reports whether another request under key fits in the sliding window.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - window.Milliseconds()
	windowSec := int64(window.Seconds())
	if windowSec < 1 {
		windowSec = 1
	}
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])

	res, err := c.limitScript.Run(ctx, c.rdb, []string{"rate_limit:" + key},
		nowMs, windowStart, windowSec, member, limit).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}
	return res >= 0, nil
}
