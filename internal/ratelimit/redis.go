package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements the fixed-window limiter in Redis so that every process
// sharing the instance shares the same budget.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedis constructs a limiter whose keys are namespaced by prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "rl:"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (r *Redis) WithClock(now func() time.Time) *Redis {
	r.now = now
	return r
}

// Check consumes one unit for key if the current window still has budget.
func (r *Redis) Check(ctx context.Context, key string, max int, window time.Duration) (Result, error) {
	now := r.now().UnixMilli()
	res, err := windowScript.Run(ctx, r.client, []string{r.prefix + key}, max, window.Milliseconds(), now).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Result{}, fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	allowed, _ := arr[0].(int64)
	remaining, _ := arr[1].(int64)
	reset, _ := arr[2].(int64)
	return Result{
		OK:        allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.UnixMilli(reset),
	}, nil
}

// The key outlives its window by one more window so the next window stays
// aligned to the previous start.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'count', 'start')
local count = tonumber(data[1])
local start = tonumber(data[2])
if start == nil then
  start = now
  count = 0
elseif now > start + window then
  start = start + math.floor((now - start) / window) * window
  count = 0
end

local allowed = 0
if count < max then
  allowed = 1
  count = count + 1
end

local reset = start + window
redis.call('HSET', key, 'count', count, 'start', start)
redis.call('PEXPIRE', key, (reset - now) + window)
return {allowed, max - count, reset}
`)
