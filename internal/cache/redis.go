package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Redis stores JSON-encoded values in Redis so every process reads the same
// entries. Single-flight still applies per process.
type Redis[V any] struct {
	client *redis.Client
	prefix string
	group  singleflight.Group
}

// NewRedis constructs a cache whose keys are namespaced by prefix.
func NewRedis[V any](client *redis.Client, prefix string) *Redis[V] {
	if prefix == "" {
		prefix = "cache:"
	}
	return &Redis[V]{client: client, prefix: prefix}
}

// GetOrCompute returns the cached value for key or loads it with compute.
func (c *Redis[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (V, error)) (V, error) {
	var zero V
	if v, ok, err := c.get(ctx, key); err != nil {
		return zero, err
	} else if ok {
		return v, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		v, err := compute(flightCtx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode cache value: %w", err)
		}
		if err := c.client.Set(flightCtx, c.prefix+key, raw, ttl).Err(); err != nil {
			return nil, fmt.Errorf("cache set: %w", err)
		}
		return v, nil
	})
	return await[V](ctx, ch)
}

// Invalidate drops key so the next read recomputes it.
func (c *Redis[V]) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

func (c *Redis[V]) get(ctx context.Context, key string) (V, bool, error) {
	var v V
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode cache value: %w", err)
	}
	return v, true, nil
}
