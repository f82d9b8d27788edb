package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisFixedWindow(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: start}
	limiter := NewRedis(client, "test:").WithClock(clock.Now)

	for i := 0; i < 2; i++ {
		res, err := limiter.Check(ctx, "dispatch:ops", 2, time.Minute)
		if err != nil || !res.OK {
			t.Fatalf("call %d: expected allowed, got %+v err=%v", i+1, res, err)
		}
	}
	res, err := limiter.Check(ctx, "dispatch:ops", 2, time.Minute)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.OK {
		t.Fatalf("expected third call to be rejected")
	}
	if !res.ResetAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("expected reset at %s, got %s", start.Add(time.Minute), res.ResetAt)
	}

	clock.Advance(61 * time.Second)
	res, err = limiter.Check(ctx, "dispatch:ops", 2, time.Minute)
	if err != nil || !res.OK {
		t.Fatalf("expected allowed after window, got %+v err=%v", res, err)
	}
	if !res.ResetAt.Equal(start.Add(2 * time.Minute)) {
		t.Fatalf("expected aligned reset at %s, got %s", start.Add(2*time.Minute), res.ResetAt)
	}

	if !mr.Exists("test:dispatch:ops") {
		t.Fatalf("expected namespaced key in redis")
	}
}
