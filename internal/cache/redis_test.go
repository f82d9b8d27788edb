package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type history struct {
	RunIDs []string `json:"run_ids"`
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedis[history](client, "test:")

	calls := 0
	compute := func(context.Context) (history, error) {
		calls++
		return history{RunIDs: []string{"r1", "r2"}}, nil
	}

	v, err := c.GetOrCompute(ctx, "lead:1", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2"}, v.RunIDs)

	v, err = c.GetOrCompute(ctx, "lead:1", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Len(t, v.RunIDs, 2)

	mr.FastForward(2 * time.Minute)
	_, err = c.GetOrCompute(ctx, "lead:1", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	require.NoError(t, c.Invalidate(ctx, "lead:1"))
	require.False(t, mr.Exists("test:lead:1"))
}
