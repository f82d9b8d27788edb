package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTTLSingleFlightOnConcurrentMiss(t *testing.T) {
	c := NewTTL[int]()
	ctx := context.Background()

	var calls int32
	entered := make(chan struct{})
	release := make(chan struct{})
	compute := func(context.Context) (int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
		}
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(ctx, "snapshot", time.Minute, compute)
		}(i)
	}

	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i, v := range results {
		require.NoError(t, errs[i])
		require.Equal(t, 42, v)
	}
}

func TestTTLErrorsAreNotCached(t *testing.T) {
	c := NewTTL[string]()
	ctx := context.Background()
	boom := errors.New("upstream down")

	_, err := c.GetOrCompute(ctx, "k", time.Minute, func(context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	v, err := c.GetOrCompute(ctx, "k", time.Minute, func(context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", v)
}

func TestTTLErrorReachesEveryWaiter(t *testing.T) {
	c := NewTTL[int]()
	ctx := context.Background()
	boom := errors.New("boom")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	compute := func(context.Context) (int, error) {
		once.Do(func() { close(entered) })
		<-release
		return 0, boom
	}

	errs := make(chan error, 2)
	go func() {
		_, err := c.GetOrCompute(ctx, "k", time.Minute, compute)
		errs <- err
	}()
	<-entered
	go func() {
		_, err := c.GetOrCompute(ctx, "k", time.Minute, compute)
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.ErrorIs(t, <-errs, boom)
	require.ErrorIs(t, <-errs, boom)
}

func TestTTLExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTL[int]().WithClock(func() time.Time { return now })
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, _ := c.GetOrCompute(ctx, "k", time.Second, compute)
	require.Equal(t, 1, v)
	v, _ = c.GetOrCompute(ctx, "k", time.Second, compute)
	require.Equal(t, 1, v, "expected cached value inside ttl")

	now = now.Add(time.Second)
	v, _ = c.GetOrCompute(ctx, "k", time.Second, compute)
	require.Equal(t, 2, v, "expected recompute after expiry")

	require.NoError(t, c.Invalidate(context.Background(), "k"))
	v, _ = c.GetOrCompute(ctx, "k", time.Second, compute)
	require.Equal(t, 3, v)

	now = now.Add(time.Hour)
	require.Equal(t, 1, c.Purge())
}

func TestTTLCanceledCallerDoesNotFailWaiters(t *testing.T) {
	c := NewTTL[int]()

	entered := make(chan struct{})
	release := make(chan struct{})
	var computeErr atomic.Value
	compute := func(ctx context.Context) (int, error) {
		close(entered)
		<-release
		computeErr.Store(fmt.Sprint(ctx.Err()))
		return 7, nil
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(firstCtx, "k", time.Minute, compute)
		firstErr <- err
	}()
	<-entered

	type result struct {
		v   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, err := c.GetOrCompute(context.Background(), "k", time.Minute, compute)
		second <- result{v, err}
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	require.Equal(t, 7, got.v)
	require.Equal(t, "<nil>", computeErr.Load(), "compute must not see the first caller's cancellation")
}
