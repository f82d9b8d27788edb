package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"client-engine/internal/memstore"
	"client-engine/internal/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) (*Queue, *memstore.Store, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := memstore.New()
	st.Now = clk.Now
	q := New(st, Backoff{Strategy: "fixed", Initial: 10 * time.Second}, 3, nil).WithClock(clk.Now)
	return q, st, clk
}

func TestEnqueueIdempotencyKeyReturnsExistingJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	first, existing, err := q.Enqueue(ctx, "pipeline.run", map[string]any{"lead_id": "L1"}, EnqueueOptions{IdempotencyKey: "k"})
	require.NoError(t, err)
	require.False(t, existing)

	second, existing, err := q.Enqueue(ctx, "pipeline.run", map[string]any{"lead_id": "L1"}, EnqueueOptions{IdempotencyKey: "k"})
	require.NoError(t, err)
	require.True(t, existing)
	require.Equal(t, first.ID, second.ID)

	jobs, err := q.List(ctx, models.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestEnqueueDedupeKeyCollapsesQueuedOnly(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	first, _, err := q.Enqueue(ctx, "digest", nil, EnqueueOptions{DedupeKey: "daily"})
	require.NoError(t, err)
	dup, existing, err := q.Enqueue(ctx, "digest", nil, EnqueueOptions{DedupeKey: "daily"})
	require.NoError(t, err)
	require.True(t, existing)
	require.Equal(t, first.ID, dup.ID)

	claimed, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)

	// Once the first job is running, the same intent may be queued again.
	next, existing, err := q.Enqueue(ctx, "digest", nil, EnqueueOptions{DedupeKey: "daily"})
	require.NoError(t, err)
	require.False(t, existing)
	require.NotEqual(t, first.ID, next.ID)
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	q, st, _ := newTestQueue(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		jobType string
		opts    EnqueueOptions
	}{
		{"empty type", "", EnqueueOptions{}},
		{"negative attempts", "x", EnqueueOptions{MaxAttempts: -1}},
		{"too many attempts", "x", EnqueueOptions{MaxAttempts: 101}},
		{"priority out of range", "x", EnqueueOptions{Priority: 5000}},
		{"half source", "x", EnqueueOptions{SourceType: "lead"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := q.Enqueue(ctx, tc.jobType, nil, tc.opts)
			require.ErrorIs(t, err, ErrInvalidJob)
		})
	}

	jobs, err := st.ListJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestClaimNextOrdersByPriorityAndRunAfter(t *testing.T) {
	q, _, clk := newTestQueue(t)
	ctx := context.Background()

	low, _, _ := q.Enqueue(ctx, "a", nil, EnqueueOptions{Priority: 1})
	high, _, _ := q.Enqueue(ctx, "a", nil, EnqueueOptions{Priority: 10})
	_, _, _ = q.Enqueue(ctx, "a", nil, EnqueueOptions{Priority: 100, RunAfter: clk.Now().Add(time.Hour)})

	got, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, high.ID, got.ID)
	require.Equal(t, models.StatusRunning, got.Status)
	require.NotNil(t, got.LockedAt)
	require.Equal(t, "w1", *got.LockOwner)

	got, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, low.ID, got.ID)

	got, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, got, "future job must not be claimable")
}

func TestClaimNextFiltersJobTypes(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, _ = q.Enqueue(ctx, "email", nil, EnqueueOptions{Priority: 50})
	want, _, _ := q.Enqueue(ctx, "pipeline.run", nil, EnqueueOptions{})

	got, err := q.ClaimNext(ctx, "w1", "pipeline.run")
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
}

func TestConcurrentClaimsNeverShareAJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	const jobs = 50
	for i := 0; i < jobs; i++ {
		_, _, err := q.Enqueue(ctx, "work", map[string]any{"n": i}, EnqueueOptions{})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		dupes   []string
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := q.ClaimNext(ctx, worker)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				if prev, ok := claimed[job.ID]; ok {
					dupes = append(dupes, fmt.Sprintf("%s claimed by %s and %s", job.ID, prev, worker))
				}
				claimed[job.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	require.Empty(t, dupes)
	require.Len(t, claimed, jobs)
}

func TestCompleteRequiresLeaseOwner(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job, _, _ := q.Enqueue(ctx, "work", nil, EnqueueOptions{})
	_, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	_, err = q.Complete(ctx, job.ID, "w2", nil)
	require.ErrorIs(t, err, models.ErrLeaseLost)

	done, err := q.Complete(ctx, job.ID, "w1", map[string]any{"ok": true})
	require.NoError(t, err)
	require.Equal(t, models.StatusSucceeded, done.Status)
	require.Nil(t, done.LockedAt)
	require.Nil(t, done.LockOwner)
	require.NotNil(t, done.FinishedAt)

	_, err = q.Complete(ctx, job.ID, "w1", nil)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestFailRetriesUntilAttemptsExhausted(t *testing.T) {
	q, _, clk := newTestQueue(t)
	ctx := context.Background()

	var dead []string
	q.OnDeadLetter(func(_ context.Context, job models.JobRun) { dead = append(dead, job.ID) })

	job, _, _ := q.Enqueue(ctx, "work", nil, EnqueueOptions{MaxAttempts: 3})
	boom := errors.New("upstream 503")

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := q.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		failed, err := q.Fail(ctx, job.ID, "w1", boom, FailOptions{Retryable: true})
		require.NoError(t, err)
		require.Equal(t, models.StatusQueued, failed.Status)
		require.Equal(t, attempt, failed.Attempts)
		require.Equal(t, clk.Now().Add(10*time.Second), failed.RunAfter)
		require.Nil(t, failed.LockOwner)

		none, err := q.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.Nil(t, none, "job must wait for its backoff")
		clk.Advance(10 * time.Second)
	}

	_, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	final, err := q.Fail(ctx, job.ID, "w1", boom, FailOptions{Retryable: true})
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, final.Status)
	require.Equal(t, 3, final.Attempts)
	require.Equal(t, "upstream 503", *final.ErrorMessage)
	require.Equal(t, []string{job.ID}, dead)

	_, err = q.Fail(ctx, job.ID, "w1", boom, FailOptions{Retryable: true})
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job, _, _ := q.Enqueue(ctx, "work", nil, EnqueueOptions{MaxAttempts: 5})
	_, _ = q.ClaimNext(ctx, "w1")
	failed, err := q.Fail(ctx, job.ID, "w1", errors.New("bad payload"), FailOptions{Code: "invalid_payload"})
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, failed.Status)
	require.Equal(t, "invalid_payload", *failed.ErrorCode)
}

func TestCancelQueuedAndRunning(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	queued, _, _ := q.Enqueue(ctx, "work", nil, EnqueueOptions{})
	canceled, err := q.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCanceled, canceled.Status)
	require.NotNil(t, canceled.CanceledAt)

	running, _, _ := q.Enqueue(ctx, "work", nil, EnqueueOptions{})
	_, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	requested, err := q.Cancel(ctx, running.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, requested.Status)
	require.NotNil(t, requested.CancelRequestedAt)

	ok, err := q.CancelRequested(ctx, running.ID)
	require.NoError(t, err)
	require.True(t, ok)

	stopped, err := q.ConfirmCanceled(ctx, running.ID, "w1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCanceled, stopped.Status)
	require.Nil(t, stopped.LockOwner)

	_, err = q.Cancel(ctx, running.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRecoverStaleRequeuesOnlyExpiredLeases(t *testing.T) {
	q, _, clk := newTestQueue(t)
	ctx := context.Background()

	stale, _, _ := q.Enqueue(ctx, "work", nil, EnqueueOptions{Priority: 2})
	fresh, _, _ := q.Enqueue(ctx, "work", nil, EnqueueOptions{Priority: 1})

	_, _ = q.ClaimNext(ctx, "w1")
	clk.Advance(10 * time.Minute)
	_, _ = q.ClaimNext(ctx, "w2")
	clk.Advance(6 * time.Minute)

	recovered, err := q.RecoverStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.Equal(t, stale.ID, recovered[0].ID)
	require.Equal(t, models.StatusQueued, recovered[0].Status)
	require.Nil(t, recovered[0].LockedAt)
	require.Equal(t, clk.Now(), recovered[0].RunAfter)

	stillRunning, err := q.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, stillRunning.Job.Status)

	// The original owner lost the lease and can no longer finish the job.
	_, err = q.Complete(ctx, stale.ID, "w1", nil)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRecoverStaleHonorsCancelRequest(t *testing.T) {
	q, _, clk := newTestQueue(t)
	ctx := context.Background()

	job, _, _ := q.Enqueue(ctx, "work", nil, EnqueueOptions{})
	_, _ = q.ClaimNext(ctx, "w1")
	_, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	recovered, err := q.RecoverStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.Equal(t, models.StatusCanceled, recovered[0].Status)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	q, _, clk := newTestQueue(t)
	ctx := context.Background()

	job, _, _ := q.Enqueue(ctx, "work", nil, EnqueueOptions{})
	_, _ = q.ClaimNext(ctx, "w1")

	clk.Advance(10 * time.Minute)
	require.NoError(t, q.Heartbeat(ctx, job.ID, "w1"))
	require.ErrorIs(t, q.Heartbeat(ctx, job.ID, "w2"), models.ErrLeaseLost)

	clk.Advance(10 * time.Minute)
	recovered, err := q.RecoverStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Empty(t, recovered)
}

func TestGetIncludesTransitionLog(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job, _, _ := q.Enqueue(ctx, "work", nil, EnqueueOptions{})
	_, _ = q.ClaimNext(ctx, "w1")
	_, err := q.Complete(ctx, job.ID, "w1", nil)
	require.NoError(t, err)

	detail, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	events := make([]string, 0, len(detail.Logs))
	for _, l := range detail.Logs {
		events = append(events, l.Event)
	}
	require.Equal(t, []string{"enqueued", "claimed", "succeeded"}, events)

	_, err = q.Get(ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}
