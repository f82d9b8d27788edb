package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"client-engine/internal/config"
	"client-engine/internal/jobqueue"
	"client-engine/internal/lock"
	"client-engine/internal/memstore"
	"client-engine/internal/models"
	"client-engine/internal/notify"
	"client-engine/internal/pipeline"
)

func TestRegisterRejectsBadSpec(t *testing.T) {
	s := New(nil)
	err := s.Register(Sweep{Name: "x", Spec: "not a spec", Run: func(context.Context) error { return nil }})
	require.Error(t, err)
	require.Empty(t, s.Names())
}

func TestEmptySpecIsRunnableButNotScheduled(t *testing.T) {
	s := New(nil)
	var runs int32
	require.NoError(t, s.Register(Sweep{Name: "manual", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}))
	require.Empty(t, s.Scheduled())
	require.NoError(t, s.RunNow(context.Background(), "manual"))
	require.EqualValues(t, 1, atomic.LoadInt32(&runs))
	require.Error(t, s.RunNow(context.Background(), "missing"))
}

func TestScheduledSweepFires(t *testing.T) {
	s := New(nil)
	fired := make(chan struct{}, 1)
	require.NoError(t, s.Register(Sweep{Name: "tick", Spec: "@every 1s", Run: func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}}))
	require.Contains(t, s.Scheduled(), "tick")

	s.Start(context.Background())
	defer func() { require.NoError(t, s.Stop(context.Background())) }()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("sweep did not fire")
	}
}

func TestLockedSweepIsSkipped(t *testing.T) {
	locks := lock.NewMemory()
	s := New(nil).WithLocks(locks)
	var runs int32
	require.NoError(t, s.Register(Sweep{Name: SweepDispatch, Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}))

	ok, err := locks.TryLock(context.Background(), lock.Key("sweep", SweepDispatch))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.RunNow(context.Background(), SweepDispatch))
	require.Zero(t, atomic.LoadInt32(&runs))

	require.NoError(t, locks.Unlock(context.Background(), lock.Key("sweep", SweepDispatch)))
	require.NoError(t, s.RunNow(context.Background(), SweepDispatch))
	require.EqualValues(t, 1, atomic.LoadInt32(&runs))

	held, err := locks.Locked(context.Background(), lock.Key("sweep", SweepDispatch))
	require.NoError(t, err)
	require.False(t, held)
}

func TestSweepErrorIsReturned(t *testing.T) {
	s := New(nil)
	boom := errors.New("db down")
	require.NoError(t, s.Register(Sweep{Name: "x", Run: func(context.Context) error { return boom }}))
	require.ErrorIs(t, s.RunNow(context.Background(), "x"), boom)
}

func TestStandardSweeps(t *testing.T) {
	cfg := config.Config{
		StaleThreshold:      time.Minute,
		DispatchBatchSize:   10,
		EscalationBatchSize: 10,
		PipelineBatchSize:   10,
		CronRecoverStale:    "@every 1m",
		CronDispatch:        "@every 30s",
		CronEscalate:        "*/5 * * * *",
	}
	st := memstore.New()
	st.PutLead(models.Lead{ID: "L1", Status: models.LeadNew})
	q := jobqueue.New(st, jobqueue.Backoff{Initial: time.Second}, 3, nil)
	d := notify.New(st, nil, notify.Options{}, nil)
	steps := []pipeline.Step{{Name: "enrich", ArtifactKind: "enrichment", Run: func(context.Context, pipeline.StepInput) (pipeline.StepOutput, error) {
		return pipeline.StepOutput{}, nil
	}}}
	r := pipeline.NewRunner(st, lock.NewMemory(), steps, pipeline.Policy{AllowedStatuses: []string{models.LeadNew}}, nil)

	s := New(nil)
	for _, sw := range Sweeps(cfg, q, d, r, nil) {
		require.NoError(t, s.Register(sw))
	}
	require.Equal(t, []string{SweepDispatch, SweepEscalate, SweepPipelineBatch, SweepRecoverStale}, s.Names())
	require.Len(t, s.Scheduled(), 3, "pipeline batch has no spec")

	for _, name := range s.Names() {
		require.NoError(t, s.RunNow(context.Background(), name), name)
	}
	runs, err := st.ListRuns(context.Background(), "L1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}
