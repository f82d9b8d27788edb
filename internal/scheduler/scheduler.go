// Package scheduler runs the periodic sweeps (stale recovery, delivery
// dispatch, escalation, pipeline batches) on cron specs. With a lock
// manager attached, each sweep runs on at most one process at a time.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"client-engine/internal/config"
	"client-engine/internal/jobqueue"
	"client-engine/internal/lock"
	"client-engine/internal/logging"
	"client-engine/internal/notify"
	"client-engine/internal/pipeline"
	"client-engine/internal/telemetry"
)

// Sweep names.
const (
	SweepRecoverStale  = "recover_stale"
	SweepDispatch      = "dispatch_pending"
	SweepEscalate      = "evaluate_escalations"
	SweepPipelineBatch = "pipeline_batch"
)

// SweepFunc is one unit of periodic work.
type SweepFunc func(ctx context.Context) error

// Sweep binds a function to a cron spec. An empty spec disables it.
type Sweep struct {
	Name string
	Spec string
	Run  SweepFunc
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron  *cron.Cron
	log   *zap.Logger
	locks lock.Manager

	mu      sync.Mutex
	ctx     context.Context
	sweeps  map[string]SweepFunc
	entries map[string]cron.EntryID
}

func New(log *zap.Logger) *Scheduler {
	log = logging.OrNop(log).Named("scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		log:     log,
		ctx:     context.Background(),
		sweeps:  make(map[string]SweepFunc),
		entries: make(map[string]cron.EntryID),
	}
}

// WithLocks makes each sweep take a non-blocking advisory lock first; a
// sweep whose lock is held elsewhere is skipped.
func (s *Scheduler) WithLocks(m lock.Manager) *Scheduler {
	s.locks = m
	return s
}

// Register adds a sweep. A sweep with an empty spec is kept for RunNow but
// never scheduled.
func (s *Scheduler) Register(sw Sweep) error {
	if sw.Name == "" || sw.Run == nil {
		return fmt.Errorf("sweep requires a name and a function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.sweeps[sw.Name]; dup {
		return fmt.Errorf("sweep %s already registered", sw.Name)
	}
	s.sweeps[sw.Name] = sw.Run
	if sw.Spec == "" {
		s.log.Info("sweep disabled", zap.String("sweep", sw.Name))
		return nil
	}
	id, err := s.cron.AddFunc(sw.Spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		_ = s.execute(ctx, sw.Name, sw.Run)
	})
	if err != nil {
		delete(s.sweeps, sw.Name)
		return fmt.Errorf("sweep %s: invalid spec %q: %w", sw.Name, sw.Spec, err)
	}
	s.entries[sw.Name] = id
	s.log.Info("sweep scheduled", zap.String("sweep", sw.Name), zap.String("spec", sw.Spec))
	return nil
}

// Start begins firing scheduled sweeps. ctx is passed to every run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop stops the scheduler and waits for running sweeps up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes a registered sweep synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	fn, ok := s.sweeps[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown sweep %q", name)
	}
	return s.execute(ctx, name, fn)
}

// Scheduled lists sweeps with a cron entry and their next fire time.
func (s *Scheduler) Scheduled() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Names lists every registered sweep.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sweeps))
	for name := range s.sweeps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) execute(ctx context.Context, name string, fn SweepFunc) error {
	log := s.log.With(zap.String("sweep", name))
	if s.locks != nil {
		key := lock.Key("sweep", name)
		ok, err := s.locks.TryLock(ctx, key)
		if err != nil {
			log.Error("sweep lock", zap.Error(err))
			return err
		}
		if !ok {
			telemetry.SweepDuration.WithLabelValues(name, "skipped").Observe(0)
			log.Debug("sweep running elsewhere")
			return nil
		}
		defer func() {
			if err := s.locks.Unlock(context.WithoutCancel(ctx), key); err != nil {
				log.Error("sweep unlock", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	err := fn(logging.WithCaller(ctx, "scheduler"))
	outcome := "ok"
	if err != nil {
		outcome = "error"
		log.Error("sweep failed", zap.Duration("took", time.Since(start)), zap.Error(err))
	}
	telemetry.SweepDuration.WithLabelValues(name, outcome).Observe(time.Since(start).Seconds())
	return err
}

// Sweeps builds the standard sweeps from configuration.
func Sweeps(cfg config.Config, q *jobqueue.Queue, d *notify.Dispatcher, r *pipeline.Runner, log *zap.Logger) []Sweep {
	log = logging.OrNop(log).Named("scheduler")
	return []Sweep{
		{
			Name: SweepRecoverStale,
			Spec: cfg.CronRecoverStale,
			Run: func(ctx context.Context) error {
				jobs, err := q.RecoverStale(ctx, cfg.StaleThreshold)
				if len(jobs) > 0 {
					log.Info("stale jobs recovered", zap.Int("count", len(jobs)))
				}
				return err
			},
		},
		{
			Name: SweepDispatch,
			Spec: cfg.CronDispatch,
			Run: func(ctx context.Context) error {
				_, err := d.DispatchPending(ctx, cfg.DispatchBatchSize)
				return err
			},
		},
		{
			Name: SweepEscalate,
			Spec: cfg.CronEscalate,
			Run: func(ctx context.Context) error {
				res, err := d.EvaluateEscalationRules(ctx, cfg.EscalationBatchSize)
				if res.Created > 0 || res.Resolved > 0 {
					log.Info("escalations evaluated", zap.Int("created", res.Created), zap.Int("resolved", res.Resolved))
				}
				return err
			},
		},
		{
			Name: SweepPipelineBatch,
			Spec: cfg.CronPipelineBatch,
			Run: func(ctx context.Context) error {
				batch, err := r.RunEligible(ctx, cfg.PipelineBatchSize, "cron")
				if batch.Considered > 0 {
					log.Info("pipeline batch",
						zap.Int("considered", batch.Considered),
						zap.Int("succeeded", batch.Succeeded),
						zap.Int("failed", batch.Failed),
						zap.Int("skipped", batch.Skipped),
					)
				}
				return err
			},
		},
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
