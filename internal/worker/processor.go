package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"client-engine/internal/config"
	"client-engine/internal/jobqueue"
	"client-engine/internal/logging"
	"client-engine/internal/models"
	"client-engine/internal/telemetry"
)

var (
	errCancelRequested = errors.New("cancel requested")
	errLeaseLost       = errors.New("lease lost")
)

// Processor drives the worker execution loop.
type Processor struct {
	queue    *jobqueue.Queue
	handlers map[string]Handler
	workerID string
	jobTypes []string
	log      *zap.Logger

	pollInterval       time.Duration
	heartbeatInterval  time.Duration
	cancelPollInterval time.Duration
}

// Handler executes a job for a given type. The returned map is stored as the
// job result.
type Handler func(ctx context.Context, job models.JobRun) (map[string]any, error)

func NewProcessor(cfg config.Config, q *jobqueue.Queue, log *zap.Logger) *Processor {
	host, _ := os.Hostname()
	return NewProcessorWithID(cfg, q, fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]), log)
}

// NewProcessorWithID creates a processor with a specific worker ID for lease ownership.
func NewProcessorWithID(cfg config.Config, q *jobqueue.Queue, workerID string, log *zap.Logger) *Processor {
	p := &Processor{
		queue:              q,
		handlers:           make(map[string]Handler),
		workerID:           workerID,
		jobTypes:           cfg.WorkerJobTypes,
		log:                logging.OrNop(log).Named("worker").With(zap.String("worker_id", workerID)),
		pollInterval:       cfg.WorkerPollInterval,
		heartbeatInterval:  cfg.WorkerHeartbeatInterval,
		cancelPollInterval: cfg.WorkerCancelPollInterval,
	}
	if p.pollInterval <= 0 {
		p.pollInterval = time.Second
	}
	return p
}

// WorkerID is the lease owner recorded on claimed jobs.
func (p *Processor) WorkerID() string { return p.workerID }

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker started", zap.Strings("job_types", p.jobTypes))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		worked, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Error("claim job", zap.Error(err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job
// was claimed.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.ClaimNext(ctx, p.workerID, p.jobTypes...)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.process(ctx, *job)
	return true, nil
}

func (p *Processor) process(ctx context.Context, job models.JobRun) {
	log := p.log.With(zap.String("job_id", job.ID), zap.String("job_type", job.JobType), zap.Int("attempt", job.Attempts+1))
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.watch(jobCtx, job.ID, cancel, done, log)
	}()

	start := time.Now()
	result, runErr := p.runJob(logging.WithCaller(jobCtx, p.workerID), job)
	close(done)
	wg.Wait()

	// Bookkeeping must land even when shutdown canceled ctx.
	bg := context.WithoutCancel(ctx)
	cause := context.Cause(jobCtx)
	switch {
	case errors.Is(cause, errLeaseLost):
		log.Warn("lease lost, abandoning result", zap.Error(runErr))
	case errors.Is(cause, errCancelRequested):
		if _, err := p.queue.ConfirmCanceled(bg, job.ID, p.workerID); err != nil {
			log.Error("confirm cancel", zap.Error(err))
			return
		}
		log.Info("job canceled")
	case runErr == nil:
		if _, err := p.queue.Complete(bg, job.ID, p.workerID, result); err != nil {
			log.Error("complete job", zap.Error(err))
			return
		}
		log.Info("job succeeded", zap.Duration("took", time.Since(start)))
	default:
		opts := jobqueue.FailOptions{Retryable: !IsPermanent(runErr), Code: errorCode(runErr)}
		if ctx.Err() != nil {
			opts = jobqueue.FailOptions{Retryable: true, Code: "worker_shutdown"}
		}
		updated, err := p.queue.Fail(bg, job.ID, p.workerID, runErr, opts)
		if err != nil {
			log.Error("record failure", zap.Error(err))
			return
		}
		log.Warn("job failed", zap.String("status", updated.Status), zap.Bool("retryable", opts.Retryable), zap.Error(runErr))
	}
}

// watch heartbeats the lease and polls for cancellation until done closes.
func (p *Processor) watch(ctx context.Context, jobID string, cancel context.CancelCauseFunc, done <-chan struct{}, log *zap.Logger) {
	var heartbeat, cancelPoll <-chan time.Time
	if p.heartbeatInterval > 0 {
		t := time.NewTicker(p.heartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}
	if p.cancelPollInterval > 0 {
		t := time.NewTicker(p.cancelPollInterval)
		defer t.Stop()
		cancelPoll = t.C
	}

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-heartbeat:
			if err := p.queue.Heartbeat(ctx, jobID, p.workerID); err != nil {
				if errors.Is(err, models.ErrLeaseLost) {
					cancel(errLeaseLost)
					return
				}
				log.Warn("heartbeat", zap.Error(err))
			}
		case <-cancelPoll:
			requested, err := p.queue.CancelRequested(ctx, jobID)
			if err != nil {
				log.Warn("poll cancel", zap.Error(err))
				continue
			}
			if requested {
				cancel(errCancelRequested)
				return
			}
		}
	}
}

// runJob executes the job payload with the registered handler.
func (p *Processor) runJob(ctx context.Context, job models.JobRun) (result map[string]any, err error) {
	handler, ok := p.handlers[job.JobType]
	if !ok {
		return nil, Permanent(fmt.Errorf("no handler registered for type %q", job.JobType))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
