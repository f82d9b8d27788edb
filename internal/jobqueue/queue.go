// Package jobqueue implements the durable job lifecycle on top of a store
// that provides atomic conditional updates.
//
// Lifecycle: queued -> running -> succeeded | failed | canceled. A running
// job holds a lease (LockedAt/LockOwner); RecoverStale returns abandoned
// leases to the queue, so execution is at-least-once and handlers must be
// idempotent.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"client-engine/internal/logging"
	"client-engine/internal/models"
	"client-engine/internal/telemetry"
)

// ErrInvalidJob is returned for malformed enqueue parameters, before any write.
var ErrInvalidJob = errors.New("invalid job")

const (
	maxPriority    = 1000
	maxMaxAttempts = 100
)

// Store is the persistence contract the queue relies on. ClaimNextJob must
// select and lease in one atomic step.
type Store interface {
	InsertJob(ctx context.Context, job models.NewJob) (models.JobRun, bool, error)
	ClaimNextJob(ctx context.Context, workerID string, jobTypes []string) (*models.JobRun, error)
	GetJob(ctx context.Context, id string) (models.JobRun, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]models.JobRun, error)
	CountReadyJobs(ctx context.Context) (int64, error)
	HeartbeatJob(ctx context.Context, id, workerID string) error
	CompleteJob(ctx context.Context, id, workerID string, result map[string]any) (models.JobRun, error)
	FailJob(ctx context.Context, id, workerID string, failure models.JobFailure) (models.JobRun, error)
	CancelJob(ctx context.Context, id string) (models.JobRun, error)
	ConfirmCanceled(ctx context.Context, id, workerID string) (models.JobRun, error)
	RecoverStaleJobs(ctx context.Context, threshold time.Duration) ([]models.JobRun, error)
	AppendJobLog(ctx context.Context, jobID, event, detail string) error
	JobLogs(ctx context.Context, jobID string) ([]models.JobLog, error)
}

// EnqueueOptions are the optional enqueue parameters.
type EnqueueOptions struct {
	Priority       int
	IdempotencyKey string
	DedupeKey      string
	RunAfter       time.Time
	MaxAttempts    int
	SourceType     string
	SourceID       string
}

// FailOptions controls how a failed attempt is recorded.
type FailOptions struct {
	Retryable bool
	Code      string
}

// DeadLetterHook observes jobs that failed terminally.
type DeadLetterHook func(ctx context.Context, job models.JobRun)

// Queue is the job queue service.
type Queue struct {
	store              Store
	backoff            Backoff
	defaultMaxAttempts int
	log                *zap.Logger
	deadLetter         []DeadLetterHook
	now                func() time.Time
}

// New constructs a queue over store.
func New(store Store, backoff Backoff, defaultMaxAttempts int, log *zap.Logger) *Queue {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 5
	}
	return &Queue{
		store:              store,
		backoff:            backoff,
		defaultMaxAttempts: defaultMaxAttempts,
		log:                logging.OrNop(log).Named("jobqueue"),
		now:                time.Now,
	}
}

// WithClock overrides the time source used for RunAfter defaults and backoff.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// OnDeadLetter registers a hook called after a job fails terminally.
func (q *Queue) OnDeadLetter(h DeadLetterHook) {
	if h != nil {
		q.deadLetter = append(q.deadLetter, h)
	}
}

// Enqueue creates a job, or returns the live job already holding the same
// idempotency key (or queued under the same dedupe key). existing reports
// which case applied.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload map[string]any, opts EnqueueOptions) (models.JobRun, bool, error) {
	if err := validate(jobType, opts); err != nil {
		return models.JobRun{}, false, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.defaultMaxAttempts
	}
	runAfter := opts.RunAfter
	if runAfter.IsZero() {
		runAfter = q.now()
	}

	job, existing, err := q.store.InsertJob(ctx, models.NewJob{
		JobType:        jobType,
		Priority:       opts.Priority,
		IdempotencyKey: opts.IdempotencyKey,
		DedupeKey:      opts.DedupeKey,
		Payload:        payload,
		RunAfter:       runAfter,
		MaxAttempts:    maxAttempts,
		SourceType:     opts.SourceType,
		SourceID:       opts.SourceID,
	})
	if err != nil {
		return models.JobRun{}, false, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	if existing {
		telemetry.JobsDeduplicated.Inc()
		q.appendLog(ctx, job.ID, "enqueue_deduplicated", fmt.Sprintf("idempotency_key=%s dedupe_key=%s", opts.IdempotencyKey, opts.DedupeKey))
		return job, true, nil
	}

	telemetry.JobsEnqueued.WithLabelValues(jobType).Inc()
	q.appendLog(ctx, job.ID, "enqueued", fmt.Sprintf("priority=%d run_after=%s", job.Priority, job.RunAfter.UTC().Format(time.RFC3339)))
	q.log.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("job_type", jobType))
	return job, false, nil
}

func validate(jobType string, opts EnqueueOptions) error {
	switch {
	case jobType == "":
		return fmt.Errorf("%w: job type is required", ErrInvalidJob)
	case len(jobType) > 128:
		return fmt.Errorf("%w: job type longer than 128 characters", ErrInvalidJob)
	case opts.MaxAttempts < 0 || opts.MaxAttempts > maxMaxAttempts:
		return fmt.Errorf("%w: max attempts must be between 0 and %d", ErrInvalidJob, maxMaxAttempts)
	case opts.Priority < -maxPriority || opts.Priority > maxPriority:
		return fmt.Errorf("%w: priority must be between -%d and %d", ErrInvalidJob, maxPriority, maxPriority)
	case (opts.SourceType == "") != (opts.SourceID == ""):
		return fmt.Errorf("%w: source type and source id must be set together", ErrInvalidJob)
	}
	return nil
}

// ClaimNext leases the highest-priority eligible job to workerID. It returns
// nil when nothing is eligible.
func (q *Queue) ClaimNext(ctx context.Context, workerID string, jobTypes ...string) (*models.JobRun, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrInvalidJob)
	}
	job, err := q.store.ClaimNextJob(ctx, workerID, jobTypes)
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	telemetry.JobsClaimed.Inc()
	q.appendLog(ctx, job.ID, "claimed", "worker="+workerID)
	return job, nil
}

// Heartbeat refreshes the lease held by workerID.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	if err := q.store.HeartbeatJob(ctx, jobID, workerID); err != nil {
		return fmt.Errorf("heartbeat %s: %w", jobID, err)
	}
	return nil
}

// Complete marks a running job succeeded. An empty workerID skips the lease
// owner check.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, result map[string]any) (models.JobRun, error) {
	job, err := q.store.CompleteJob(ctx, jobID, workerID, result)
	if err != nil {
		return models.JobRun{}, fmt.Errorf("complete %s: %w", jobID, err)
	}
	telemetry.JobsCompleted.Inc()
	q.appendLog(ctx, jobID, "succeeded", "worker="+workerID)
	return job, nil
}

// Fail records a failed attempt. Retryable failures under the attempt budget
// go back to the queue after a backoff; everything else is terminal.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, cause error, opts FailOptions) (models.JobRun, error) {
	current, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return models.JobRun{}, fmt.Errorf("fail %s: %w", jobID, err)
	}
	if models.IsTerminalJobStatus(current.Status) {
		return current, fmt.Errorf("fail %s in status %s: %w", jobID, current.Status, models.ErrInvalidTransition)
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	attempts := current.Attempts + 1
	failure := models.JobFailure{
		Message:          msg,
		Code:             opts.Code,
		Requeue:          opts.Retryable && attempts < current.MaxAttempts,
		ExpectedAttempts: current.Attempts,
	}
	if failure.Requeue {
		failure.RunAfter = q.now().Add(q.backoff.Delay(attempts))
	}

	job, err := q.store.FailJob(ctx, jobID, workerID, failure)
	if err != nil {
		return models.JobRun{}, fmt.Errorf("fail %s: %w", jobID, err)
	}

	if failure.Requeue {
		telemetry.JobsRetried.Inc()
		q.appendLog(ctx, jobID, "retry_scheduled", fmt.Sprintf("attempts=%d run_after=%s error=%s", job.Attempts, job.RunAfter.UTC().Format(time.RFC3339), msg))
		return job, nil
	}

	telemetry.JobsDeadLettered.Inc()
	q.appendLog(ctx, jobID, "failed", fmt.Sprintf("attempts=%d retryable=%t error=%s", job.Attempts, opts.Retryable, msg))
	q.log.Warn("job failed terminally",
		zap.String("job_id", jobID),
		zap.String("job_type", job.JobType),
		zap.Int("attempts", job.Attempts),
		zap.String("error", msg),
	)
	for _, h := range q.deadLetter {
		h(ctx, job)
	}
	return job, nil
}

// Cancel cancels a queued job immediately. For a running job it only records
// the request; the owning worker observes it and confirms.
func (q *Queue) Cancel(ctx context.Context, jobID string) (models.JobRun, error) {
	job, err := q.store.CancelJob(ctx, jobID)
	if err != nil {
		return job, fmt.Errorf("cancel %s: %w", jobID, err)
	}
	if job.Status == models.StatusCanceled {
		telemetry.JobsCanceled.Inc()
		q.appendLog(ctx, jobID, "canceled", "canceled while queued")
	} else {
		q.appendLog(ctx, jobID, "cancel_requested", "cooperative cancellation requested")
	}
	return job, nil
}

// CancelRequested reports whether cancellation was requested for a job.
func (q *Queue) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.CancelRequestedAt != nil, nil
}

// ConfirmCanceled is called by the owning worker after it stopped a job whose
// cancellation was requested.
func (q *Queue) ConfirmCanceled(ctx context.Context, jobID, workerID string) (models.JobRun, error) {
	job, err := q.store.ConfirmCanceled(ctx, jobID, workerID)
	if err != nil {
		return job, fmt.Errorf("confirm cancel %s: %w", jobID, err)
	}
	telemetry.JobsCanceled.Inc()
	q.appendLog(ctx, jobID, "canceled", "stopped by worker="+workerID)
	return job, nil
}

// RecoverStale requeues running jobs whose lease is older than threshold.
// A slow but alive worker is indistinguishable from a dead one here, so the
// threshold must exceed the slowest legitimate job between heartbeats.
func (q *Queue) RecoverStale(ctx context.Context, threshold time.Duration) ([]models.JobRun, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("%w: stale threshold must be positive", ErrInvalidJob)
	}
	jobs, err := q.store.RecoverStaleJobs(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("recover stale: %w", err)
	}
	for _, job := range jobs {
		telemetry.JobsRecovered.Inc()
		event := "stale_requeued"
		if job.Status == models.StatusCanceled {
			event = "stale_canceled"
		}
		q.appendLog(ctx, job.ID, event, fmt.Sprintf("lease older than %s", threshold))
	}
	if len(jobs) > 0 {
		q.log.Info("recovered stale jobs", zap.Int("count", len(jobs)), zap.Duration("threshold", threshold))
	}
	return jobs, nil
}

// Get returns a job with its full log history.
func (q *Queue) Get(ctx context.Context, jobID string) (models.JobDetail, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return models.JobDetail{}, err
	}
	logs, err := q.store.JobLogs(ctx, jobID)
	if err != nil {
		return models.JobDetail{}, fmt.Errorf("job logs: %w", err)
	}
	return models.JobDetail{Job: job, Logs: logs}, nil
}

// List returns jobs matching filter.
func (q *Queue) List(ctx context.Context, filter models.JobFilter) ([]models.JobRun, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return q.store.ListJobs(ctx, filter)
}

// Depth returns the number of queued jobs eligible to run now.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.store.CountReadyJobs(ctx)
}

func (q *Queue) appendLog(ctx context.Context, jobID, event, detail string) {
	if err := q.store.AppendJobLog(ctx, jobID, event, detail); err != nil {
		q.log.Warn("append job log", zap.String("job_id", jobID), zap.String("event", event), zap.Error(err))
	}
}
