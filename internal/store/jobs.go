package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"client-engine/internal/models"
)

const jobColumns = `id, job_type, status, priority, idempotency_key, dedupe_key, payload, result,
	error_message, error_code, attempts, max_attempts, run_after, locked_at, lock_owner,
	cancel_requested_at, canceled_at, started_at, finished_at, source_type, source_id, created_at, updated_at`

func scanJob(row pgx.Row) (models.JobRun, error) {
	var (
		job                                              models.JobRun
		payloadJSON, resultJSON                          []byte
		idem, dedupe, errMsg, errCode, owner             pgtype.Text
		srcType, srcID                                   pgtype.Text
		lockedAt, cancelReq, canceled, started, finished pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.JobType, &job.Status, &job.Priority, &idem, &dedupe, &payloadJSON, &resultJSON,
		&errMsg, &errCode, &job.Attempts, &job.MaxAttempts, &job.RunAfter, &lockedAt, &owner,
		&cancelReq, &canceled, &started, &finished, &srcType, &srcID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.JobRun{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.JobRun{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.JobRun{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.IdempotencyKey = textPtr(idem)
	job.DedupeKey = textPtr(dedupe)
	job.ErrorMessage = textPtr(errMsg)
	job.ErrorCode = textPtr(errCode)
	job.LockOwner = textPtr(owner)
	job.SourceType = textPtr(srcType)
	job.SourceID = textPtr(srcID)
	job.LockedAt = timePtr(lockedAt)
	job.CancelRequestedAt = timePtr(cancelReq)
	job.CanceledAt = timePtr(canceled)
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	job.RunAfter = job.RunAfter.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.JobRun, error) {
	defer rows.Close()
	var out []models.JobRun
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// InsertJob inserts a queued job. A live job holding the same idempotency key,
// or a queued job with the same dedupe key, wins the unique index and is
// returned instead with existing=true.
func (s *Store) InsertJob(ctx context.Context, nj models.NewJob) (models.JobRun, bool, error) {
	payloadJSON, err := json.Marshal(nj.Payload)
	if err != nil {
		return models.JobRun{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	return insertOrFind(func() (models.JobRun, bool, error) {
		job, err := scanJob(s.pool.QueryRow(ctx, `
			INSERT INTO job_runs (id, job_type, status, priority, idempotency_key, dedupe_key, payload,
				attempts, max_attempts, run_after, source_type, source_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, NOW(), NOW())
			ON CONFLICT DO NOTHING
			RETURNING `+jobColumns,
			uuid.New().String(), nj.JobType, models.StatusQueued, nj.Priority, emptyToNil(nj.IdempotencyKey),
			emptyToNil(nj.DedupeKey), payloadJSON, nj.MaxAttempts, nj.RunAfter, emptyToNil(nj.SourceType), emptyToNil(nj.SourceID)))
		if errors.Is(err, pgx.ErrNoRows) {
			return job, false, nil
		}
		if err != nil {
			return job, false, fmt.Errorf("insert job: %w", err)
		}
		return job, true, nil
	}, func() (models.JobRun, error) {
		existing, err := scanJob(s.pool.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM job_runs
			WHERE ($1::text IS NOT NULL AND idempotency_key = $1 AND status IN ('queued', 'running'))
			   OR ($2::text IS NOT NULL AND dedupe_key = $2 AND status = 'queued')
			ORDER BY created_at
			LIMIT 1
		`, emptyToNil(nj.IdempotencyKey), emptyToNil(nj.DedupeKey)))
		if err != nil {
			return existing, fmt.Errorf("find conflicting job: %w", err)
		}
		return existing, nil
	})
}

// ClaimNextJob leases the best eligible job in one statement. SKIP LOCKED lets
// concurrent claimers pass over rows another transaction is already taking.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, jobTypes []string) (*models.JobRun, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE job_runs
		SET status = 'running', locked_at = NOW(), lock_owner = $1, started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM job_runs
			WHERE status = 'queued'
			  AND run_after <= NOW()
			  AND ($2::text[] IS NULL OR cardinality($2::text[]) = 0 OR job_type = ANY($2::text[]))
			ORDER BY priority DESC, run_after, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, workerID, jobTypes)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.JobRun, error) {
	if err := checkID("job", id); err != nil {
		return models.JobRun{}, err
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_runs WHERE id = $1`, id))
	if err != nil {
		return models.JobRun{}, notFound("job", id, err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter models.JobFilter) ([]models.JobRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM job_runs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR job_type = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, filter.Status, filter.JobType, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountReadyJobs returns count of jobs ready to run (run_after <= now and queued).
func (s *Store) CountReadyJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_runs WHERE status = $1 AND run_after <= NOW()
	`, models.StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ready jobs: %w", err)
	}
	return n, nil
}

// transitionError explains why a conditional update on a job matched no row.
func (s *Store) transitionError(ctx context.Context, id, workerID string, allowed ...string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	for _, st := range allowed {
		if job.Status == st {
			if workerID != "" && job.Status == models.StatusRunning && (job.LockOwner == nil || *job.LockOwner != workerID) {
				return fmt.Errorf("job %s: %w", id, models.ErrLeaseLost)
			}
			return fmt.Errorf("job %s changed concurrently: %w", id, models.ErrLeaseLost)
		}
	}
	return fmt.Errorf("job %s is %s: %w", id, job.Status, models.ErrInvalidTransition)
}

func (s *Store) HeartbeatJob(ctx context.Context, id, workerID string) error {
	if err := checkID("job", id); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs SET locked_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND lock_owner = $2
	`, id, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("job %s: %w", id, models.ErrLeaseLost)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, id, workerID string, result map[string]any) (models.JobRun, error) {
	if err := checkID("job", id); err != nil {
		return models.JobRun{}, err
	}
	var resultJSON []byte
	if result != nil {
		var err error
		if resultJSON, err = json.Marshal(result); err != nil {
			return models.JobRun{}, fmt.Errorf("marshal result: %w", err)
		}
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE job_runs
		SET status = 'succeeded', result = $3, error_message = NULL, error_code = NULL,
			locked_at = NULL, lock_owner = NULL, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND ($2 = '' OR lock_owner = $2)
		RETURNING `+jobColumns, id, workerID, resultJSON))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, s.transitionError(ctx, id, workerID, models.StatusRunning)
	}
	if err != nil {
		return models.JobRun{}, fmt.Errorf("complete job: %w", err)
	}
	return job, nil
}

// FailJob records a failed attempt. The attempts guard turns a concurrent
// failure recording into ErrLeaseLost instead of a double increment.
func (s *Store) FailJob(ctx context.Context, id, workerID string, f models.JobFailure) (models.JobRun, error) {
	if err := checkID("job", id); err != nil {
		return models.JobRun{}, err
	}
	var runAfter *time.Time
	if f.Requeue {
		runAfter = &f.RunAfter
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE job_runs
		SET attempts = attempts + 1,
			error_message = $3,
			error_code = $4,
			status = CASE WHEN $5::boolean THEN 'queued' ELSE 'failed' END,
			run_after = COALESCE($6::timestamptz, run_after),
			finished_at = CASE WHEN $5::boolean THEN finished_at ELSE NOW() END,
			locked_at = NULL, lock_owner = NULL, updated_at = NOW()
		WHERE id = $1
		  AND status IN ('queued', 'running')
		  AND ($2 = '' OR status = 'queued' OR lock_owner = $2)
		  AND attempts = $7
		RETURNING `+jobColumns, id, workerID, f.Message, emptyToNil(f.Code), f.Requeue, runAfter, f.ExpectedAttempts))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, s.transitionError(ctx, id, workerID, models.StatusQueued, models.StatusRunning)
	}
	if err != nil {
		return models.JobRun{}, fmt.Errorf("fail job: %w", err)
	}
	return job, nil
}

// CancelJob cancels a queued job outright, or records the request on a
// running one. All SET expressions read the pre-update row.
func (s *Store) CancelJob(ctx context.Context, id string) (models.JobRun, error) {
	if err := checkID("job", id); err != nil {
		return models.JobRun{}, err
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE job_runs
		SET status = CASE WHEN status = 'queued' THEN 'canceled' ELSE status END,
			cancel_requested_at = COALESCE(cancel_requested_at, NOW()),
			canceled_at = CASE WHEN status = 'queued' THEN NOW() ELSE canceled_at END,
			finished_at = CASE WHEN status = 'queued' THEN NOW() ELSE finished_at END,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING `+jobColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return models.JobRun{}, getErr
		}
		return current, fmt.Errorf("job %s is %s: %w", id, current.Status, models.ErrInvalidTransition)
	}
	if err != nil {
		return models.JobRun{}, fmt.Errorf("cancel job: %w", err)
	}
	return job, nil
}

func (s *Store) ConfirmCanceled(ctx context.Context, id, workerID string) (models.JobRun, error) {
	if err := checkID("job", id); err != nil {
		return models.JobRun{}, err
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE job_runs
		SET status = 'canceled', canceled_at = NOW(), finished_at = NOW(),
			locked_at = NULL, lock_owner = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND cancel_requested_at IS NOT NULL
		  AND ($2 = '' OR lock_owner = $2)
		RETURNING `+jobColumns, id, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return models.JobRun{}, getErr
		}
		if current.Status == models.StatusRunning && current.CancelRequestedAt == nil {
			return current, fmt.Errorf("job %s has no cancel request: %w", id, models.ErrInvalidTransition)
		}
		return current, s.transitionError(ctx, id, workerID, models.StatusRunning)
	}
	if err != nil {
		return models.JobRun{}, fmt.Errorf("confirm cancel: %w", err)
	}
	return job, nil
}

// RecoverStaleJobs returns running jobs with an expired lease to the queue,
// or cancels them when cancellation had been requested.
func (s *Store) RecoverStaleJobs(ctx context.Context, threshold time.Duration) ([]models.JobRun, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE job_runs
		SET status = CASE WHEN cancel_requested_at IS NOT NULL THEN 'canceled' ELSE 'queued' END,
			run_after = CASE WHEN cancel_requested_at IS NOT NULL THEN run_after ELSE NOW() END,
			canceled_at = CASE WHEN cancel_requested_at IS NOT NULL THEN NOW() ELSE canceled_at END,
			finished_at = CASE WHEN cancel_requested_at IS NOT NULL THEN NOW() ELSE finished_at END,
			locked_at = NULL, lock_owner = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM job_runs
			WHERE status = 'running' AND locked_at < NOW() - make_interval(secs => $1)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, threshold.Seconds())
	if err != nil {
		return nil, fmt.Errorf("recover stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// AppendJobLog adds a history row.
func (s *Store) AppendJobLog(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func (s *Store) JobLogs(ctx context.Context, jobID string) ([]models.JobLog, error) {
	if err := checkID("job", jobID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, recorded_at FROM job_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job logs: %w", err)
	}
	defer rows.Close()
	var out []models.JobLog
	for rows.Next() {
		var l models.JobLog
		if err := rows.Scan(&l.JobID, &l.Event, &l.Detail, &l.Recorded); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
