package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	"client-engine/internal/models"
)

// InsertJob creates a job unless a live job already owns its idempotency key
// or a queued job shares its dedupe key; the existing job is returned then.
func (s *Store) InsertJob(_ context.Context, nj models.NewJob) (models.JobRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.jobs {
		j := rec.job
		if nj.IdempotencyKey != "" && j.IdempotencyKey != nil && *j.IdempotencyKey == nj.IdempotencyKey && !models.IsTerminalJobStatus(j.Status) {
			return detach(j), true, nil
		}
		if nj.DedupeKey != "" && j.DedupeKey != nil && *j.DedupeKey == nj.DedupeKey && j.Status == models.StatusQueued {
			return detach(j), true, nil
		}
	}

	now := s.now()
	job := models.JobRun{
		ID:             uuid.NewString(),
		JobType:        nj.JobType,
		Status:         models.StatusQueued,
		Priority:       nj.Priority,
		IdempotencyKey: emptyToNil(nj.IdempotencyKey),
		DedupeKey:      emptyToNil(nj.DedupeKey),
		Payload:        cloneMap(nj.Payload),
		MaxAttempts:    nj.MaxAttempts,
		RunAfter:       nj.RunAfter.UTC(),
		SourceType:     emptyToNil(nj.SourceType),
		SourceID:       emptyToNil(nj.SourceID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	s.jobs[job.ID] = &jobRecord{job: job, seq: s.nextSeq()}
	return detach(job), false, nil
}

// ClaimNextJob leases the best eligible queued job to workerID.
func (s *Store) ClaimNextJob(_ context.Context, workerID string, jobTypes []string) (*models.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *jobRecord
	for _, rec := range s.jobs {
		j := rec.job
		if j.Status != models.StatusQueued || j.RunAfter.After(now) || !typeAllowed(j.JobType, jobTypes) {
			continue
		}
		if best == nil || claimsBefore(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}

	best.job.Status = models.StatusRunning
	best.job.LockedAt = ptr(now)
	best.job.LockOwner = ptr(workerID)
	best.job.StartedAt = ptr(now)
	best.job.UpdatedAt = now
	claimed := detach(best.job)
	return &claimed, nil
}

func claimsBefore(a, b *jobRecord) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.RunAfter.Equal(b.job.RunAfter) {
		return a.job.RunAfter.Before(b.job.RunAfter)
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func typeAllowed(jobType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, t := range allowed {
		if t == jobType {
			return true
		}
	}
	return false
}

func (s *Store) GetJob(_ context.Context, id string) (models.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return models.JobRun{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return detach(rec.job), nil
}

func (s *Store) ListJobs(_ context.Context, filter models.JobFilter) ([]models.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]*jobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		if filter.Status != "" && rec.job.Status != filter.Status {
			continue
		}
		if filter.JobType != "" && rec.job.JobType != filter.JobType {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, k int) bool { return recs[i].seq > recs[k].seq })
	if filter.Limit > 0 && len(recs) > filter.Limit {
		recs = recs[:filter.Limit]
	}
	out := make([]models.JobRun, 0, len(recs))
	for _, rec := range recs {
		out = append(out, detach(rec.job))
	}
	return out, nil
}

func (s *Store) CountReadyJobs(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for _, rec := range s.jobs {
		if rec.job.Status == models.StatusQueued && !rec.job.RunAfter.After(now) {
			n++
		}
	}
	return n, nil
}

// running returns the record for a running job owned by workerID. An empty
// workerID matches any owner.
func (s *Store) running(id, workerID string) (*jobRecord, error) {
	rec, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if rec.job.Status != models.StatusRunning {
		return rec, fmt.Errorf("job %s is %s: %w", id, rec.job.Status, models.ErrInvalidTransition)
	}
	if workerID != "" && (rec.job.LockOwner == nil || *rec.job.LockOwner != workerID) {
		return rec, fmt.Errorf("job %s: %w", id, models.ErrLeaseLost)
	}
	return rec, nil
}

func (s *Store) HeartbeatJob(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.running(id, workerID)
	if err != nil {
		if rec != nil && rec.job.Status != models.StatusRunning {
			return fmt.Errorf("job %s: %w", id, models.ErrLeaseLost)
		}
		return err
	}
	now := s.now()
	rec.job.LockedAt = ptr(now)
	rec.job.UpdatedAt = now
	return nil
}

func (s *Store) CompleteJob(_ context.Context, id, workerID string, result map[string]any) (models.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.running(id, workerID)
	if err != nil {
		return models.JobRun{}, err
	}
	now := s.now()
	rec.job.Status = models.StatusSucceeded
	rec.job.Result = cloneMap(result)
	rec.job.ErrorMessage = nil
	rec.job.ErrorCode = nil
	rec.job.FinishedAt = ptr(now)
	rec.job.UpdatedAt = now
	clearLease(&rec.job)
	return detach(rec.job), nil
}

func (s *Store) FailJob(_ context.Context, id, workerID string, f models.JobFailure) (models.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return models.JobRun{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	j := &rec.job
	switch j.Status {
	case models.StatusQueued:
	case models.StatusRunning:
		if workerID != "" && (j.LockOwner == nil || *j.LockOwner != workerID) {
			return models.JobRun{}, fmt.Errorf("job %s: %w", id, models.ErrLeaseLost)
		}
	default:
		return models.JobRun{}, fmt.Errorf("job %s is %s: %w", id, j.Status, models.ErrInvalidTransition)
	}
	if j.Attempts != f.ExpectedAttempts {
		return models.JobRun{}, fmt.Errorf("job %s attempts changed concurrently: %w", id, models.ErrLeaseLost)
	}

	now := s.now()
	j.Attempts++
	j.ErrorMessage = ptr(f.Message)
	j.ErrorCode = emptyToNil(f.Code)
	j.UpdatedAt = now
	clearLease(j)
	if f.Requeue {
		j.Status = models.StatusQueued
		j.RunAfter = f.RunAfter.UTC()
	} else {
		j.Status = models.StatusFailed
		j.FinishedAt = ptr(now)
	}
	return detach(*j), nil
}

func (s *Store) CancelJob(_ context.Context, id string) (models.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return models.JobRun{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	now := s.now()
	j := &rec.job
	switch j.Status {
	case models.StatusQueued:
		j.Status = models.StatusCanceled
		j.CancelRequestedAt = ptr(now)
		j.CanceledAt = ptr(now)
		j.FinishedAt = ptr(now)
	case models.StatusRunning:
		if j.CancelRequestedAt == nil {
			j.CancelRequestedAt = ptr(now)
		}
	default:
		return detach(*j), fmt.Errorf("job %s is %s: %w", id, j.Status, models.ErrInvalidTransition)
	}
	j.UpdatedAt = now
	return detach(*j), nil
}

func (s *Store) ConfirmCanceled(_ context.Context, id, workerID string) (models.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.running(id, workerID)
	if err != nil {
		return models.JobRun{}, err
	}
	if rec.job.CancelRequestedAt == nil {
		return detach(rec.job), fmt.Errorf("job %s has no cancel request: %w", id, models.ErrInvalidTransition)
	}
	now := s.now()
	rec.job.Status = models.StatusCanceled
	rec.job.CanceledAt = ptr(now)
	rec.job.FinishedAt = ptr(now)
	rec.job.UpdatedAt = now
	clearLease(&rec.job)
	return detach(rec.job), nil
}

func (s *Store) RecoverStaleJobs(_ context.Context, threshold time.Duration) ([]models.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-threshold)

	var out []models.JobRun
	for _, rec := range s.jobs {
		j := &rec.job
		if j.Status != models.StatusRunning || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
			continue
		}
		clearLease(j)
		j.UpdatedAt = now
		if j.CancelRequestedAt != nil {
			j.Status = models.StatusCanceled
			j.CanceledAt = ptr(now)
			j.FinishedAt = ptr(now)
		} else {
			j.Status = models.StatusQueued
			j.RunAfter = now
		}
		out = append(out, detach(*j))
	}
	return out, nil
}

func (s *Store) AppendJobLog(_ context.Context, jobID, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobLogs[jobID] = append(s.jobLogs[jobID], models.JobLog{JobID: jobID, Event: event, Detail: detail, Recorded: s.now()})
	return nil
}

func (s *Store) JobLogs(_ context.Context, jobID string) ([]models.JobLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.JobLog(nil), s.jobLogs[jobID]...), nil
}

func clearLease(j *models.JobRun) {
	j.LockedAt = nil
	j.LockOwner = nil
}

// detach copies the job's JSON maps so callers never alias stored state.
func detach(j models.JobRun) models.JobRun {
	j.Payload = cloneMap(j.Payload)
	j.Result = cloneMap(j.Result)
	return j
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
