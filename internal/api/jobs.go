package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"client-engine/internal/jobqueue"
	"client-engine/internal/models"
)

type enqueueRequest struct {
	JobType        string         `json:"job_type"`
	Payload        map[string]any `json:"payload"`
	Priority       int            `json:"priority"`
	IdempotencyKey string         `json:"idempotency_key"`
	DedupeKey      string         `json:"dedupe_key"`
	RunAfter       *time.Time     `json:"run_after"`
	DelaySeconds   int            `json:"delay_seconds"`
	MaxAttempts    int            `json:"max_attempts"`
	SourceType     string         `json:"source_type"`
	SourceID       string         `json:"source_id"`
}

type enqueueResponse struct {
	Job      models.JobRun `json:"job"`
	Existing bool          `json:"existing"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	opts := jobqueue.EnqueueOptions{
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
		DedupeKey:      req.DedupeKey,
		MaxAttempts:    req.MaxAttempts,
		SourceType:     req.SourceType,
		SourceID:       req.SourceID,
	}
	if req.RunAfter != nil {
		opts.RunAfter = *req.RunAfter
	}
	if req.DelaySeconds > 0 {
		opts.RunAfter = s.now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	job, existing, err := s.queue.Enqueue(r.Context(), req.JobType, req.Payload, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if existing {
		code = http.StatusOK
	}
	writeJSON(w, code, enqueueResponse{Job: job, Existing: existing})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.List(r.Context(), models.JobFilter{
		Status:  r.URL.Query().Get("status"),
		JobType: r.URL.Query().Get("job_type"),
		Limit:   queryInt(r, "limit", 0),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	detail, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type claimRequest struct {
	WorkerID string   `json:"worker_id"`
	JobTypes []string `json:"job_types"`
}

// handleClaim leases the next job to an out-of-process worker. 204 means
// nothing is due.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil || req.WorkerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "worker_id is required"})
		return
	}
	job, err := s.queue.ClaimNext(r.Context(), req.WorkerID, req.JobTypes...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type leaseRequest struct {
	WorkerID  string         `json:"worker_id"`
	Result    map[string]any `json:"result"`
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	Retryable *bool          `json:"retryable"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decodeJSON(r, &req); err != nil || req.WorkerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "worker_id is required"})
		return
	}
	if err := s.queue.Heartbeat(r.Context(), chi.URLParam(r, "id"), req.WorkerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "extended"})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	job, err := s.queue.Complete(r.Context(), chi.URLParam(r, "id"), req.WorkerID, req.Result)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	retryable := true
	if req.Retryable != nil {
		retryable = *req.Retryable
	}
	msg := req.Error
	if msg == "" {
		msg = "failed by caller"
	}
	job, err := s.queue.Fail(r.Context(), chi.URLParam(r, "id"), req.WorkerID, errors.New(msg), jobqueue.FailOptions{Retryable: retryable, Code: req.Code})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type recoverRequest struct {
	ThresholdSeconds int `json:"threshold_seconds"`
}

func (s *Server) handleRecoverStale(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	threshold := s.cfg.StaleThreshold
	if req.ThresholdSeconds > 0 {
		threshold = time.Duration(req.ThresholdSeconds) * time.Second
	}
	jobs, err := s.queue.RecoverStale(r.Context(), threshold)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovered": len(jobs), "jobs": jobs})
}

// handleDLQ returns the newest dead-lettered jobs.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	items, err := s.dlq.Peek(r.Context(), int64(queryInt(r, "limit", 100)))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
