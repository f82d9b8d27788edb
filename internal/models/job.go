package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// IsTerminalJobStatus reports whether no further transition is possible.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// JobRun is one durable unit of background work.
// A running job always carries LockedAt/LockOwner; queued and terminal jobs never do.
type JobRun struct {
	ID                string         `json:"id"`
	JobType           string         `json:"job_type"`
	Status            string         `json:"status"`
	Priority          int            `json:"priority"`
	IdempotencyKey    *string        `json:"idempotency_key,omitempty"`
	DedupeKey         *string        `json:"dedupe_key,omitempty"`
	Payload           map[string]any `json:"payload"`
	Result            map[string]any `json:"result,omitempty"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	ErrorCode         *string        `json:"error_code,omitempty"`
	Attempts          int            `json:"attempts"`
	MaxAttempts       int            `json:"max_attempts"`
	RunAfter          time.Time      `json:"run_after"`
	LockedAt          *time.Time     `json:"locked_at,omitempty"`
	LockOwner         *string        `json:"lock_owner,omitempty"`
	CancelRequestedAt *time.Time     `json:"cancel_requested_at,omitempty"`
	CanceledAt        *time.Time     `json:"canceled_at,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	SourceType        *string        `json:"source_type,omitempty"`
	SourceID          *string        `json:"source_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// NewJob collects the inputs for a conditional job insert.
type NewJob struct {
	JobType        string
	Priority       int
	IdempotencyKey string
	DedupeKey      string
	Payload        map[string]any
	RunAfter       time.Time
	MaxAttempts    int
	SourceType     string
	SourceID       string
}

// JobFailure describes how a failed attempt should be recorded.
type JobFailure struct {
	Message string
	Code    string
	// Requeue returns the job to queued with RunAfter; otherwise the job becomes failed.
	Requeue  bool
	RunAfter time.Time
	// ExpectedAttempts guards against a concurrent failure recording on the same job.
	ExpectedAttempts int
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status  string
	JobType string
	Limit   int
}

// JobLog is one entry in a job's history.
type JobLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// JobDetail is a job plus its full log history.
type JobDetail struct {
	Job  JobRun   `json:"job"`
	Logs []JobLog `json:"logs"`
}
