package models

import "time"

// Lead statuses along the pipeline.
const (
	LeadNew        = "NEW"
	LeadEnriched   = "ENRICHED"
	LeadScored     = "SCORED"
	LeadPositioned = "POSITIONED"
	LeadProposed   = "PROPOSED"
	LeadBuilt      = "BUILT"
	LeadRejected   = "REJECTED"
)

// Lead is the entity a pipeline run operates on. Only the fields the
// orchestrator reads are modelled here.
type Lead struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	ProjectID       *string    `json:"project_id,omitempty"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Pipeline run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// PipelineRun wraps one execution attempt for one lead.
type PipelineRun struct {
	ID         string     `json:"id"`
	LeadID     string     `json:"lead_id"`
	Trigger    string     `json:"trigger"`
	Status     string     `json:"status"`
	Success    *bool      `json:"success,omitempty"`
	Error      *string    `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PipelineStepRun is an append-only record of one step inside a run.
type PipelineStepRun struct {
	ID                string     `json:"id"`
	RunID             string     `json:"run_id"`
	Seq               int        `json:"seq"`
	StepName          string     `json:"step_name"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Success           *bool      `json:"success,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	OutputArtifactIDs []string   `json:"output_artifact_ids"`
	DurationMs        int64      `json:"duration_ms"`
}

// StepOutcome is written when a step record is finished.
type StepOutcome struct {
	Success     bool
	Notes       string
	ArtifactIDs []string
}

// RunDetail is a run with its ordered steps.
type RunDetail struct {
	Run   PipelineRun       `json:"run"`
	Steps []PipelineStepRun `json:"steps"`
}

// Artifact is the output of a pipeline step, stored in blob storage.
type Artifact struct {
	ID          string    `json:"id"`
	LeadID      string    `json:"lead_id"`
	Kind        string    `json:"kind"`
	URI         string    `json:"uri"`
	ContentType string    `json:"content_type"`
	StepRunID   string    `json:"step_run_id"`
	CreatedAt   time.Time `json:"created_at"`
}
