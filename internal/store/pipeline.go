package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"client-engine/internal/models"
)

const runColumns = `id, lead_id, run_trigger, status, success, error, started_at, finished_at`

const stepColumns = `id, run_id, seq, step_name, started_at, finished_at, success, notes, output_artifact_ids, duration_ms`

func scanLead(row pgx.Row) (models.Lead, error) {
	var (
		lead     models.Lead
		rejected pgtype.Timestamptz
		project  pgtype.Text
	)
	if err := row.Scan(&lead.ID, &lead.Status, &rejected, &project, &lead.StatusChangedAt, &lead.CreatedAt); err != nil {
		return models.Lead{}, err
	}
	lead.RejectedAt = timePtr(rejected)
	lead.ProjectID = textPtr(project)
	return lead, nil
}

func scanRun(row pgx.Row) (models.PipelineRun, error) {
	var (
		run      models.PipelineRun
		success  pgtype.Bool
		errMsg   pgtype.Text
		finished pgtype.Timestamptz
	)
	if err := row.Scan(&run.ID, &run.LeadID, &run.Trigger, &run.Status, &success, &errMsg, &run.StartedAt, &finished); err != nil {
		return models.PipelineRun{}, err
	}
	run.Success = boolPtr(success)
	run.Error = textPtr(errMsg)
	run.FinishedAt = timePtr(finished)
	return run, nil
}

func scanStep(row pgx.Row) (models.PipelineStepRun, error) {
	var (
		step     models.PipelineStepRun
		finished pgtype.Timestamptz
		success  pgtype.Bool
	)
	if err := row.Scan(&step.ID, &step.RunID, &step.Seq, &step.StepName, &step.StartedAt, &finished, &success,
		&step.Notes, &step.OutputArtifactIDs, &step.DurationMs); err != nil {
		return models.PipelineStepRun{}, err
	}
	step.FinishedAt = timePtr(finished)
	step.Success = boolPtr(success)
	if step.OutputArtifactIDs == nil {
		step.OutputArtifactIDs = []string{}
	}
	return step, nil
}

// UpsertLead writes the orchestrator-visible fields of a lead. The CRUD
// surface owns leads; this exists for the CLI seed command and tests.
func (s *Store) UpsertLead(ctx context.Context, lead models.Lead) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO leads (id, status, rejected_at, project_id, status_changed_at, created_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			rejected_at = EXCLUDED.rejected_at,
			project_id = EXCLUDED.project_id,
			status_changed_at = CASE WHEN leads.status <> EXCLUDED.status THEN NOW() ELSE leads.status_changed_at END
	`, lead.ID, lead.Status, lead.RejectedAt, lead.ProjectID)
	if err != nil {
		return fmt.Errorf("upsert lead: %w", err)
	}
	return nil
}

func (s *Store) GetLead(ctx context.Context, id string) (models.Lead, error) {
	lead, err := scanLead(s.pool.QueryRow(ctx, `
		SELECT id, status, rejected_at, project_id, status_changed_at, created_at FROM leads WHERE id = $1
	`, id))
	if err != nil {
		return models.Lead{}, notFound("lead", id, err)
	}
	return lead, nil
}

// ListCandidateLeads returns leads that pass the static eligibility checks,
// longest-waiting first.
func (s *Store) ListCandidateLeads(ctx context.Context, statuses []string, limit int) ([]models.Lead, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, rejected_at, project_id, status_changed_at, created_at
		FROM leads
		WHERE status = ANY($1::text[]) AND rejected_at IS NULL AND project_id IS NULL
		ORDER BY status_changed_at, id
		LIMIT $2
	`, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("list candidate leads: %w", err)
	}
	defer rows.Close()
	var out []models.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, lead)
	}
	return out, rows.Err()
}

func (s *Store) UpdateLeadStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE leads
		SET status_changed_at = CASE WHEN status <> $2 THEN NOW() ELSE status_changed_at END,
			status = $2
		WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update lead status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lead %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, leadID, trigger string) (models.PipelineRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		INSERT INTO pipeline_runs (id, lead_id, run_trigger, status, started_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING `+runColumns, uuid.New().String(), leadID, trigger, models.RunRunning))
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// FinishRun sets the final status once; a second call gets ErrRunFinalized.
func (s *Store) FinishRun(ctx context.Context, runID string, success bool, errMsg string) (models.PipelineRun, error) {
	if err := checkID("run", runID); err != nil {
		return models.PipelineRun{}, err
	}
	status := models.RunSucceeded
	if !success {
		status = models.RunFailed
	}
	run, err := scanRun(s.pool.QueryRow(ctx, `
		UPDATE pipeline_runs
		SET status = $2, success = $3, error = $4, finished_at = NOW()
		WHERE id = $1 AND status = 'running'
		RETURNING `+runColumns, runID, status, success, emptyToNil(errMsg)))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pipeline_runs WHERE id = $1)`, runID).Scan(&exists); qerr != nil {
			return models.PipelineRun{}, fmt.Errorf("check run: %w", qerr)
		}
		if !exists {
			return models.PipelineRun{}, fmt.Errorf("run %s: %w", runID, models.ErrNotFound)
		}
		return models.PipelineRun{}, fmt.Errorf("run %s: %w", runID, models.ErrRunFinalized)
	}
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("finish run: %w", err)
	}
	return run, nil
}

// CreateStepRun appends a step record to a run that is still running.
func (s *Store) CreateStepRun(ctx context.Context, runID string, seq int, stepName string) (models.PipelineStepRun, error) {
	if err := checkID("run", runID); err != nil {
		return models.PipelineStepRun{}, err
	}
	step, err := scanStep(s.pool.QueryRow(ctx, `
		INSERT INTO pipeline_step_runs (id, run_id, seq, step_name, started_at)
		SELECT $1::uuid, id, $3::int, $4::text, NOW() FROM pipeline_runs WHERE id = $2 AND status = 'running'
		RETURNING `+stepColumns, uuid.New().String(), runID, seq, stepName))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PipelineStepRun{}, fmt.Errorf("run %s: %w", runID, models.ErrRunFinalized)
	}
	if err != nil {
		return models.PipelineStepRun{}, fmt.Errorf("create step run: %w", err)
	}
	return step, nil
}

func (s *Store) FinishStepRun(ctx context.Context, stepID string, outcome models.StepOutcome) (models.PipelineStepRun, error) {
	if err := checkID("step", stepID); err != nil {
		return models.PipelineStepRun{}, err
	}
	ids := outcome.ArtifactIDs
	if ids == nil {
		ids = []string{}
	}
	step, err := scanStep(s.pool.QueryRow(ctx, `
		UPDATE pipeline_step_runs
		SET finished_at = NOW(), success = $2, notes = $3, output_artifact_ids = $4,
			duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::bigint
		WHERE id = $1 AND finished_at IS NULL
		RETURNING `+stepColumns, stepID, outcome.Success, outcome.Notes, ids))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PipelineStepRun{}, fmt.Errorf("step %s not open: %w", stepID, models.ErrInvalidTransition)
	}
	if err != nil {
		return models.PipelineStepRun{}, fmt.Errorf("finish step run: %w", err)
	}
	return step, nil
}

func (s *Store) HasArtifact(ctx context.Context, leadID, kind string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM artifacts WHERE lead_id = $1 AND kind = $2)
	`, leadID, kind).Scan(&exists); err != nil {
		return false, fmt.Errorf("check artifact: %w", err)
	}
	return exists, nil
}

func (s *Store) CreateArtifact(ctx context.Context, a models.Artifact) (models.Artifact, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO artifacts (id, lead_id, kind, uri, content_type, step_run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`, a.ID, a.LeadID, a.Kind, a.URI, a.ContentType, emptyToNil(a.StepRunID)).Scan(&a.CreatedAt)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	return a, nil
}

// ListRuns returns the newest runs for a lead, each with its steps in order.
func (s *Store) ListRuns(ctx context.Context, leadID string, limit int) ([]models.RunDetail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM pipeline_runs WHERE lead_id = $1 ORDER BY started_at DESC LIMIT $2
	`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var (
		out   []models.RunDetail
		index = map[string]int{}
		ids   []string
	)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		index[run.ID] = len(out)
		ids = append(ids, run.ID)
		out = append(out, models.RunDetail{Run: run, Steps: []models.PipelineStepRun{}})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	stepRows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+` FROM pipeline_step_runs WHERE run_id = ANY($1::text[]::uuid[]) ORDER BY run_id, seq
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer stepRows.Close()
	for stepRows.Next() {
		step, err := scanStep(stepRows)
		if err != nil {
			return nil, fmt.Errorf("scan step run: %w", err)
		}
		i := index[step.RunID]
		out[i].Steps = append(out[i].Steps, step)
	}
	return out, stepRows.Err()
}
