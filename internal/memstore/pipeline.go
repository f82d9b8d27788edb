package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"client-engine/internal/models"
)

// PutLead inserts or replaces a lead. Leads are owned by the CRUD surface,
// so the orchestrator never creates them itself.
func (s *Store) PutLead(lead models.Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	if lead.StatusChangedAt.IsZero() {
		lead.StatusChangedAt = lead.CreatedAt
	}
	s.leads[lead.ID] = lead
}

func (s *Store) GetLead(_ context.Context, id string) (models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[id]
	if !ok {
		return models.Lead{}, fmt.Errorf("lead %s: %w", id, models.ErrNotFound)
	}
	return lead, nil
}

func (s *Store) ListCandidateLeads(_ context.Context, statuses []string, limit int) ([]models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		allowed[st] = true
	}
	var out []models.Lead
	for _, lead := range s.leads {
		if allowed[lead.Status] && lead.RejectedAt == nil && lead.ProjectID == nil {
			out = append(out, lead)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].StatusChangedAt.Equal(out[k].StatusChangedAt) {
			return out[i].StatusChangedAt.Before(out[k].StatusChangedAt)
		}
		return out[i].ID < out[k].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateLeadStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[id]
	if !ok {
		return fmt.Errorf("lead %s: %w", id, models.ErrNotFound)
	}
	if lead.Status != status {
		lead.Status = status
		lead.StatusChangedAt = s.now()
		s.leads[id] = lead
	}
	return nil
}

func (s *Store) CreateRun(_ context.Context, leadID, trigger string) (models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := models.PipelineRun{
		ID:        uuid.NewString(),
		LeadID:    leadID,
		Trigger:   trigger,
		Status:    models.RunRunning,
		StartedAt: s.now(),
	}
	s.runs[run.ID] = run
	s.runOrder = append(s.runOrder, run.ID)
	return run, nil
}

func (s *Store) FinishRun(_ context.Context, runID string, success bool, errMsg string) (models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return models.PipelineRun{}, fmt.Errorf("run %s: %w", runID, models.ErrNotFound)
	}
	if run.Status != models.RunRunning {
		return run, fmt.Errorf("run %s: %w", runID, models.ErrRunFinalized)
	}
	run.Status = models.RunSucceeded
	if !success {
		run.Status = models.RunFailed
	}
	run.Success = ptr(success)
	run.Error = emptyToNil(errMsg)
	run.FinishedAt = ptr(s.now())
	s.runs[runID] = run
	return run, nil
}

func (s *Store) CreateStepRun(_ context.Context, runID string, seq int, stepName string) (models.PipelineStepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return models.PipelineStepRun{}, fmt.Errorf("run %s: %w", runID, models.ErrNotFound)
	}
	if run.Status != models.RunRunning {
		return models.PipelineStepRun{}, fmt.Errorf("run %s: %w", runID, models.ErrRunFinalized)
	}
	step := models.PipelineStepRun{
		ID:                uuid.NewString(),
		RunID:             runID,
		Seq:               seq,
		StepName:          stepName,
		StartedAt:         s.now(),
		OutputArtifactIDs: []string{},
	}
	s.steps[runID] = append(s.steps[runID], step)
	return step, nil
}

func (s *Store) FinishStepRun(_ context.Context, stepID string, outcome models.StepOutcome) (models.PipelineStepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for runID, steps := range s.steps {
		for i := range steps {
			if steps[i].ID != stepID {
				continue
			}
			st := &s.steps[runID][i]
			if st.FinishedAt != nil {
				return *st, fmt.Errorf("step %s already finished: %w", stepID, models.ErrInvalidTransition)
			}
			now := s.now()
			st.FinishedAt = ptr(now)
			st.Success = ptr(outcome.Success)
			st.Notes = outcome.Notes
			if outcome.ArtifactIDs != nil {
				st.OutputArtifactIDs = append([]string(nil), outcome.ArtifactIDs...)
			}
			st.DurationMs = now.Sub(st.StartedAt).Milliseconds()
			return *st, nil
		}
	}
	return models.PipelineStepRun{}, fmt.Errorf("step %s: %w", stepID, models.ErrNotFound)
}

func (s *Store) HasArtifact(_ context.Context, leadID, kind string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.artifacts {
		if a.LeadID == leadID && a.Kind == kind {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CreateArtifact(_ context.Context, a models.Artifact) (models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.now()
	s.artifacts = append(s.artifacts, a)
	return a, nil
}

// ListRuns returns the newest runs for a lead with their steps in order.
func (s *Store) ListRuns(_ context.Context, leadID string, limit int) ([]models.RunDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RunDetail
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		if run.LeadID != leadID {
			continue
		}
		steps := append([]models.PipelineStepRun(nil), s.steps[run.ID]...)
		sort.SliceStable(steps, func(a, b int) bool { return steps[a].Seq < steps[b].Seq })
		out = append(out, models.RunDetail{Run: run, Steps: steps})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
