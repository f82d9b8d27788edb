// Package pipeline runs the ordered lead pipeline with at most one in-flight
// run per lead.
//
// RunIfEligible checks eligibility, takes the lead's advisory lock without
// waiting, and executes each step that has not already produced its
// artifact. Ineligibility and lock contention are reported through Result;
// only infrastructure failures come back as errors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"client-engine/internal/cache"
	"client-engine/internal/lock"
	"client-engine/internal/logging"
	"client-engine/internal/models"
	"client-engine/internal/telemetry"
)

// Store is the persistence the runner needs.
type Store interface {
	ArtifactRecorder
	GetLead(ctx context.Context, id string) (models.Lead, error)
	ListCandidateLeads(ctx context.Context, statuses []string, limit int) ([]models.Lead, error)
	UpdateLeadStatus(ctx context.Context, id, status string) error
	CreateRun(ctx context.Context, leadID, trigger string) (models.PipelineRun, error)
	FinishRun(ctx context.Context, runID string, success bool, errMsg string) (models.PipelineRun, error)
	CreateStepRun(ctx context.Context, runID string, seq int, stepName string) (models.PipelineStepRun, error)
	FinishStepRun(ctx context.Context, stepID string, outcome models.StepOutcome) (models.PipelineStepRun, error)
	HasArtifact(ctx context.Context, leadID, kind string) (bool, error)
	ListRuns(ctx context.Context, leadID string, limit int) ([]models.RunDetail, error)
}

// EventSink receives pipeline notifications.
type EventSink interface {
	Emit(ctx context.Context, ev models.NewEvent) error
}

// Result describes one RunIfEligible call.
type Result struct {
	LeadID       string   `json:"lead_id"`
	Ran          bool     `json:"ran"`
	Reason       string   `json:"reason,omitempty"`
	RunID        string   `json:"run_id,omitempty"`
	StepsRun     []string `json:"steps_run,omitempty"`
	StepsSkipped []string `json:"steps_skipped,omitempty"`
	FailedStep   string   `json:"failed_step,omitempty"`
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
}

// BatchResult summarizes RunEligible.
type BatchResult struct {
	Considered int      `json:"considered"`
	Ran        int      `json:"ran"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Results    []Result `json:"results"`
}

// Runner executes pipeline runs.
type Runner struct {
	store       Store
	locks       lock.Manager
	steps       []Step
	policy      Policy
	log         *zap.Logger
	events      EventSink
	stepTimeout time.Duration
	history     cache.Cache[[]models.RunDetail]
	historyTTL  time.Duration
}

// NewRunner builds a runner over steps, executed in slice order.
func NewRunner(store Store, locks lock.Manager, steps []Step, policy Policy, log *zap.Logger) *Runner {
	return &Runner{
		store:       store,
		locks:       locks,
		steps:       steps,
		policy:      policy,
		log:         logging.OrNop(log).Named("pipeline"),
		stepTimeout: 2 * time.Minute,
	}
}

// WithEvents attaches a sink for pipeline.failed / pipeline.completed events.
func (r *Runner) WithEvents(sink EventSink) *Runner {
	r.events = sink
	return r
}

// WithStepTimeout bounds each step execution.
func (r *Runner) WithStepTimeout(d time.Duration) *Runner {
	if d > 0 {
		r.stepTimeout = d
	}
	return r
}

// WithHistoryCache serves History reads through c for ttl.
func (r *Runner) WithHistoryCache(c cache.Cache[[]models.RunDetail], ttl time.Duration) *Runner {
	r.history = c
	r.historyTTL = ttl
	return r
}

// RunIfEligible runs the pipeline for one lead if it is eligible and no other
// run holds its lock.
func (r *Runner) RunIfEligible(ctx context.Context, leadID, trigger string) (Result, error) {
	res := Result{LeadID: leadID}
	log := logging.FromContext(ctx, r.log).With(zap.String("lead_id", leadID), zap.String("trigger", trigger))

	if reason, err := r.eligibility(ctx, leadID); err != nil || reason != "" {
		res.Reason = reason
		if err == nil {
			telemetry.PipelineRuns.WithLabelValues(reason).Inc()
		}
		return res, err
	}

	key := lock.Key("lead", leadID)
	held, err := r.locks.Locked(ctx, key)
	if err != nil {
		return res, fmt.Errorf("check lead lock %s: %w", leadID, err)
	}
	if held {
		telemetry.PipelineRuns.WithLabelValues(ReasonLocked).Inc()
		res.Reason = ReasonLocked
		return res, nil
	}

	acquired, err := r.locks.TryLock(ctx, key)
	if err != nil {
		return res, fmt.Errorf("lock lead %s: %w", leadID, err)
	}
	if !acquired {
		telemetry.LockContention.Inc()
		telemetry.PipelineRuns.WithLabelValues(ReasonLocked).Inc()
		res.Reason = ReasonLocked
		return res, nil
	}
	defer func() {
		if err := r.locks.Unlock(context.WithoutCancel(ctx), key); err != nil {
			log.Error("release lead lock", zap.Error(err))
		}
	}()

	// State may have moved between the unlocked check and acquiring the lock.
	reason, err := r.eligibility(ctx, leadID)
	if err != nil || reason != "" {
		res.Reason = reason
		return res, err
	}
	lead, err := r.store.GetLead(ctx, leadID)
	if err != nil {
		return res, fmt.Errorf("load lead %s: %w", leadID, err)
	}

	complete, err := r.settleCompleted(ctx, &lead)
	if err != nil {
		return res, err
	}
	if complete {
		telemetry.PipelineRuns.WithLabelValues(ReasonComplete).Inc()
		res.Reason = ReasonComplete
		log.Debug("every step already has its artifact", zap.String("status", lead.Status))
		return res, nil
	}

	run, err := r.store.CreateRun(ctx, leadID, trigger)
	if err != nil {
		return res, fmt.Errorf("create run: %w", err)
	}
	res.Ran = true
	res.RunID = run.ID
	log = log.With(zap.String("run_id", run.ID))

	runErr := r.execute(ctx, lead, run, &res, log)

	outcome := "succeeded"
	if !res.Success {
		outcome = "failed"
	}
	telemetry.PipelineRuns.WithLabelValues(outcome).Inc()
	if r.history != nil {
		_ = r.history.Invalidate(context.WithoutCancel(ctx), historyKey(leadID))
	}
	r.emit(context.WithoutCancel(ctx), lead, res, log)
	return res, runErr
}

func (r *Runner) eligibility(ctx context.Context, leadID string) (string, error) {
	lead, err := r.store.GetLead(ctx, leadID)
	if errors.Is(err, models.ErrNotFound) {
		return ReasonNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("load lead %s: %w", leadID, err)
	}
	return r.policy.Check(lead), nil
}

// execute walks the steps and finalizes the run exactly once. Step failures
// end up in res; the returned error is for store failures only.
func (r *Runner) execute(ctx context.Context, lead models.Lead, run models.PipelineRun, res *Result, log *zap.Logger) error {
	var (
		failure string
		infra   error
		seq     int
	)

	for _, step := range r.steps {
		if err := ctx.Err(); err != nil {
			failure = fmt.Sprintf("canceled before %s: %v", step.Name, err)
			break
		}

		done, err := r.store.HasArtifact(ctx, lead.ID, step.ArtifactKind)
		if err != nil {
			infra = fmt.Errorf("check %s artifact: %w", step.Name, err)
			failure = infra.Error()
			break
		}
		if done {
			res.StepsSkipped = append(res.StepsSkipped, step.Name)
			if err := r.advance(ctx, &lead, step); err != nil {
				infra = err
				failure = infra.Error()
				break
			}
			continue
		}

		seq++
		rec, err := r.store.CreateStepRun(ctx, run.ID, seq, step.Name)
		if err != nil {
			infra = fmt.Errorf("create %s step record: %w", step.Name, err)
			failure = infra.Error()
			break
		}

		start := time.Now()
		out, stepErr := r.runStep(ctx, step, StepInput{Lead: lead, RunID: run.ID, StepRunID: rec.ID})
		outcome := models.StepOutcome{Success: stepErr == nil, Notes: out.Notes, ArtifactIDs: out.ArtifactIDs}
		if stepErr != nil {
			outcome.Notes = stepErr.Error()
		}
		if _, err := r.store.FinishStepRun(context.WithoutCancel(ctx), rec.ID, outcome); err != nil {
			log.Error("finish step record", zap.String("step", step.Name), zap.Error(err))
		}
		stepOutcome := "succeeded"
		if stepErr != nil {
			stepOutcome = "failed"
		}
		telemetry.StepDuration.WithLabelValues(step.Name, stepOutcome).Observe(time.Since(start).Seconds())

		if stepErr != nil {
			res.FailedStep = step.Name
			failure = fmt.Sprintf("%s: %v", step.Name, stepErr)
			log.Warn("pipeline step failed", zap.String("step", step.Name), zap.Error(stepErr))
			break
		}
		res.StepsRun = append(res.StepsRun, step.Name)

		if err := r.advance(ctx, &lead, step); err != nil {
			infra = err
			failure = infra.Error()
			break
		}
	}

	res.Success = failure == ""
	res.Error = failure
	if _, err := r.store.FinishRun(context.WithoutCancel(ctx), run.ID, res.Success, failure); err != nil {
		if errors.Is(err, models.ErrRunFinalized) {
			log.Warn("run already finalized", zap.Error(err))
			return infra
		}
		return errors.Join(infra, fmt.Errorf("finish run: %w", err))
	}
	log.Info("pipeline run finished",
		zap.Bool("success", res.Success),
		zap.Strings("steps_run", res.StepsRun),
		zap.Strings("steps_skipped", res.StepsSkipped),
	)
	return infra
}

// settleCompleted reports whether every step already has its artifact. When
// it does, the lead status catches up to the last step and no run is created.
func (r *Runner) settleCompleted(ctx context.Context, lead *models.Lead) (bool, error) {
	for _, step := range r.steps {
		done, err := r.store.HasArtifact(ctx, lead.ID, step.ArtifactKind)
		if err != nil {
			return false, fmt.Errorf("check %s artifact: %w", step.Name, err)
		}
		if !done {
			return false, nil
		}
	}
	for _, step := range r.steps {
		if err := r.advance(ctx, lead, step); err != nil {
			return false, err
		}
	}
	return len(r.steps) > 0, nil
}

// advance moves the lead to the step's next status unless it is already
// there or further along.
func (r *Runner) advance(ctx context.Context, lead *models.Lead, step Step) error {
	if step.NextStatus == "" || !advances(lead.Status, step.NextStatus) {
		return nil
	}
	if err := r.store.UpdateLeadStatus(ctx, lead.ID, step.NextStatus); err != nil {
		return fmt.Errorf("advance lead to %s: %w", step.NextStatus, err)
	}
	lead.Status = step.NextStatus
	return nil
}

// runStep executes one step under the step timeout. A panic becomes a step
// failure so the run is still finalized and the lock released.
func (r *Runner) runStep(ctx context.Context, step Step, in StepInput) (out StepOutput, err error) {
	stepCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return step.Run(stepCtx, in)
}

func (r *Runner) emit(ctx context.Context, lead models.Lead, res Result, log *zap.Logger) {
	if r.events == nil {
		return
	}
	payload := map[string]any{
		"lead_id":       lead.ID,
		"run_id":        res.RunID,
		"steps_run":     res.StepsRun,
		"steps_skipped": res.StepsSkipped,
	}
	var ev models.NewEvent
	switch {
	case !res.Success:
		payload["failed_step"] = res.FailedStep
		payload["error"] = res.Error
		ev = models.NewEvent{
			EventKey:  "pipeline.failed",
			DedupeKey: "pipeline.failed:" + lead.ID,
			Severity:  models.SeverityWarning,
			Title:     fmt.Sprintf("Pipeline failed for lead %s", lead.ID),
			Body:      res.Error,
			Payload:   payload,
		}
	case len(res.StepsRun) > 0:
		ev = models.NewEvent{
			EventKey: "pipeline.completed",
			Severity: models.SeverityInfo,
			Title:    fmt.Sprintf("Pipeline completed for lead %s", lead.ID),
			Body:     fmt.Sprintf("lead reached %s", lead.Status),
			Payload:  payload,
		}
	default:
		return
	}
	if err := r.events.Emit(ctx, ev); err != nil {
		log.Warn("emit pipeline event", zap.String("event_key", ev.EventKey), zap.Error(err))
	}
}

// RunEligible runs up to limit candidate leads one after another. A failure
// for one lead is recorded in its Result and never stops the batch.
func (r *Runner) RunEligible(ctx context.Context, limit int, trigger string) (BatchResult, error) {
	leads, err := r.store.ListCandidateLeads(ctx, r.policy.AllowedStatuses, limit)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list candidate leads: %w", err)
	}

	batch := BatchResult{Results: make([]Result, 0, len(leads))}
	for _, lead := range leads {
		if ctx.Err() != nil {
			break
		}
		batch.Considered++
		res, err := r.RunIfEligible(ctx, lead.ID, trigger)
		if err != nil {
			res.Error = err.Error()
			r.log.Error("pipeline run", zap.String("lead_id", lead.ID), zap.Error(err))
		}
		switch {
		case !res.Ran:
			batch.Skipped++
		case res.Success:
			batch.Ran++
			batch.Succeeded++
		default:
			batch.Ran++
			batch.Failed++
		}
		batch.Results = append(batch.Results, res)
	}
	return batch, nil
}

const historyLimit = 20

func historyKey(leadID string) string {
	return "pipeline:history:" + leadID
}

// History returns the newest runs for a lead with ordered steps.
func (r *Runner) History(ctx context.Context, leadID string) ([]models.RunDetail, error) {
	load := func(ctx context.Context) ([]models.RunDetail, error) {
		return r.store.ListRuns(ctx, leadID, historyLimit)
	}
	if r.history == nil {
		return load(ctx)
	}
	return r.history.GetOrCompute(ctx, historyKey(leadID), r.historyTTL, load)
}
