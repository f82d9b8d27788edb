package worker

import (
	"context"
	"errors"
	"fmt"

	"client-engine/internal/models"
	"client-engine/internal/pipeline"
)

// Built-in job types.
const (
	JobPipelineRun    = "pipeline.run"
	JobPipelineBatch  = "pipeline.batch"
	JobArtifactIngest = "artifact.ingest"
)

// PipelineRunHandler runs the pipeline for payload.lead_id. Lock contention
// and failed steps are returned as retryable errors, so the job retries and
// the rerun skips steps that already produced their artifact. Other
// ineligibility completes the job with the reason in its result.
func PipelineRunHandler(r *pipeline.Runner) Handler {
	return func(ctx context.Context, job models.JobRun) (map[string]any, error) {
		leadID, _ := job.Payload["lead_id"].(string)
		if leadID == "" {
			return nil, Permanent(errors.New("payload.lead_id is required"))
		}
		trigger, _ := job.Payload["trigger"].(string)
		if trigger == "" {
			trigger = "job"
		}

		res, err := r.RunIfEligible(ctx, leadID, trigger)
		if err != nil {
			return nil, err
		}
		if res.Reason == pipeline.ReasonLocked {
			return nil, &CodedError{Code: "locked", Err: fmt.Errorf("lead %s is locked by another run", leadID)}
		}
		if res.Ran && !res.Success {
			return nil, &CodedError{Code: "step_failed", Err: fmt.Errorf("run %s: %s", res.RunID, res.Error)}
		}
		return map[string]any{
			"ran":           res.Ran,
			"reason":        res.Reason,
			"run_id":        res.RunID,
			"steps_run":     res.StepsRun,
			"steps_skipped": res.StepsSkipped,
		}, nil
	}
}

// PipelineBatchHandler runs up to payload.limit eligible leads.
func PipelineBatchHandler(r *pipeline.Runner, defaultLimit int) Handler {
	return func(ctx context.Context, job models.JobRun) (map[string]any, error) {
		limit := defaultLimit
		if n, ok := asInt(job.Payload["limit"]); ok && n > 0 {
			limit = n
		}
		batch, err := r.RunEligible(ctx, limit, "batch")
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"considered": batch.Considered,
			"ran":        batch.Ran,
			"succeeded":  batch.Succeeded,
			"failed":     batch.Failed,
			"skipped":    batch.Skipped,
		}, nil
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
