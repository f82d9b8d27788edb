package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"client-engine/internal/app"
	"client-engine/internal/jobqueue"
	"client-engine/internal/models"
)

// NewRecoverStaleCommand requeues or dead-letters jobs whose lease expired.
func NewRecoverStaleCommand(build Builder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover-stale",
		Short: "Reclaim running jobs with an expired heartbeat",
		Args:  cobra.NoArgs,
	}
	threshold := cmd.Flags().Duration("threshold", 0, "heartbeat age after which a job is stale (default STALE_THRESHOLD)")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, build, "", func(ctx context.Context, a *app.App) (any, error) {
			t := *threshold
			if t <= 0 {
				t = a.Config.StaleThreshold
			}
			jobs, err := a.Queue.RecoverStale(ctx, t)
			if err != nil {
				return nil, err
			}
			return map[string]any{"recovered": len(jobs), "jobs": jobs}, nil
		})
	}
	return cmd
}

func NewDispatchCommand(build Builder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send pending notification deliveries",
		Args:  cobra.NoArgs,
	}
	limit := cmd.Flags().Int("limit", 50, "maximum deliveries to claim")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, build, "dispatch", func(ctx context.Context, a *app.App) (any, error) {
			return a.Notifier.DispatchPending(ctx, *limit)
		})
	}
	return cmd
}

func NewEscalateCommand(build Builder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalate",
		Short: "Evaluate escalation rules",
		Args:  cobra.NoArgs,
	}
	limit := cmd.Flags().Int("limit", 20, "maximum escalations to raise")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, build, "escalate", func(ctx context.Context, a *app.App) (any, error) {
			return a.Notifier.EvaluateEscalationRules(ctx, *limit)
		})
	}
	return cmd
}

// NewRunCommand runs the pipeline for one lead.
func NewRunCommand(build Builder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for a lead if it is eligible",
		Args:  cobra.NoArgs,
	}
	lead := cmd.Flags().String("lead", "", "lead ID (required)")
	trigger := cmd.Flags().String("trigger", "cli", "trigger recorded on the run")
	_ = cmd.MarkFlagRequired("lead")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, build, "", func(ctx context.Context, a *app.App) (any, error) {
			return a.Runner.RunIfEligible(ctx, *lead, *trigger)
		})
	}
	return cmd
}

func NewRunEligibleCommand(build Builder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-eligible",
		Short: "Run the pipeline for a batch of eligible leads",
		Args:  cobra.NoArgs,
	}
	limit := cmd.Flags().Int("limit", 0, "maximum leads to consider (default PIPELINE_BATCH_SIZE)")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, build, "run_eligible", func(ctx context.Context, a *app.App) (any, error) {
			n := *limit
			if n <= 0 {
				n = a.Config.PipelineBatchSize
			}
			return a.Runner.RunEligible(ctx, n, "cli")
		})
	}
	return cmd
}

// NewJobCommand groups job inspection and control.
func NewJobCommand(build Builder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and control jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a job and its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, build, "", func(ctx context.Context, a *app.App) (any, error) {
				return a.Queue.Get(ctx, args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued job or request cancellation of a running one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, build, "", func(ctx context.Context, a *app.App) (any, error) {
				return a.Queue.Cancel(ctx, args[0])
			})
		},
	})
	cmd.AddCommand(newJobEnqueueCommand(build))
	return cmd
}

func newJobEnqueueCommand(build Builder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <job-type>",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(1),
	}
	payload := cmd.Flags().String("payload", "{}", "JSON object payload")
	idem := cmd.Flags().String("idempotency-key", "", "return the live job with this key instead of creating one")
	dedupe := cmd.Flags().String("dedupe-key", "", "collapse onto a queued job with this key")
	priority := cmd.Flags().Int("priority", 0, "higher runs first")
	delay := cmd.Flags().Duration("delay", 0, "run no earlier than now+delay")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		var body map[string]any
		if err := json.Unmarshal([]byte(*payload), &body); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		return withApp(cmd, build, "enqueue", func(ctx context.Context, a *app.App) (any, error) {
			opts := jobqueue.EnqueueOptions{
				Priority:       *priority,
				IdempotencyKey: *idem,
				DedupeKey:      *dedupe,
				SourceType:     "cli",
			}
			if *delay > 0 {
				opts.RunAfter = time.Now().Add(*delay)
			}
			job, existed, err := a.Queue.Enqueue(ctx, args[0], body, opts)
			if err != nil {
				return nil, err
			}
			return map[string]any{"job": job, "existed": existed}, nil
		})
	}
	return cmd
}

// NewEventsCommand lists and resolves notification events.
func NewEventsCommand(build Builder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List and resolve notification events",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List notification events, newest first",
		Args:  cobra.NoArgs,
	}
	status := list.Flags().String("status", "", "filter by status")
	prefix := list.Flags().String("prefix", "", "filter by event key prefix")
	open := list.Flags().Bool("open", false, "only unresolved events")
	limit := list.Flags().Int("limit", 100, "maximum events")
	list.RunE = func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, build, "", func(ctx context.Context, a *app.App) (any, error) {
			return a.Notifier.ListEvents(ctx, models.EventFilter{Status: *status, KeyPrefix: *prefix, OpenOnly: *open, Limit: *limit})
		})
	}
	cmd.AddCommand(list)
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, build, "", func(ctx context.Context, a *app.App) (any, error) {
				return a.Notifier.ResolveEvent(ctx, args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retry <delivery-id>",
		Short: "Retry a failed delivery now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, build, "", func(ctx context.Context, a *app.App) (any, error) {
				return a.Notifier.RetryDelivery(ctx, args[0])
			})
		},
	})
	return cmd
}
