// Package app builds the shared service graph used by the api, worker and
// orchctl binaries.
package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"client-engine/internal/artifact"
	"client-engine/internal/cache"
	"client-engine/internal/config"
	"client-engine/internal/deadletter"
	"client-engine/internal/jobqueue"
	"client-engine/internal/models"
	"client-engine/internal/notify"
	"client-engine/internal/pipeline"
	"client-engine/internal/ratelimit"
	"client-engine/internal/store"
)

// App holds the wired services.
type App struct {
	Config   config.Config
	Log      *zap.Logger
	Store    *store.Store
	Redis    *redis.Client
	Locks    *store.AdvisoryLocker
	Queue    *jobqueue.Queue
	DLQ      *deadletter.Redis
	Runner   *pipeline.Runner
	Notifier *notify.Dispatcher
	Limiter  ratelimit.Limiter
	Blobs    artifact.Store
}

// Build connects to Postgres and Redis, applies migrations and wires the
// queue, pipeline runner and notification dispatcher.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	blobs, err := artifact.Pick(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	rdb := deadletter.NewClient(cfg)
	a := &App{
		Config: cfg,
		Log:    log,
		Store:  st,
		Redis:  rdb,
		Locks:  st.Locker(),
		DLQ:    deadletter.NewRedis(rdb, cfg.DLQName, 0),
		Blobs:  blobs,
	}

	channels := []notify.Channel{notify.NewLogChannel(log)}
	if cfg.NotifyWebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, cfg.NotifyWebhookTimeout))
	}
	a.Notifier = notify.New(st, channels, notify.OptionsFromConfig(cfg), log)

	a.Queue = jobqueue.New(st, jobqueue.BackoffFromConfig(cfg), cfg.MaxAttempts, log)
	a.Queue.OnDeadLetter(a.deadLetter)

	steps := pipeline.DefaultSteps(generator(cfg), blobs, st)
	a.Runner = pipeline.NewRunner(st, a.Locks, steps, pipeline.Policy{AllowedStatuses: cfg.PipelineAllowedStatuses}, log).
		WithEvents(a.Notifier).
		WithStepTimeout(cfg.PipelineStepTimeout)

	switch cfg.CacheBackend {
	case "redis":
		a.Notifier.WithSnapshotCache(cache.NewRedis[models.Snapshot](rdb, "cache:snapshot:"))
		a.Runner.WithHistoryCache(cache.NewRedis[[]models.RunDetail](rdb, "cache:runs:"), cfg.CacheTTL)
	default:
		a.Runner.WithHistoryCache(cache.NewTTL[[]models.RunDetail](), cfg.CacheTTL)
	}

	switch cfg.RateLimitBackend {
	case "redis":
		a.Limiter = ratelimit.NewRedis(rdb, "ratelimit:")
	default:
		a.Limiter = ratelimit.NewMemory()
	}
	return a, nil
}

// Close releases held locks and connections.
func (a *App) Close() {
	a.Locks.ReleaseAll(context.Background())
	if err := a.Redis.Close(); err != nil {
		a.Log.Warn("close redis", zap.Error(err))
	}
	a.Store.Close()
}

func (a *App) deadLetter(ctx context.Context, job models.JobRun) {
	if err := a.DLQ.Push(ctx, job); err != nil {
		a.Log.Warn("dead letter push", zap.String("job_id", job.ID), zap.Error(err))
	}
	body := fmt.Sprintf("job %s (%s) failed after %d attempts", job.ID, job.JobType, job.Attempts)
	if job.ErrorMessage != nil {
		body += ": " + *job.ErrorMessage
	}
	err := a.Notifier.Emit(ctx, models.NewEvent{
		EventKey:  "job.dead_letter",
		DedupeKey: "job.dead_letter:" + job.ID,
		Severity:  models.SeverityCritical,
		Title:     "Job moved to dead letter",
		Body:      body,
		Payload:   map[string]any{"job_id": job.ID, "job_type": job.JobType, "attempts": job.Attempts},
	})
	if err != nil {
		a.Log.Warn("dead letter event", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// generator talks to the content service when one is configured. Without
// one, steps store a JSON snapshot of the lead so the pipeline stays
// runnable in local development.
func generator(cfg config.Config) pipeline.Generator {
	if cfg.GeneratorURL != "" {
		return pipeline.NewHTTPGenerator(cfg.GeneratorURL, cfg.PipelineStepTimeout)
	}
	return pipeline.GeneratorFunc(func(_ context.Context, step string, lead models.Lead) (pipeline.Document, error) {
		body, err := json.Marshal(map[string]any{"step": step, "lead": lead})
		if err != nil {
			return pipeline.Document{}, err
		}
		return pipeline.Document{Body: body, ContentType: "application/json", Notes: "snapshot"}, nil
	})
}
