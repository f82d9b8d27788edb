package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"client-engine/internal/app"
	"client-engine/internal/config"
	"client-engine/internal/logging"
	"client-engine/internal/scheduler"
	"client-engine/internal/telemetry"
	"client-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build services", zap.Error(err))
	}
	defer a.Close()

	var processor *worker.Processor
	if id := os.Getenv("WORKER_ID"); id != "" {
		processor = worker.NewProcessorWithID(cfg, a.Queue, id, logger)
	} else {
		processor = worker.NewProcessor(cfg, a.Queue, logger)
	}
	processor.RegisterHandler(worker.JobPipelineRun, worker.PipelineRunHandler(a.Runner))
	processor.RegisterHandler(worker.JobPipelineBatch, worker.PipelineBatchHandler(a.Runner, cfg.PipelineBatchSize))
	processor.RegisterHandler(worker.JobArtifactIngest, worker.NewIngestHandler(cfg, a.Blobs, a.Store).Handle)

	sched := scheduler.New(logger).WithLocks(a.Locks)
	for _, sw := range scheduler.Sweeps(cfg, a.Queue, a.Notifier, a.Runner, logger) {
		if err := sched.Register(sw); err != nil {
			logger.Fatal("register sweep", zap.Error(err))
		}
	}
	sched.Start(ctx)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("worker_id", processor.WorkerID()),
		zap.Duration("stale_threshold", cfg.StaleThreshold),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop", zap.Error(err))
	}
	_ = metrics.Shutdown(shutdownCtx)
}
