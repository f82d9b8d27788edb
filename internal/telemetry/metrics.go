package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs created by enqueue"}, []string{"job_type"})
	JobsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueue_deduplicated_total", Help: "Enqueue calls answered with an existing job"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs leased by a worker"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed attempts returned to the queue"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs terminally failed"})
	JobsCanceled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_canceled_total", Help: "Jobs canceled"})
	JobsRecovered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_stale_recovered_total", Help: "Running jobs reclaimed after lease expiry"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Queued jobs eligible to run"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased by this process"})

	PipelineRuns = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_runs_total", Help: "runIfEligible outcomes"}, []string{"outcome"})
	StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_step_duration_seconds",
		Help:    "Duration of executed pipeline steps",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"step", "outcome"})
	LockContention = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_lock_contention_total", Help: "Runs skipped because the lead lock was held"})

	Deliveries         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notification_deliveries_total", Help: "Delivery attempts by outcome"}, []string{"channel", "outcome"})
	EventsRaised       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notification_events_total", Help: "Notification events created"}, []string{"event_key"})
	EscalationsCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "notification_escalations_total", Help: "Escalation events created"})

	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by rate limiter"}, []string{"operation"})
	SweepDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sweep_duration_seconds",
		Help:    "Duration of cron-triggered sweeps",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweep", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDeduplicated,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			JobsCanceled,
			JobsRecovered,
			QueueDepthGauge,
			InFlightGauge,
			PipelineRuns,
			StepDuration,
			LockContention,
			Deliveries,
			EventsRaised,
			EscalationsCreated,
			RateLimitRejects,
			SweepDuration,
		)
	})
	return promhttp.Handler()
}
