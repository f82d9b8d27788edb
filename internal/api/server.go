package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"client-engine/internal/config"
	"client-engine/internal/deadletter"
	"client-engine/internal/jobqueue"
	"client-engine/internal/logging"
	"client-engine/internal/models"
	"client-engine/internal/notify"
	"client-engine/internal/pipeline"
	"client-engine/internal/ratelimit"
	"client-engine/internal/telemetry"
)

// DeadLetterReader lists dead-lettered jobs, newest first.
type DeadLetterReader interface {
	Peek(ctx context.Context, count int64) ([]deadletter.Entry, error)
}

// Server wires HTTP handlers for the orchestration API.
type Server struct {
	cfg      config.Config
	queue    *jobqueue.Queue
	runner   *pipeline.Runner
	notifier *notify.Dispatcher
	dlq      DeadLetterReader
	limiter  ratelimit.Limiter
	log      *zap.Logger
	now      func() time.Time
}

// New constructs the API server. dlq and limiter may be nil.
func New(cfg config.Config, q *jobqueue.Queue, runner *pipeline.Runner, notifier *notify.Dispatcher, dlq DeadLetterReader, limiter ratelimit.Limiter, log *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		queue:    q,
		runner:   runner,
		notifier: notifier,
		dlq:      dlq,
		limiter:  limiter,
		log:      logging.OrNop(log).Named("api"),
		now:      time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withCaller)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.With(s.throttle("enqueue")).Post("/", s.handleEnqueue)
		r.Get("/", s.handleListJobs)
		r.Post("/claim", s.handleClaim)
		r.Post("/recover-stale", s.handleRecoverStale)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/{id}/complete", s.handleComplete)
		r.Post("/{id}/fail", s.handleFail)
	})
	r.Get("/dlq", s.handleDLQ)

	r.Post("/leads/{id}/run", s.handleRunLead)
	r.Get("/leads/{id}/runs", s.handleLeadRuns)
	r.With(s.throttle("run_eligible")).Post("/pipeline/run-eligible", s.handleRunEligible)

	r.Route("/notifications", func(r chi.Router) {
		r.With(s.throttle("dispatch")).Post("/dispatch", s.handleDispatch)
		r.With(s.throttle("escalate")).Post("/escalate", s.handleEscalate)
		r.Post("/events", s.handleRaise)
		r.Get("/events", s.handleListEvents)
		r.Get("/events/{id}", s.handleGetEvent)
		r.Post("/events/{id}/resolve", s.handleResolve)
	})
	r.Post("/deliveries/{id}/retry", s.handleRetryDelivery)
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, jobqueue.ErrInvalidJob), errors.Is(err, notify.ErrInvalidEvent):
		code = http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrLeaseLost), errors.Is(err, models.ErrRunFinalized):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		logging.FromContext(r.Context(), s.log).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(dst)
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
