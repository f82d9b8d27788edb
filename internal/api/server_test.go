package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"client-engine/internal/config"
	"client-engine/internal/deadletter"
	"client-engine/internal/jobqueue"
	"client-engine/internal/lock"
	"client-engine/internal/memstore"
	"client-engine/internal/models"
	"client-engine/internal/notify"
	"client-engine/internal/pipeline"
	"client-engine/internal/ratelimit"
)

type fakeDLQ struct{ entries []deadletter.Entry }

func (f *fakeDLQ) Peek(_ context.Context, count int64) ([]deadletter.Entry, error) {
	if int64(len(f.entries)) > count {
		return f.entries[:count], nil
	}
	return f.entries, nil
}

type harness struct {
	srv   http.Handler
	store *memstore.Store
}

func newHarness(t *testing.T) harness {
	t.Helper()
	cfg := config.Config{
		RateLimitMax:        2,
		RateLimitWindow:     time.Minute,
		StaleThreshold:      15 * time.Minute,
		PipelineBatchSize:   10,
		DispatchBatchSize:   10,
		EscalationBatchSize: 10,
	}
	st := memstore.New()
	q := jobqueue.New(st, jobqueue.Backoff{Strategy: "fixed", Initial: time.Second}, 3, nil)
	steps := []pipeline.Step{{
		Name:         pipeline.StepEnrich,
		ArtifactKind: "enrichment",
		NextStatus:   models.LeadEnriched,
		Run: func(context.Context, pipeline.StepInput) (pipeline.StepOutput, error) {
			return pipeline.StepOutput{Notes: "ok"}, nil
		},
	}}
	runner := pipeline.NewRunner(st, lock.NewMemory(), steps, pipeline.Policy{AllowedStatuses: []string{models.LeadNew}}, nil)
	notifier := notify.New(st, []notify.Channel{notify.NewLogChannel(nil)}, notify.Options{MaxAttempts: 3, ChannelRate: 100}, nil)
	dlq := &fakeDLQ{entries: []deadletter.Entry{{JobID: "j1", JobType: "sync", Attempts: 3}}}
	s := New(cfg, q, runner, notifier, dlq, ratelimit.NewMemory(), nil)
	return harness{srv: s.Router(), store: st}
}

func (h harness) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.srv.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestEnqueueIsIdempotent(t *testing.T) {
	h := newHarness(t)
	body := map[string]any{"job_type": "sync", "idempotency_key": "k1", "payload": map[string]any{"n": 1}}

	rr := h.do(t, http.MethodPost, "/jobs", body, "X-Caller-ID", "a")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	first := decode[enqueueResponse](t, rr)
	require.False(t, first.Existing)
	require.Equal(t, models.StatusQueued, first.Job.Status)

	rr = h.do(t, http.MethodPost, "/jobs", body, "X-Caller-ID", "b")
	require.Equal(t, http.StatusOK, rr.Code)
	second := decode[enqueueResponse](t, rr)
	require.True(t, second.Existing)
	require.Equal(t, first.Job.ID, second.Job.ID)

	rr = h.do(t, http.MethodPost, "/jobs", map[string]any{"priority": 5}, "X-Caller-ID", "c")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/jobs", map[string]any{"job_type": "sync"})
	job := decode[enqueueResponse](t, rr).Job

	rr = h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, rr.Code)
	claimed := decode[models.JobRun](t, rr)
	require.Equal(t, job.ID, claimed.ID)

	rr = h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"worker_id": "w1"})
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/complete", map[string]any{"worker_id": "someone-else"})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/heartbeat", map[string]any{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/complete", map[string]any{"worker_id": "w1", "result": map[string]any{"rows": 3}})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodGet, "/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decode[models.JobDetail](t, rr)
	require.Equal(t, models.StatusSucceeded, detail.Job.Status)
	require.NotEmpty(t, detail.Logs)

	rr = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = h.do(t, http.MethodGet, "/jobs/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestFailAndCancel(t *testing.T) {
	h := newHarness(t)
	job := decode[enqueueResponse](t, h.do(t, http.MethodPost, "/jobs", map[string]any{"job_type": "sync"})).Job
	h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"worker_id": "w1"})

	rr := h.do(t, http.MethodPost, "/jobs/"+job.ID+"/fail", map[string]any{"worker_id": "w1", "error": "bad input", "retryable": false})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, models.StatusFailed, decode[models.JobRun](t, rr).Status)

	queued := decode[enqueueResponse](t, h.do(t, http.MethodPost, "/jobs", map[string]any{"job_type": "sync"}, "X-Caller-ID", "other")).Job
	rr = h.do(t, http.MethodPost, "/jobs/"+queued.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, models.StatusCanceled, decode[models.JobRun](t, rr).Status)

	rr = h.do(t, http.MethodGet, "/jobs?status=canceled", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[map[string][]models.JobRun](t, rr)
	require.Len(t, list["jobs"], 1)
}

func TestRecoverStaleValidatesAndRuns(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/jobs/recover-stale", map[string]any{"threshold_seconds": 60})
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualValues(t, 0, decode[map[string]any](t, rr)["recovered"])
}

func TestThrottledOperationsReturnRetryAfter(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 2; i++ {
		rr := h.do(t, http.MethodPost, "/notifications/dispatch", nil, "X-Caller-ID", "cron")
		require.Equal(t, http.StatusOK, rr.Code)
	}
	rr := h.do(t, http.MethodPost, "/notifications/dispatch", nil, "X-Caller-ID", "cron")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.NotEmpty(t, rr.Header().Get("Retry-After"))

	rr = h.do(t, http.MethodPost, "/notifications/dispatch", nil, "X-Caller-ID", "operator")
	require.Equal(t, http.StatusOK, rr.Code, "budgets are per caller")

	rr = h.do(t, http.MethodPost, "/notifications/escalate", nil, "X-Caller-ID", "cron")
	require.Equal(t, http.StatusOK, rr.Code, "budgets are per operation")
}

func TestPipelineRoutes(t *testing.T) {
	h := newHarness(t)
	h.store.PutLead(models.Lead{ID: "L1", Status: models.LeadNew})

	rr := h.do(t, http.MethodPost, "/leads/L1/run", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[pipeline.Result](t, rr)
	require.True(t, res.Ran)
	require.True(t, res.Success)

	rr = h.do(t, http.MethodPost, "/leads/missing/run", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, pipeline.ReasonNotFound, decode[pipeline.Result](t, rr).Reason)

	rr = h.do(t, http.MethodGet, "/leads/L1/runs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	runs := decode[map[string][]models.RunDetail](t, rr)
	require.Len(t, runs["runs"], 1)
	require.Len(t, runs["runs"][0].Steps, 1)

	rr = h.do(t, http.MethodPost, "/pipeline/run-eligible", map[string]any{"limit": 5})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Zero(t, decode[pipeline.BatchResult](t, rr).Considered)
}

func TestNotificationRoutes(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/notifications/events", map[string]any{
		"event_key": "job.dead_letter", "dedupe_key": "job.dead_letter:j1", "severity": "critical", "title": "Job j1 dead",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = h.do(t, http.MethodPost, "/notifications/events", map[string]any{"event_key": "", "title": "x"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPost, "/notifications/dispatch", map[string]any{"limit": 10})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, notify.DispatchResult{Sent: 1}, decode[notify.DispatchResult](t, rr))

	rr = h.do(t, http.MethodGet, "/notifications/events?open=true&prefix=job.", nil)
	events := decode[map[string][]models.NotificationEvent](t, rr)["events"]
	require.Len(t, events, 1)
	require.Equal(t, models.EventSent, events[0].Status)

	rr = h.do(t, http.MethodGet, "/notifications/events/"+events[0].ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	deliveries, err := h.store.EventDeliveries(context.Background(), events[0].ID)
	require.NoError(t, err)
	rr = h.do(t, http.MethodPost, "/deliveries/"+deliveries[0].ID+"/retry", nil)
	require.Equal(t, http.StatusConflict, rr.Code, "only failed deliveries can be retried")

	rr = h.do(t, http.MethodPost, "/notifications/events/"+events[0].ID+"/resolve", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, decode[models.NotificationEvent](t, rr).ResolvedAt)
}

func TestDLQ(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/dlq?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	items := decode[map[string][]deadletter.Entry](t, rr)["items"]
	require.Len(t, items, 1)
	require.Equal(t, "j1", items[0].JobID)
}
