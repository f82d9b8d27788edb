package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"client-engine/internal/app"
	"client-engine/internal/config"
	"client-engine/internal/jobqueue"
	"client-engine/internal/lock"
	"client-engine/internal/memstore"
	"client-engine/internal/models"
	"client-engine/internal/notify"
	"client-engine/internal/pipeline"
	"client-engine/internal/ratelimit"
)

type harness struct {
	st     *memstore.Store
	app    *app.App
	builds int
}

func newHarness() *harness {
	st := memstore.New()
	cfg := config.Config{StaleThreshold: time.Minute, PipelineBatchSize: 5}
	steps := []pipeline.Step{{Name: "enrich", ArtifactKind: "enrichment", NextStatus: models.LeadEnriched,
		Run: func(context.Context, pipeline.StepInput) (pipeline.StepOutput, error) { return pipeline.StepOutput{}, nil }}}
	return &harness{
		st: st,
		app: &app.App{
			Config:   cfg,
			Queue:    jobqueue.New(st, jobqueue.Backoff{Strategy: "fixed", Initial: time.Second}, 3, nil),
			Runner:   pipeline.NewRunner(st, lock.NewMemory(), steps, pipeline.Policy{AllowedStatuses: []string{models.LeadNew}}, nil),
			Notifier: notify.New(st, nil, notify.Options{MaxAttempts: 1}, nil),
		},
	}
}

func (h *harness) exec(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	root := NewRootCommand(func(context.Context) (*app.App, func(), error) {
		h.builds++
		return h.app, func() {}, nil
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		return nil, err
	}
	var decoded map[string]any
	if out.Len() > 0 && out.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	}
	return decoded, nil
}

func TestJobEnqueueGetCancel(t *testing.T) {
	h := newHarness()

	out, err := h.exec(t, "job", "enqueue", "pipeline.run", "--payload", `{"lead_id":"L1"}`, "--idempotency-key", "k1")
	require.NoError(t, err)
	require.Equal(t, false, out["existed"])
	id := out["job"].(map[string]any)["id"].(string)

	out, err = h.exec(t, "job", "enqueue", "pipeline.run", "--idempotency-key", "k1")
	require.NoError(t, err)
	require.Equal(t, true, out["existed"])

	out, err = h.exec(t, "job", "get", id)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, out["job"].(map[string]any)["status"])

	out, err = h.exec(t, "job", "cancel", id)
	require.NoError(t, err)
	require.Equal(t, models.StatusCanceled, out["status"])

	_, err = h.exec(t, "job", "get", "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestEnqueueRejectsBadPayload(t *testing.T) {
	h := newHarness()
	_, err := h.exec(t, "job", "enqueue", "x", "--payload", "[1,2]")
	require.Error(t, err)
	require.Zero(t, h.builds)
}

func TestRunRequiresLead(t *testing.T) {
	h := newHarness()
	_, err := h.exec(t, "run")
	require.Error(t, err)

	h.st.PutLead(models.Lead{ID: "L1", Status: models.LeadNew})
	out, err := h.exec(t, "run", "--lead", "L1")
	require.NoError(t, err)
	require.NotEmpty(t, out)

	lead, err := h.st.GetLead(context.Background(), "L1")
	require.NoError(t, err)
	require.Equal(t, models.LeadEnriched, lead.Status)
}

func TestSweepCommands(t *testing.T) {
	h := newHarness()
	h.st.PutLead(models.Lead{ID: "L1", Status: models.LeadNew})

	out, err := h.exec(t, "recover-stale", "--threshold", "30s")
	require.NoError(t, err)
	require.EqualValues(t, 0, out["recovered"])

	_, err = h.exec(t, "dispatch", "--limit", "10")
	require.NoError(t, err)

	_, err = h.exec(t, "escalate")
	require.NoError(t, err)

	out, err = h.exec(t, "run-eligible")
	require.NoError(t, err)
	require.EqualValues(t, 1, out["considered"])
}

func TestEventsListAndResolve(t *testing.T) {
	h := newHarness()
	ev, _, err := h.app.Notifier.Raise(context.Background(), models.NewEvent{EventKey: "ops.test", Title: "hello"})
	require.NoError(t, err)

	root := NewRootCommand(func(context.Context) (*app.App, func(), error) { return h.app, func() {}, nil })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"events", "list", "--open"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	var events []models.NotificationEvent
	require.NoError(t, json.Unmarshal(out.Bytes(), &events))
	require.Len(t, events, 1)
	require.Equal(t, ev.ID, events[0].ID)

	resolved, err := h.exec(t, "events", "resolve", ev.ID)
	require.NoError(t, err)
	require.NotNil(t, resolved["resolved_at"])
}

func TestSweepCommandsShareCallerBudget(t *testing.T) {
	h := newHarness()
	h.app.Limiter = ratelimit.NewMemory()
	h.app.Config.RateLimitMax = 1
	h.app.Config.RateLimitWindow = time.Minute

	_, err := h.exec(t, "dispatch", "--caller", "orchctl:ops")
	require.NoError(t, err)
	_, err = h.exec(t, "dispatch", "--caller", "orchctl:ops")
	require.ErrorIs(t, err, ErrThrottled)

	_, err = h.exec(t, "dispatch", "--caller", "orchctl:oncall")
	require.NoError(t, err, "budgets are per caller")
	_, err = h.exec(t, "escalate", "--caller", "orchctl:ops")
	require.NoError(t, err, "budgets are per operation")

	// Read-only and single-lead commands are not throttled.
	_, err = h.exec(t, "recover-stale", "--caller", "orchctl:ops")
	require.NoError(t, err)
	_, err = h.exec(t, "recover-stale", "--caller", "orchctl:ops")
	require.NoError(t, err)
}
