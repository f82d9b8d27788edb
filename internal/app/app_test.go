package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"client-engine/internal/config"
	"client-engine/internal/deadletter"
	"client-engine/internal/memstore"
	"client-engine/internal/models"
	"client-engine/internal/notify"
)

func TestDeadLetterPushesAndRaisesEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := memstore.New()
	log := zap.NewNop()
	a := &App{
		Log:      log,
		Redis:    rdb,
		DLQ:      deadletter.NewRedis(rdb, "test:dlq", 10),
		Notifier: notify.New(st, []notify.Channel{notify.NewLogChannel(log)}, notify.Options{MaxAttempts: 1}, log),
	}
	ctx := context.Background()

	msg := "boom"
	job := models.JobRun{ID: "j1", JobType: "pipeline.run", Attempts: 5, ErrorMessage: &msg}
	a.deadLetter(ctx, job)
	a.deadLetter(ctx, job)

	entries, err := a.DLQ.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "j1", entries[0].JobID)

	events, err := st.ListEvents(ctx, models.EventFilter{KeyPrefix: "job.dead_letter", Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1, "second dead letter for the same job dedupes")
	require.Equal(t, models.SeverityCritical, events[0].Severity)
	require.Contains(t, events[0].Body, "boom")
}

func TestSnapshotGeneratorWithoutURL(t *testing.T) {
	gen := generator(config.Config{})
	doc, err := gen.Generate(context.Background(), "score", models.Lead{ID: "L1"})
	require.NoError(t, err)
	require.Equal(t, "application/json", doc.ContentType)

	var body map[string]any
	require.NoError(t, json.Unmarshal(doc.Body, &body))
	require.Equal(t, "score", body["step"])
}
