package deadletter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"client-engine/internal/models"
)

func TestPushPeekNewestFirstAndCapped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedis(client, "test:dlq", 2)
	ctx := context.Background()

	msg := "boom"
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		job := models.JobRun{ID: id, JobType: "work", Attempts: 3, ErrorMessage: &msg, UpdatedAt: now}
		if err := q.Push(ctx, job); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected list capped at 2, got %d", n)
	}

	entries, err := q.Peek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(entries) != 2 || entries[0].JobID != "c" || entries[1].JobID != "b" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].Error != "boom" || entries[0].Attempts != 3 || !entries[0].FailedAt.Equal(now) {
		t.Fatalf("entry fields not preserved: %+v", entries[0])
	}
}
