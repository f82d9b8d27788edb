// Package deadletter keeps an operator-facing list of terminally failed jobs
// in Redis. Postgres stays the source of truth; this list is for inspection
// and alert payloads.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"client-engine/internal/config"
	"client-engine/internal/models"
)

// Entry is one dead-lettered job as stored in the list.
type Entry struct {
	JobID    string    `json:"job_id"`
	JobType  string    `json:"job_type"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

// Redis is a capped dead-letter list.
type Redis struct {
	client *redis.Client
	key    string
	max    int64
}

// NewClient builds a go-redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedis wraps client; the list keeps at most max newest entries.
func NewRedis(client *redis.Client, key string, max int64) *Redis {
	if key == "" {
		key = "jobs:dlq"
	}
	if max <= 0 {
		max = 1000
	}
	return &Redis{client: client, key: key, max: max}
}

// Push prepends a job to the list and trims it to the cap.
func (q *Redis) Push(ctx context.Context, job models.JobRun) error {
	e := Entry{JobID: job.ID, JobType: job.JobType, Attempts: job.Attempts, FailedAt: job.UpdatedAt}
	if job.ErrorMessage != nil {
		e.Error = *job.ErrorMessage
	}
	if job.FinishedAt != nil {
		e.FailedAt = *job.FinishedAt
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.key, raw)
	pipe.LTrim(ctx, q.key, 0, q.max-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Peek reads the newest count dead-lettered entries.
func (q *Redis) Peek(ctx context.Context, count int64) ([]Entry, error) {
	if count <= 0 {
		count = 50
	}
	raw, err := q.client.LRange(ctx, q.key, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Len returns the list length.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
