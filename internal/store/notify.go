package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"client-engine/internal/models"
)

const eventColumns = `id, event_key, dedupe_key, severity, title, body, payload, status, occurred_at, resolved_at, created_at, updated_at`

const deliveryColumns = `id, event_id, channel, required, status, attempts, last_error, next_attempt_at, locked_until, sent_at, created_at, updated_at`

func scanEvent(row pgx.Row) (models.NotificationEvent, error) {
	var (
		ev          models.NotificationEvent
		dedupe      pgtype.Text
		payloadJSON []byte
		resolved    pgtype.Timestamptz
	)
	if err := row.Scan(&ev.ID, &ev.EventKey, &dedupe, &ev.Severity, &ev.Title, &ev.Body, &payloadJSON, &ev.Status,
		&ev.OccurredAt, &resolved, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
		return models.NotificationEvent{}, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
			return models.NotificationEvent{}, fmt.Errorf("unmarshal event payload: %w", err)
		}
	}
	ev.DedupeKey = textPtr(dedupe)
	ev.ResolvedAt = timePtr(resolved)
	return ev, nil
}

func scanDelivery(row pgx.Row) (models.NotificationDelivery, error) {
	var (
		d                   models.NotificationDelivery
		lastErr             pgtype.Text
		lockedUntil, sentAt pgtype.Timestamptz
	)
	if err := row.Scan(&d.ID, &d.EventID, &d.Channel, &d.Required, &d.Status, &d.Attempts, &lastErr, &d.NextAttemptAt,
		&lockedUntil, &sentAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return models.NotificationDelivery{}, err
	}
	d.LastError = textPtr(lastErr)
	d.LockedUntil = timePtr(lockedUntil)
	d.SentAt = timePtr(sentAt)
	return d, nil
}

func collectDeliveries(rows pgx.Rows) ([]models.NotificationDelivery, error) {
	defer rows.Close()
	var out []models.NotificationDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateEvent inserts an event and its deliveries in one transaction. The
// open-dedupe unique index makes a concurrent duplicate lose the insert; the
// surviving open event is returned with existing=true.
func (s *Store) CreateEvent(ctx context.Context, ne models.NewEvent, targets []models.DeliveryTarget) (models.NotificationEvent, bool, error) {
	payload := ne.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.NotificationEvent{}, false, fmt.Errorf("marshal event payload: %w", err)
	}
	occurred := ne.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	status := models.EventPending
	if len(targets) > 0 {
		status = models.EventQueued
	}

	return insertOrFind(func() (models.NotificationEvent, bool, error) {
		return s.insertEvent(ctx, ne, payloadJSON, status, occurred, targets)
	}, func() (models.NotificationEvent, error) {
		existing, err := scanEvent(s.pool.QueryRow(ctx, `
			SELECT `+eventColumns+` FROM notification_events WHERE dedupe_key = $1 AND resolved_at IS NULL
		`, ne.DedupeKey))
		if err != nil {
			return existing, fmt.Errorf("find open event %s: %w", ne.DedupeKey, err)
		}
		return existing, nil
	})
}

// insertEvent creates the event and its deliveries in one transaction. It
// reports false when an open event with the same dedupe key already exists.
func (s *Store) insertEvent(ctx context.Context, ne models.NewEvent, payloadJSON []byte, status string, occurred time.Time, targets []models.DeliveryTarget) (models.NotificationEvent, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.NotificationEvent{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	ev, err := scanEvent(tx.QueryRow(ctx, `
		INSERT INTO notification_events (id, event_key, dedupe_key, severity, title, body, payload, status, occurred_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT DO NOTHING
		RETURNING `+eventColumns,
		uuid.New().String(), ne.EventKey, emptyToNil(ne.DedupeKey), ne.Severity, ne.Title, ne.Body, payloadJSON, status, occurred))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NotificationEvent{}, false, nil
	}
	if err != nil {
		return models.NotificationEvent{}, false, fmt.Errorf("insert event: %w", err)
	}

	for _, t := range targets {
		if _, err := tx.Exec(ctx, `
			INSERT INTO notification_deliveries (id, event_id, channel, required, status, attempts, next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, NOW(), NOW(), NOW())
		`, uuid.New().String(), ev.ID, t.Channel, t.Required, models.DeliveryPending); err != nil {
			return models.NotificationEvent{}, false, fmt.Errorf("insert delivery %s: %w", t.Channel, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.NotificationEvent{}, false, fmt.Errorf("commit: %w", err)
	}
	return ev, true, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (models.NotificationEvent, error) {
	if err := checkID("event", id); err != nil {
		return models.NotificationEvent{}, err
	}
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM notification_events WHERE id = $1`, id))
	if err != nil {
		return models.NotificationEvent{}, notFound("event", id, err)
	}
	return ev, nil
}

func (s *Store) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.NotificationEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM notification_events
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR starts_with(event_key, $2))
		  AND (NOT $3::boolean OR resolved_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $4
	`, filter.Status, filter.KeyPrefix, filter.OpenOnly, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []models.NotificationEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ResolveEvent closes an event so its dedupe key can be raised again.
func (s *Store) ResolveEvent(ctx context.Context, id string) (models.NotificationEvent, error) {
	if err := checkID("event", id); err != nil {
		return models.NotificationEvent{}, err
	}
	ev, err := scanEvent(s.pool.QueryRow(ctx, `
		UPDATE notification_events
		SET resolved_at = COALESCE(resolved_at, NOW()), updated_at = NOW()
		WHERE id = $1
		RETURNING `+eventColumns, id))
	if err != nil {
		return models.NotificationEvent{}, notFound("event", id, err)
	}
	return ev, nil
}

func (s *Store) EventDeliveries(ctx context.Context, eventID string) ([]models.NotificationDelivery, error) {
	if err := checkID("event", eventID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM notification_deliveries WHERE event_id = $1 ORDER BY created_at, channel
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

// ClaimDueDeliveries leases due pending deliveries so concurrent dispatchers
// never send the same delivery twice.
func (s *Store) ClaimDueDeliveries(ctx context.Context, limit int, lease time.Duration) ([]models.NotificationDelivery, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE notification_deliveries
		SET locked_until = NOW() + make_interval(secs => $2), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_deliveries
			WHERE status = 'pending'
			  AND next_attempt_at <= NOW()
			  AND (locked_until IS NULL OR locked_until <= NOW())
			ORDER BY next_attempt_at, created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	out, err := collectDeliveries(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	return out, nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (models.NotificationDelivery, error) {
	if err := checkID("delivery", id); err != nil {
		return models.NotificationDelivery{}, err
	}
	d, err := scanDelivery(s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM notification_deliveries WHERE id = $1`, id))
	if err != nil {
		return models.NotificationDelivery{}, notFound("delivery", id, err)
	}
	return d, nil
}

// RecordDelivery stores the outcome of one send attempt and drops the lease.
func (s *Store) RecordDelivery(ctx context.Context, id string, out models.DeliveryOutcome) (models.NotificationDelivery, error) {
	if err := checkID("delivery", id); err != nil {
		return models.NotificationDelivery{}, err
	}
	status := models.DeliveryFailed
	var (
		lastErr *string
		next    *time.Time
	)
	switch {
	case out.Sent:
		status = models.DeliverySent
	case out.Retry:
		status = models.DeliveryPending
		lastErr = &out.Error
		next = &out.NextAttemptAt
	default:
		lastErr = &out.Error
	}
	d, err := scanDelivery(s.pool.QueryRow(ctx, `
		UPDATE notification_deliveries
		SET attempts = attempts + 1,
			status = $2,
			last_error = $3,
			next_attempt_at = COALESCE($4::timestamptz, next_attempt_at),
			sent_at = CASE WHEN $2 = 'sent' THEN NOW() ELSE sent_at END,
			locked_until = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+deliveryColumns, id, status, lastErr, next))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetDelivery(ctx, id)
		if getErr != nil {
			return models.NotificationDelivery{}, getErr
		}
		return current, fmt.Errorf("delivery %s is %s: %w", id, current.Status, models.ErrInvalidTransition)
	}
	if err != nil {
		return models.NotificationDelivery{}, fmt.Errorf("record delivery: %w", err)
	}
	return d, nil
}

// ReleaseDelivery drops the lease without counting an attempt.
func (s *Store) ReleaseDelivery(ctx context.Context, id string, nextAttemptAt time.Time) error {
	if err := checkID("delivery", id); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_deliveries
		SET locked_until = NULL, next_attempt_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	return nil
}

// ResetDelivery moves a failed delivery back to pending, leased to the caller.
func (s *Store) ResetDelivery(ctx context.Context, id string, lease time.Duration) (models.NotificationDelivery, error) {
	if err := checkID("delivery", id); err != nil {
		return models.NotificationDelivery{}, err
	}
	d, err := scanDelivery(s.pool.QueryRow(ctx, `
		UPDATE notification_deliveries
		SET status = 'pending', next_attempt_at = NOW(),
			locked_until = NOW() + make_interval(secs => $2), updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
		RETURNING `+deliveryColumns, id, lease.Seconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetDelivery(ctx, id)
		if getErr != nil {
			return models.NotificationDelivery{}, getErr
		}
		return current, fmt.Errorf("delivery %s is %s: %w", id, current.Status, models.ErrInvalidTransition)
	}
	if err != nil {
		return models.NotificationDelivery{}, fmt.Errorf("reset delivery: %w", err)
	}
	return d, nil
}

// RefreshEventStatus recomputes an event's aggregate status. The event row
// is locked so concurrent outcomes for sibling deliveries serialize here.
func (s *Store) RefreshEventStatus(ctx context.Context, eventID string) (models.NotificationEvent, error) {
	if err := checkID("event", eventID); err != nil {
		return models.NotificationEvent{}, err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.NotificationEvent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT 1 FROM notification_events WHERE id = $1 FOR UPDATE`, eventID); err != nil {
		return models.NotificationEvent{}, fmt.Errorf("lock event: %w", err)
	}
	rows, err := tx.Query(ctx, `SELECT `+deliveryColumns+` FROM notification_deliveries WHERE event_id = $1`, eventID)
	if err != nil {
		return models.NotificationEvent{}, fmt.Errorf("list deliveries: %w", err)
	}
	deliveries, err := collectDeliveries(rows)
	if err != nil {
		return models.NotificationEvent{}, err
	}

	ev, err := scanEvent(tx.QueryRow(ctx, `
		UPDATE notification_events
		SET status = $2, updated_at = CASE WHEN status <> $2 THEN NOW() ELSE updated_at END
		WHERE id = $1
		RETURNING `+eventColumns, eventID, models.AggregateEventStatus(deliveries)))
	if err != nil {
		return models.NotificationEvent{}, notFound("event", eventID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.NotificationEvent{}, fmt.Errorf("commit: %w", err)
	}
	return ev, nil
}

// Snapshot counts the conditions escalation rules evaluate, in one round trip.
func (s *Store) Snapshot(ctx context.Context, q models.SnapshotQuery) (models.Snapshot, error) {
	var snap models.Snapshot
	err := s.pool.QueryRow(ctx, `
		SELECT
			NOW(),
			(SELECT COUNT(*) FROM job_runs WHERE status = 'running' AND locked_at < NOW() - make_interval(secs => $1)),
			(SELECT COUNT(*) FROM job_runs WHERE status = 'failed' AND finished_at >= $2),
			(SELECT COUNT(*) FROM pipeline_runs WHERE status = 'failed' AND started_at >= $2),
			(SELECT COUNT(*) FROM leads
				WHERE status = ANY($3::text[]) AND rejected_at IS NULL AND project_id IS NULL
				  AND status_changed_at < NOW() - make_interval(secs => $4)),
			(SELECT COUNT(*) FROM notification_deliveries WHERE status = 'failed' AND updated_at >= $2)
	`, q.StaleThreshold.Seconds(), q.Since, q.StuckStatuses, q.StuckLeadAge.Seconds()).Scan(
		&snap.TakenAt, &snap.StaleRunningJobs, &snap.DeadJobs, &snap.FailedRuns, &snap.StuckLeads, &snap.FailedDeliveries)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("collect snapshot: %w", err)
	}
	snap.TakenAt = snap.TakenAt.UTC()
	return snap, nil
}
