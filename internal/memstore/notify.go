package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"client-engine/internal/models"
)

// CreateEvent stores an event with one pending delivery per target, unless an
// open event already carries the same dedupe key.
func (s *Store) CreateEvent(_ context.Context, ne models.NewEvent, targets []models.DeliveryTarget) (models.NotificationEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ne.DedupeKey != "" {
		for _, id := range s.eventOrder {
			ev := s.events[id]
			if ev.ResolvedAt == nil && ev.DedupeKey != nil && *ev.DedupeKey == ne.DedupeKey {
				return ev, true, nil
			}
		}
	}

	now := s.now()
	occurred := ne.OccurredAt.UTC()
	if occurred.IsZero() {
		occurred = now
	}
	ev := models.NotificationEvent{
		ID:         uuid.NewString(),
		EventKey:   ne.EventKey,
		DedupeKey:  emptyToNil(ne.DedupeKey),
		Severity:   ne.Severity,
		Title:      ne.Title,
		Body:       ne.Body,
		Payload:    ne.Payload,
		Status:     models.EventPending,
		OccurredAt: occurred,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(targets) > 0 {
		ev.Status = models.EventQueued
	}
	s.events[ev.ID] = ev
	s.eventOrder = append(s.eventOrder, ev.ID)

	for _, t := range targets {
		d := models.NotificationDelivery{
			ID:            uuid.NewString(),
			EventID:       ev.ID,
			Channel:       t.Channel,
			Required:      t.Required,
			Status:        models.DeliveryPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.deliveries[d.ID] = d
		s.delivOrder = append(s.delivOrder, d.ID)
	}
	return ev, false, nil
}

func (s *Store) GetEvent(_ context.Context, id string) (models.NotificationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return models.NotificationEvent{}, fmt.Errorf("event %s: %w", id, models.ErrNotFound)
	}
	return ev, nil
}

func (s *Store) ListEvents(_ context.Context, filter models.EventFilter) ([]models.NotificationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.NotificationEvent
	for i := len(s.eventOrder) - 1; i >= 0; i-- {
		ev := s.events[s.eventOrder[i]]
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		if filter.KeyPrefix != "" && !strings.HasPrefix(ev.EventKey, filter.KeyPrefix) {
			continue
		}
		if filter.OpenOnly && ev.ResolvedAt != nil {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ResolveEvent(_ context.Context, id string) (models.NotificationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return models.NotificationEvent{}, fmt.Errorf("event %s: %w", id, models.ErrNotFound)
	}
	if ev.ResolvedAt == nil {
		now := s.now()
		ev.ResolvedAt = ptr(now)
		ev.UpdatedAt = now
		s.events[id] = ev
	}
	return ev, nil
}

func (s *Store) EventDeliveries(_ context.Context, eventID string) ([]models.NotificationDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.NotificationDelivery
	for _, id := range s.delivOrder {
		if d := s.deliveries[id]; d.EventID == eventID {
			out = append(out, d)
		}
	}
	return out, nil
}

// ClaimDueDeliveries leases up to limit due pending deliveries until now+lease.
func (s *Store) ClaimDueDeliveries(_ context.Context, limit int, lease time.Duration) ([]models.NotificationDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var due []models.NotificationDelivery
	for _, id := range s.delivOrder {
		d := s.deliveries[id]
		if d.Status != models.DeliveryPending || d.NextAttemptAt.After(now) {
			continue
		}
		if d.LockedUntil != nil && d.LockedUntil.After(now) {
			continue
		}
		due = append(due, d)
	}
	sort.SliceStable(due, func(i, k int) bool { return due[i].NextAttemptAt.Before(due[k].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].LockedUntil = ptr(now.Add(lease))
		s.deliveries[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *Store) GetDelivery(_ context.Context, id string) (models.NotificationDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return models.NotificationDelivery{}, fmt.Errorf("delivery %s: %w", id, models.ErrNotFound)
	}
	return d, nil
}

// RecordDelivery stores the outcome of one send attempt and releases the lease.
func (s *Store) RecordDelivery(_ context.Context, id string, out models.DeliveryOutcome) (models.NotificationDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return models.NotificationDelivery{}, fmt.Errorf("delivery %s: %w", id, models.ErrNotFound)
	}
	if d.Status != models.DeliveryPending {
		return d, fmt.Errorf("delivery %s is %s: %w", id, d.Status, models.ErrInvalidTransition)
	}
	now := s.now()
	d.Attempts++
	d.LockedUntil = nil
	d.UpdatedAt = now
	switch {
	case out.Sent:
		d.Status = models.DeliverySent
		d.SentAt = ptr(now)
		d.LastError = nil
	case out.Retry:
		d.LastError = ptr(out.Error)
		d.NextAttemptAt = out.NextAttemptAt.UTC()
	default:
		d.Status = models.DeliveryFailed
		d.LastError = ptr(out.Error)
	}
	s.deliveries[id] = d
	return d, nil
}

// ReleaseDelivery drops the lease without counting an attempt.
func (s *Store) ReleaseDelivery(_ context.Context, id string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, models.ErrNotFound)
	}
	d.LockedUntil = nil
	d.NextAttemptAt = nextAttemptAt.UTC()
	d.UpdatedAt = s.now()
	s.deliveries[id] = d
	return nil
}

// ResetDelivery moves a failed delivery back to pending and leases it to the caller.
func (s *Store) ResetDelivery(_ context.Context, id string, lease time.Duration) (models.NotificationDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return models.NotificationDelivery{}, fmt.Errorf("delivery %s: %w", id, models.ErrNotFound)
	}
	if d.Status != models.DeliveryFailed {
		return d, fmt.Errorf("delivery %s is %s: %w", id, d.Status, models.ErrInvalidTransition)
	}
	now := s.now()
	d.Status = models.DeliveryPending
	d.NextAttemptAt = now
	d.LockedUntil = ptr(now.Add(lease))
	d.UpdatedAt = now
	s.deliveries[id] = d
	return d, nil
}

// RefreshEventStatus recomputes the aggregate status of an event from its deliveries.
func (s *Store) RefreshEventStatus(_ context.Context, eventID string) (models.NotificationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return models.NotificationEvent{}, fmt.Errorf("event %s: %w", eventID, models.ErrNotFound)
	}
	var all []models.NotificationDelivery
	for _, id := range s.delivOrder {
		if d := s.deliveries[id]; d.EventID == eventID {
			all = append(all, d)
		}
	}
	status := models.AggregateEventStatus(all)
	if status != ev.Status {
		ev.Status = status
		ev.UpdatedAt = s.now()
		s.events[eventID] = ev
	}
	return ev, nil
}

// Snapshot counts the conditions escalation rules look at.
func (s *Store) Snapshot(_ context.Context, q models.SnapshotQuery) (models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	snap := models.Snapshot{TakenAt: now}

	staleCutoff := now.Add(-q.StaleThreshold)
	for _, rec := range s.jobs {
		j := rec.job
		switch {
		case j.Status == models.StatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleCutoff):
			snap.StaleRunningJobs++
		case j.Status == models.StatusFailed && j.FinishedAt != nil && !j.FinishedAt.Before(q.Since):
			snap.DeadJobs++
		}
	}
	for _, run := range s.runs {
		if run.Status == models.RunFailed && !run.StartedAt.Before(q.Since) {
			snap.FailedRuns++
		}
	}
	stuck := make(map[string]bool, len(q.StuckStatuses))
	for _, st := range q.StuckStatuses {
		stuck[st] = true
	}
	stuckCutoff := now.Add(-q.StuckLeadAge)
	for _, lead := range s.leads {
		if stuck[lead.Status] && lead.RejectedAt == nil && lead.ProjectID == nil && lead.StatusChangedAt.Before(stuckCutoff) {
			snap.StuckLeads++
		}
	}
	for _, d := range s.deliveries {
		if d.Status == models.DeliveryFailed && !d.UpdatedAt.Before(q.Since) {
			snap.FailedDeliveries++
		}
	}
	return snap, nil
}
