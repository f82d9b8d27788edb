// Package notify turns domain events into per-channel deliveries, sends
// them with bounded retries and promotes standing conditions into
// escalation events.
//
// Sending is best-effort per delivery: one failing channel never blocks the
// rest of a batch. Every attempt is recorded on the delivery row and the
// event's aggregate status is recomputed after each outcome.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"client-engine/internal/cache"
	"client-engine/internal/config"
	"client-engine/internal/jobqueue"
	"client-engine/internal/logging"
	"client-engine/internal/models"
	"client-engine/internal/telemetry"
)

// ErrInvalidEvent is returned for malformed event input, before any write.
var ErrInvalidEvent = errors.New("invalid event")

// Store is the persistence the dispatcher needs.
type Store interface {
	CreateEvent(ctx context.Context, ne models.NewEvent, targets []models.DeliveryTarget) (models.NotificationEvent, bool, error)
	GetEvent(ctx context.Context, id string) (models.NotificationEvent, error)
	ListEvents(ctx context.Context, filter models.EventFilter) ([]models.NotificationEvent, error)
	ResolveEvent(ctx context.Context, id string) (models.NotificationEvent, error)
	EventDeliveries(ctx context.Context, eventID string) ([]models.NotificationDelivery, error)
	ClaimDueDeliveries(ctx context.Context, limit int, lease time.Duration) ([]models.NotificationDelivery, error)
	GetDelivery(ctx context.Context, id string) (models.NotificationDelivery, error)
	RecordDelivery(ctx context.Context, id string, out models.DeliveryOutcome) (models.NotificationDelivery, error)
	ReleaseDelivery(ctx context.Context, id string, nextAttemptAt time.Time) error
	ResetDelivery(ctx context.Context, id string, lease time.Duration) (models.NotificationDelivery, error)
	RefreshEventStatus(ctx context.Context, eventID string) (models.NotificationEvent, error)
	Snapshot(ctx context.Context, q models.SnapshotQuery) (models.Snapshot, error)
}

// Options configures delivery and escalation.
type Options struct {
	MaxAttempts int
	Backoff     jobqueue.Backoff
	// Lease bounds how long a claimed delivery stays invisible to other dispatchers.
	Lease time.Duration
	// ChannelRate is the sustained sends per second allowed per channel.
	ChannelRate float64
	// RequiredChannels decide the event aggregate status. Empty means all.
	RequiredChannels []string
	// BreakerThreshold consecutive failures open a channel's circuit for
	// BreakerCooldown. Zero disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	Thresholds       Thresholds
	StaleThreshold   time.Duration
	StuckLeadAge     time.Duration
	StuckStatuses    []string
	EscalationWindow time.Duration
	SnapshotTTL      time.Duration
}

// OptionsFromConfig maps runtime configuration onto dispatcher options.
func OptionsFromConfig(cfg config.Config) Options {
	th := DefaultThresholds()
	th.FailedRuns = cfg.EscalationFailedRuns
	th.DeadJobs = cfg.EscalationDeadJobs
	return Options{
		MaxAttempts: cfg.NotifyMaxAttempts,
		Backoff: jobqueue.Backoff{
			Strategy: "exponential",
			Initial:  cfg.NotifyBackoffInitial,
			Max:      cfg.BackoffMax,
		},
		Lease:            cfg.NotifyLease,
		ChannelRate:      cfg.NotifyChannelRate,
		RequiredChannels: cfg.NotifyRequiredChannels,
		BreakerThreshold: cfg.NotifyBreakerThreshold,
		BreakerCooldown:  cfg.NotifyBreakerCooldown,
		Thresholds:       th,
		StaleThreshold:   cfg.StaleThreshold,
		StuckLeadAge:     cfg.EscalationStuckLeadAge,
		StuckStatuses:    cfg.PipelineAllowedStatuses,
		EscalationWindow: 24 * time.Hour,
		SnapshotTTL:      cfg.CacheTTL,
	}
}

// DispatchResult summarizes one DispatchPending batch.
type DispatchResult struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// EscalationResult summarizes one EvaluateEscalationRules pass.
type EscalationResult struct {
	Created  int `json:"created"`
	Queued   int `json:"queued"`
	Resolved int `json:"resolved"`
}

const snapshotKey = "escalation:snapshot"

// Dispatcher is the notification service.
type Dispatcher struct {
	store     Store
	channels  map[string]Channel
	order     []string
	limiters  map[string]*rate.Limiter
	breaker   *breaker
	required  map[string]bool
	opts      Options
	snapshots cache.Cache[models.Snapshot]
	log       *zap.Logger
	now       func() time.Time
}

// New builds a dispatcher fanning events out to channels in the given order.
func New(store Store, channels []Channel, opts Options, log *zap.Logger) *Dispatcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.EscalationWindow <= 0 {
		opts.EscalationWindow = 24 * time.Hour
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = time.Minute
	}
	d := &Dispatcher{
		store:     store,
		channels:  make(map[string]Channel, len(channels)),
		limiters:  make(map[string]*rate.Limiter, len(channels)),
		breaker:   newBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		required:  make(map[string]bool, len(opts.RequiredChannels)),
		opts:      opts,
		snapshots: cache.NewTTL[models.Snapshot](),
		log:       logging.OrNop(log).Named("notify"),
		now:       time.Now,
	}
	for _, ch := range channels {
		name := ch.Name()
		if _, dup := d.channels[name]; dup {
			continue
		}
		d.channels[name] = ch
		d.order = append(d.order, name)
		d.limiters[name] = newLimiter(opts.ChannelRate)
	}
	for _, name := range opts.RequiredChannels {
		d.required[name] = true
	}
	return d
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// WithClock overrides the time source, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// WithSnapshotCache replaces the in-process snapshot cache.
func (d *Dispatcher) WithSnapshotCache(c cache.Cache[models.Snapshot]) *Dispatcher {
	d.snapshots = c
	return d
}

func (d *Dispatcher) targets() []models.DeliveryTarget {
	out := make([]models.DeliveryTarget, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, models.DeliveryTarget{
			Channel:  name,
			Required: len(d.required) == 0 || d.required[name],
		})
	}
	return out
}

func validateEvent(ne models.NewEvent) error {
	if ne.EventKey == "" {
		return fmt.Errorf("%w: event key is required", ErrInvalidEvent)
	}
	if len(ne.EventKey) > 128 {
		return fmt.Errorf("%w: event key exceeds 128 characters", ErrInvalidEvent)
	}
	switch ne.Severity {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, ne.Severity)
	}
	if ne.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}
	return nil
}

// Raise records an event with one delivery per channel. When an open event
// already carries the same dedupe key, that event is returned with
// existing=true and nothing is written.
func (d *Dispatcher) Raise(ctx context.Context, ne models.NewEvent) (models.NotificationEvent, bool, error) {
	if ne.Severity == "" {
		ne.Severity = models.SeverityInfo
	}
	if err := validateEvent(ne); err != nil {
		return models.NotificationEvent{}, false, err
	}
	if ne.OccurredAt.IsZero() {
		ne.OccurredAt = d.now()
	}
	ev, existing, err := d.store.CreateEvent(ctx, ne, d.targets())
	if err != nil {
		return models.NotificationEvent{}, false, fmt.Errorf("create event: %w", err)
	}
	if existing {
		d.log.Debug("event deduplicated", zap.String("event_key", ne.EventKey), zap.String("event_id", ev.ID))
		return ev, true, nil
	}
	telemetry.EventsRaised.WithLabelValues(ev.EventKey).Inc()
	d.log.Info("event raised",
		zap.String("event_id", ev.ID),
		zap.String("event_key", ev.EventKey),
		zap.String("severity", ev.Severity),
		zap.String("status", ev.Status),
	)
	return ev, false, nil
}

// Emit raises ev and discards the result. It lets the dispatcher serve as
// an event sink for other services.
func (d *Dispatcher) Emit(ctx context.Context, ev models.NewEvent) error {
	_, _, err := d.Raise(ctx, ev)
	return err
}

// DispatchPending leases up to limit due deliveries and sends each one.
// Only the claim itself can fail the call; per-delivery problems are
// recorded on the delivery and counted.
func (d *Dispatcher) DispatchPending(ctx context.Context, limit int) (DispatchResult, error) {
	var res DispatchResult
	claimed, err := d.store.ClaimDueDeliveries(ctx, limit, d.opts.Lease)
	if err != nil {
		return res, fmt.Errorf("claim deliveries: %w", err)
	}

	events := make(map[string]models.NotificationEvent)
	touched := make(map[string]bool)
	for _, del := range claimed {
		if ctx.Err() != nil {
			// Unsent leases lapse on their own; release them so the next
			// batch does not wait for expiry.
			if err := d.store.ReleaseDelivery(context.WithoutCancel(ctx), del.ID, del.NextAttemptAt); err != nil {
				d.log.Warn("release delivery", zap.String("delivery_id", del.ID), zap.Error(err))
			}
			res.Skipped++
			continue
		}
		if lim, ok := d.limiters[del.Channel]; ok && !lim.Allow() {
			if err := d.store.ReleaseDelivery(ctx, del.ID, del.NextAttemptAt); err != nil {
				d.log.Warn("release throttled delivery", zap.String("delivery_id", del.ID), zap.Error(err))
			}
			telemetry.Deliveries.WithLabelValues(del.Channel, "throttled").Inc()
			res.Skipped++
			continue
		}

		ev, ok := events[del.EventID]
		if !ok {
			ev, err = d.store.GetEvent(ctx, del.EventID)
			if err != nil {
				d.log.Error("load event for delivery", zap.String("delivery_id", del.ID), zap.Error(err))
				res.Failed++
				continue
			}
			events[del.EventID] = ev
		}

		if _, known := d.channels[del.Channel]; known && !d.breaker.allow(del.Channel, d.now()) {
			next := d.now().Add(d.opts.BreakerCooldown)
			if del.NextAttemptAt.After(next) {
				next = del.NextAttemptAt
			}
			if err := d.store.ReleaseDelivery(ctx, del.ID, next); err != nil {
				d.log.Warn("release delivery on open circuit", zap.String("delivery_id", del.ID), zap.Error(err))
			}
			telemetry.Deliveries.WithLabelValues(del.Channel, "circuit_open").Inc()
			res.Skipped++
			continue
		}

		if d.attempt(ctx, ev, del) {
			res.Sent++
		} else {
			res.Failed++
		}
		touched[del.EventID] = true
	}

	for eventID := range touched {
		if _, err := d.store.RefreshEventStatus(context.WithoutCancel(ctx), eventID); err != nil {
			d.log.Error("refresh event status", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	if len(claimed) > 0 {
		d.log.Info("dispatch batch",
			zap.Int("claimed", len(claimed)),
			zap.Int("sent", res.Sent),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
		)
	}
	return res, nil
}

// attempt sends one leased delivery and records the outcome. It reports
// whether the send succeeded.
func (d *Dispatcher) attempt(ctx context.Context, ev models.NotificationEvent, del models.NotificationDelivery) bool {
	log := d.log.With(zap.String("delivery_id", del.ID), zap.String("channel", del.Channel))
	attemptNo := del.Attempts + 1

	var sendErr error
	ch, ok := d.channels[del.Channel]
	if !ok {
		sendErr = fmt.Errorf("unknown channel %q", del.Channel)
	} else {
		sendErr = safeSend(ctx, ch, ev, del)
		if sendErr == nil {
			d.breaker.success(del.Channel)
		} else if d.breaker.failure(del.Channel, d.now()) {
			log.Warn("channel circuit opened", zap.Duration("cooldown", d.opts.BreakerCooldown))
		}
	}

	out := models.DeliveryOutcome{Sent: sendErr == nil}
	outcome := "sent"
	if sendErr != nil {
		out.Error = sendErr.Error()
		if ok && attemptNo < d.opts.MaxAttempts {
			out.Retry = true
			out.NextAttemptAt = d.now().Add(d.opts.Backoff.Delay(attemptNo))
			outcome = "retry"
		} else {
			outcome = "failed"
		}
		log.Warn("delivery attempt failed", zap.Int("attempt", attemptNo), zap.Bool("retry", out.Retry), zap.Error(sendErr))
	}
	telemetry.Deliveries.WithLabelValues(del.Channel, outcome).Inc()

	if _, err := d.store.RecordDelivery(context.WithoutCancel(ctx), del.ID, out); err != nil {
		log.Error("record delivery outcome", zap.Error(err))
		return false
	}
	return sendErr == nil
}

func safeSend(ctx context.Context, ch Channel, ev models.NotificationEvent, del models.NotificationDelivery) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return ch.Send(ctx, ev, del)
}

// RetryDelivery moves a failed delivery back to pending and attempts it
// once right away. The attempt waits for the channel's pacing.
func (d *Dispatcher) RetryDelivery(ctx context.Context, deliveryID string) (models.NotificationDelivery, error) {
	del, err := d.store.ResetDelivery(ctx, deliveryID, d.opts.Lease)
	if err != nil {
		return models.NotificationDelivery{}, err
	}
	ev, err := d.store.GetEvent(ctx, del.EventID)
	if err != nil {
		return models.NotificationDelivery{}, fmt.Errorf("load event: %w", err)
	}
	if lim, ok := d.limiters[del.Channel]; ok {
		if err := lim.Wait(ctx); err != nil {
			_ = d.store.ReleaseDelivery(context.WithoutCancel(ctx), del.ID, d.now())
			return models.NotificationDelivery{}, fmt.Errorf("wait for channel %s: %w", del.Channel, err)
		}
	}
	d.attempt(ctx, ev, del)
	if _, err := d.store.RefreshEventStatus(context.WithoutCancel(ctx), del.EventID); err != nil {
		d.log.Error("refresh event status", zap.String("event_id", del.EventID), zap.Error(err))
	}
	return d.store.GetDelivery(context.WithoutCancel(ctx), deliveryID)
}

// EvaluateEscalationRules raises one event per firing rule, at most limit,
// and resolves open escalation events whose rule no longer fires.
func (d *Dispatcher) EvaluateEscalationRules(ctx context.Context, limit int) (EscalationResult, error) {
	var res EscalationResult
	snap, err := d.snapshots.GetOrCompute(ctx, snapshotKey, d.opts.SnapshotTTL, func(ctx context.Context) (models.Snapshot, error) {
		now := d.now()
		return d.store.Snapshot(ctx, models.SnapshotQuery{
			StaleThreshold: d.opts.StaleThreshold,
			Since:          now.Add(-d.opts.EscalationWindow),
			StuckLeadAge:   d.opts.StuckLeadAge,
			StuckStatuses:  d.opts.StuckStatuses,
		})
	})
	if err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}

	candidates := Evaluate(snap, d.opts.Thresholds)
	active := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		active[c.EventKey()] = true
	}
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	for _, c := range candidates {
		ev, existing, err := d.Raise(ctx, c.event())
		if err != nil {
			return res, fmt.Errorf("raise %s: %w", c.EventKey(), err)
		}
		if existing {
			continue
		}
		res.Created++
		telemetry.EscalationsCreated.Inc()
		if ev.Status == models.EventQueued {
			res.Queued++
		}
	}

	open, err := d.store.ListEvents(ctx, models.EventFilter{KeyPrefix: EscalationPrefix, OpenOnly: true, Limit: 500})
	if err != nil {
		return res, fmt.Errorf("list open escalations: %w", err)
	}
	for _, ev := range open {
		if active[ev.EventKey] {
			continue
		}
		if _, err := d.store.ResolveEvent(ctx, ev.ID); err != nil {
			return res, fmt.Errorf("resolve %s: %w", ev.EventKey, err)
		}
		d.log.Info("escalation cleared", zap.String("event_id", ev.ID), zap.String("event_key", ev.EventKey))
		res.Resolved++
	}
	return res, nil
}

// ResolveEvent closes an event so its dedupe key can be raised again.
func (d *Dispatcher) ResolveEvent(ctx context.Context, eventID string) (models.NotificationEvent, error) {
	return d.store.ResolveEvent(ctx, eventID)
}

// ListEvents returns events newest first.
func (d *Dispatcher) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.NotificationEvent, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return d.store.ListEvents(ctx, filter)
}

// Event returns an event with its deliveries.
func (d *Dispatcher) Event(ctx context.Context, eventID string) (models.NotificationEvent, []models.NotificationDelivery, error) {
	ev, err := d.store.GetEvent(ctx, eventID)
	if err != nil {
		return ev, nil, err
	}
	dels, err := d.store.EventDeliveries(ctx, eventID)
	return ev, dels, err
}
