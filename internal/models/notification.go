package models

import "time"

// Event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event statuses. An event is sent only when every required delivery succeeded.
const (
	EventPending = "pending"
	EventQueued  = "queued"
	EventSent    = "sent"
	EventFailed  = "failed"
)

// Delivery statuses.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// NotificationEvent records that something happened.
type NotificationEvent struct {
	ID         string         `json:"id"`
	EventKey   string         `json:"event_key"`
	DedupeKey  *string        `json:"dedupe_key,omitempty"`
	Severity   string         `json:"severity"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     string         `json:"status"`
	OccurredAt time.Time      `json:"occurred_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NotificationDelivery is one event sent through one channel.
type NotificationDelivery struct {
	ID            string     `json:"id"`
	EventID       string     `json:"event_id"`
	Channel       string     `json:"channel"`
	Required      bool       `json:"required"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     *string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewEvent collects the inputs for event creation.
type NewEvent struct {
	EventKey   string
	DedupeKey  string
	Severity   string
	Title      string
	Body       string
	Payload    map[string]any
	OccurredAt time.Time
}

// DeliveryTarget is a channel a new event fans out to.
type DeliveryTarget struct {
	Channel  string
	Required bool
}

// DeliveryOutcome records the result of one send attempt.
type DeliveryOutcome struct {
	Sent  bool
	Error string
	// Retry keeps the delivery pending until NextAttemptAt; otherwise a failure is terminal.
	Retry         bool
	NextAttemptAt time.Time
}

// EventFilter narrows event listings.
type EventFilter struct {
	Status    string
	KeyPrefix string
	OpenOnly  bool
	Limit     int
}

// Snapshot is the system state escalation rules evaluate.
type Snapshot struct {
	TakenAt          time.Time `json:"taken_at"`
	StaleRunningJobs int       `json:"stale_running_jobs"`
	DeadJobs         int       `json:"dead_jobs"`
	FailedRuns       int       `json:"failed_runs"`
	StuckLeads       int       `json:"stuck_leads"`
	FailedDeliveries int       `json:"failed_deliveries"`
}

// SnapshotQuery parameterizes snapshot collection.
type SnapshotQuery struct {
	StaleThreshold time.Duration
	Since          time.Time
	StuckLeadAge   time.Duration
	StuckStatuses  []string
}

// AggregateEventStatus derives an event status from its deliveries. Only
// required deliveries count when any exist.
func AggregateEventStatus(deliveries []NotificationDelivery) string {
	if len(deliveries) == 0 {
		return EventPending
	}
	relevant := deliveries[:0:0]
	for _, d := range deliveries {
		if d.Required {
			relevant = append(relevant, d)
		}
	}
	if len(relevant) == 0 {
		relevant = deliveries
	}
	sent := 0
	for _, d := range relevant {
		switch d.Status {
		case DeliveryFailed:
			return EventFailed
		case DeliverySent:
			sent++
		}
	}
	if sent == len(relevant) {
		return EventSent
	}
	return EventQueued
}
