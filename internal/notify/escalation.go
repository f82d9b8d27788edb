package notify

import (
	"fmt"

	"client-engine/internal/models"
)

// EscalationPrefix starts the event key of every escalation event.
const EscalationPrefix = "escalation."

// Thresholds are the minimum counts at which each rule fires. A zero or
// negative threshold disables the rule.
type Thresholds struct {
	StaleJobs        int
	DeadJobs         int
	FailedRuns       int
	StuckLeads       int
	FailedDeliveries int
}

// DefaultThresholds fire on the first occurrence of every condition.
func DefaultThresholds() Thresholds {
	return Thresholds{StaleJobs: 1, DeadJobs: 1, FailedRuns: 3, StuckLeads: 1, FailedDeliveries: 1}
}

// Candidate is an escalation event a rule wants open.
type Candidate struct {
	Rule     string
	Severity string
	Title    string
	Body     string
	Count    int
}

// EventKey doubles as the dedupe key, so at most one event per rule is open.
func (c Candidate) EventKey() string { return EscalationPrefix + c.Rule }

func (c Candidate) event() models.NewEvent {
	return models.NewEvent{
		EventKey:  c.EventKey(),
		DedupeKey: c.EventKey(),
		Severity:  c.Severity,
		Title:     c.Title,
		Body:      c.Body,
		Payload:   map[string]any{"rule": c.Rule, "count": c.Count},
	}
}

// Rule maps a snapshot to at most one candidate.
type Rule func(models.Snapshot, Thresholds) (Candidate, bool)

// Rules is the evaluation order.
var Rules = []Rule{StaleJobsRule, DeadJobsRule, FailedRunsRule, StuckLeadsRule, FailedDeliveriesRule}

// Evaluate runs every rule against snap.
func Evaluate(snap models.Snapshot, th Thresholds) []Candidate {
	var out []Candidate
	for _, rule := range Rules {
		if c, ok := rule(snap, th); ok {
			out = append(out, c)
		}
	}
	return out
}

func fires(count, threshold int) bool {
	return threshold > 0 && count >= threshold
}

// severity escalates to critical once the count reaches three times the threshold.
func severity(count, threshold int) string {
	if count >= 3*threshold {
		return models.SeverityCritical
	}
	return models.SeverityWarning
}

func StaleJobsRule(s models.Snapshot, th Thresholds) (Candidate, bool) {
	if !fires(s.StaleRunningJobs, th.StaleJobs) {
		return Candidate{}, false
	}
	return Candidate{
		Rule:     "stale_jobs",
		Severity: severity(s.StaleRunningJobs, th.StaleJobs),
		Title:    fmt.Sprintf("%d running jobs missed their lease", s.StaleRunningJobs),
		Body:     "Workers stopped heartbeating. Stale recovery will requeue them.",
		Count:    s.StaleRunningJobs,
	}, true
}

func DeadJobsRule(s models.Snapshot, th Thresholds) (Candidate, bool) {
	if !fires(s.DeadJobs, th.DeadJobs) {
		return Candidate{}, false
	}
	return Candidate{
		Rule:     "dead_jobs",
		Severity: models.SeverityCritical,
		Title:    fmt.Sprintf("%d jobs exhausted their attempts", s.DeadJobs),
		Body:     "Inspect the dead-letter queue.",
		Count:    s.DeadJobs,
	}, true
}

func FailedRunsRule(s models.Snapshot, th Thresholds) (Candidate, bool) {
	if !fires(s.FailedRuns, th.FailedRuns) {
		return Candidate{}, false
	}
	return Candidate{
		Rule:     "failed_runs",
		Severity: severity(s.FailedRuns, th.FailedRuns),
		Title:    fmt.Sprintf("%d pipeline runs failed in the last 24h", s.FailedRuns),
		Body:     "Check run history for the failing step.",
		Count:    s.FailedRuns,
	}, true
}

func StuckLeadsRule(s models.Snapshot, th Thresholds) (Candidate, bool) {
	if !fires(s.StuckLeads, th.StuckLeads) {
		return Candidate{}, false
	}
	return Candidate{
		Rule:     "stuck_leads",
		Severity: models.SeverityWarning,
		Title:    fmt.Sprintf("%d leads have not advanced", s.StuckLeads),
		Body:     "Leads sat in a pipeline status past the allowed age.",
		Count:    s.StuckLeads,
	}, true
}

func FailedDeliveriesRule(s models.Snapshot, th Thresholds) (Candidate, bool) {
	if !fires(s.FailedDeliveries, th.FailedDeliveries) {
		return Candidate{}, false
	}
	return Candidate{
		Rule:     "failed_deliveries",
		Severity: severity(s.FailedDeliveries, th.FailedDeliveries),
		Title:    fmt.Sprintf("%d notification deliveries failed", s.FailedDeliveries),
		Body:     "Retry them once the channel is healthy.",
		Count:    s.FailedDeliveries,
	}, true
}
