package notify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"client-engine/internal/models"
)

func TestEvaluate(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name string
		snap models.Snapshot
		want map[string]string
	}{
		{
			name: "quiet system",
			snap: models.Snapshot{FailedRuns: 2},
			want: map[string]string{},
		},
		{
			name: "stale jobs at three times the threshold",
			snap: models.Snapshot{StaleRunningJobs: 3},
			want: map[string]string{"escalation.stale_jobs": models.SeverityCritical},
		},
		{
			name: "dead jobs are always critical",
			snap: models.Snapshot{DeadJobs: 1},
			want: map[string]string{"escalation.dead_jobs": models.SeverityCritical},
		},
		{
			name: "failed runs at threshold",
			snap: models.Snapshot{FailedRuns: 3, StuckLeads: 2},
			want: map[string]string{
				"escalation.failed_runs": models.SeverityWarning,
				"escalation.stuck_leads": models.SeverityWarning,
			},
		},
		{
			name: "failed deliveries",
			snap: models.Snapshot{FailedDeliveries: 1},
			want: map[string]string{"escalation.failed_deliveries": models.SeverityWarning},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := map[string]string{}
			for _, c := range Evaluate(tt.snap, th) {
				got[c.EventKey()] = c.Severity
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestZeroThresholdDisablesRule(t *testing.T) {
	th := DefaultThresholds()
	th.DeadJobs = 0
	require.Empty(t, Evaluate(models.Snapshot{DeadJobs: 10}, th))
}

func TestCandidateEventUsesRuleAsDedupeKey(t *testing.T) {
	c, ok := StuckLeadsRule(models.Snapshot{StuckLeads: 4}, DefaultThresholds())
	require.True(t, ok)
	ev := c.event()
	require.Equal(t, "escalation.stuck_leads", ev.EventKey)
	require.Equal(t, ev.EventKey, ev.DedupeKey)
	require.Equal(t, 4, ev.Payload["count"])
}
