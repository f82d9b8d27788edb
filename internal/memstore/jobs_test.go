package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"client-engine/internal/models"
)

func TestReturnedJobsDoNotAliasStoredMaps(t *testing.T) {
	st := New()
	ctx := context.Background()

	payload := map[string]any{"lead_id": "L1", "opts": map[string]any{"depth": 1}}
	job, _, err := st.InsertJob(ctx, models.NewJob{JobType: "pipeline.run", Payload: payload, MaxAttempts: 3})
	require.NoError(t, err)
	payload["lead_id"] = "caller-mutated"

	claimed, err := st.ClaimNextJob(ctx, "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	claimed.Payload["lead_id"] = "handler-mutated"
	claimed.Payload["opts"].(map[string]any)["depth"] = 99

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "L1", stored.Payload["lead_id"])
	require.Equal(t, 1, stored.Payload["opts"].(map[string]any)["depth"])

	result := map[string]any{"run_id": "R1"}
	done, err := st.CompleteJob(ctx, job.ID, "w1", result)
	require.NoError(t, err)
	result["run_id"] = "changed"
	done.Result["run_id"] = "changed too"

	stored, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "R1", stored.Result["run_id"])
}
