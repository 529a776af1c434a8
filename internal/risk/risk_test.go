package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotwise/cost-engine/internal/money"
	"github.com/spotwise/cost-engine/internal/store"
)

func TestUnavailableScorerIsNeutral(t *testing.T) {
	a, err := UnavailableScorer{}.Score(context.Background(), Input{PoolID: "us-east-1.us-east-1a.m5.large"})
	require.NoError(t, err)
	assert.Equal(t, 0.5, a.Score)
	assert.Equal(t, StateNormal, a.State)
	assert.Equal(t, "risk model unavailable", a.Reason)
}

func TestRecordsInsert(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, store.NewClients(db).Create(ctx, store.Client{
		ID: "client-1", Name: "Acme", Token: "tok-1", Status: "active",
		CreatedAt: time.Now().UTC(),
	}))

	records := NewRecords(db)
	require.NoError(t, records.Insert(ctx, Record{
		ClientID:               "client-1",
		InstanceID:             "i-0abc123def456",
		AgentID:                "agent-i-0abc12",
		Score:                  0.31,
		State:                  StateNormal,
		RecommendedAction:      "switch_pool",
		RecommendedMode:        store.ModeSpot,
		RecommendedPoolID:      "us-east-1.us-east-1b.m5.large",
		ExpectedSavingsPerHour: money.Micros(7600),
		Allowed:                true,
	}))

	var n int
	var poolID string
	var reason any
	row := db.QueryRowContext(ctx,
		"SELECT COUNT(*), recommended_pool_id, reason FROM risk_scores WHERE instance_id = ?",
		"i-0abc123def456")
	require.NoError(t, row.Scan(&n, &poolID, &reason))
	assert.Equal(t, 1, n)
	assert.Equal(t, "us-east-1.us-east-1b.m5.large", poolID)
	assert.Nil(t, reason, "empty reason stored as NULL")
}
