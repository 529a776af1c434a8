package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotwise/cost-engine/internal/money"
	"github.com/spotwise/cost-engine/internal/store"
)

func TestRunMonthCoversAllActiveClients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.clients.Create(ctx, store.Client{
		ID: "client-2", Name: "Second", Token: "tok-2", Status: "active",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, f.clients.Create(ctx, store.Client{
		ID: "client-inactive", Name: "Gone", Token: "tok-3", Status: "suspended",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	f.addInstance(t, "i-abc123", 41600, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	agg := NewAggregator(f.db)
	sweeper := NewSweeper(f.clients, f.rec, agg, f.anomalies, 2)

	results, err := sweeper.RunMonth(ctx, 2026, time.April)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err, "client %s", r.ClientID)
		assert.NotEqual(t, "client-inactive", r.ClientID)
	}

	// Both client-months are persisted, including the empty one.
	records, err := agg.Monthly(ctx, "client-1", 12)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, money.Micros(29952000), records[0].Baseline)

	records, err = agg.Monthly(ctx, "client-2", 12)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Zero(t, records[0].Baseline)
}

func TestRunMonthIsolatesClientFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.clients.Create(ctx, store.Client{
		ID: "client-2", Name: "Broken", Token: "tok-2", Status: "active",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	f.addInstance(t, "i-abc123", 41600, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	// A corrupt stored timestamp makes client-2's replay fail.
	_, err := f.db.ExecContext(ctx, `
		INSERT INTO switch_events (
			client_id, instance_id, agent_id, trigger, from_mode, to_mode,
			on_demand_price, old_spot_price, new_spot_price, savings_impact, timestamp
		) VALUES ('client-2', 'i-bad', 'agent-i-bad', 'model', 'ondemand', 'ondemand',
			41600, 0, 0, 0, '2026-04-15T12:00:00')`)
	require.NoError(t, err)

	agg := NewAggregator(f.db)
	sweeper := NewSweeper(f.clients, f.rec, agg, f.anomalies, 2)

	results, err := sweeper.RunMonth(ctx, 2026, time.April)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		if r.ClientID == "client-2" {
			assert.Error(t, r.Err)
		} else {
			assert.NoError(t, r.Err, "client %s", r.ClientID)
		}
	}

	// The healthy client still gets its monthly row.
	records, err := agg.Monthly(ctx, "client-1", 12)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, money.Micros(29952000), records[0].Baseline)

	records, err = agg.Monthly(ctx, "client-2", 12)
	require.NoError(t, err)
	assert.Empty(t, records)

	// The failure is recorded against the failing client.
	var failed []string
	for _, ev := range f.anomalies.events {
		if ev.Type == "savings_computation_failed" {
			failed = append(failed, ev.ClientID)
		}
	}
	assert.Equal(t, []string{"client-2"}, failed)
}

func TestRunMonthIsRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addInstance(t, "i-abc123", 41600, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	agg := NewAggregator(f.db)
	sweeper := NewSweeper(f.clients, f.rec, agg, f.anomalies, 0)

	_, err := sweeper.RunMonth(ctx, 2026, time.April)
	require.NoError(t, err)
	_, err = sweeper.RunMonth(ctx, 2026, time.April)
	require.NoError(t, err)

	records, err := agg.Monthly(ctx, "client-1", 12)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
