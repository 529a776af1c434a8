package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotwise/cost-engine/internal/money"
)

func TestUpsertMonthlyIdempotent(t *testing.T) {
	f := newFixture(t)
	agg := NewAggregator(f.db)
	ctx := context.Background()

	require.NoError(t, agg.UpsertMonthly(ctx, "client-1", 2026, time.April, dec("29.952"), dec("19.44")))
	// Re-running the sweep replaces, never duplicates.
	require.NoError(t, agg.UpsertMonthly(ctx, "client-1", 2026, time.April, dec("29.952"), dec("20.00")))

	records, err := agg.Monthly(ctx, "client-1", 12)
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, 2026, r.Year)
	assert.Equal(t, 4, r.Month)
	assert.Equal(t, money.Micros(29952000), r.Baseline)
	assert.Equal(t, money.Micros(20000000), r.Actual)
	assert.Equal(t, money.Micros(9952000), r.Savings)
}

func TestMonthlyChronological(t *testing.T) {
	f := newFixture(t)
	agg := NewAggregator(f.db)
	ctx := context.Background()

	require.NoError(t, agg.UpsertMonthly(ctx, "client-1", 2026, time.March, dec("10"), dec("8")))
	require.NoError(t, agg.UpsertMonthly(ctx, "client-1", 2026, time.January, dec("10"), dec("9")))
	require.NoError(t, agg.UpsertMonthly(ctx, "client-1", 2025, time.December, dec("10"), dec("7")))

	records, err := agg.Monthly(ctx, "client-1", 12)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []int{2025, 2026, 2026}, []int{records[0].Year, records[1].Year, records[2].Year})
	assert.Equal(t, []int{12, 1, 3}, []int{records[0].Month, records[1].Month, records[2].Month})
}

func TestMonthlyLimitKeepsNewest(t *testing.T) {
	f := newFixture(t)
	agg := NewAggregator(f.db)
	ctx := context.Background()

	for m := time.January; m <= time.June; m++ {
		require.NoError(t, agg.UpsertMonthly(ctx, "client-1", 2026, m, dec("10"), dec("8")))
	}

	records, err := agg.Monthly(ctx, "client-1", 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	// The newest three, still in chronological order.
	assert.Equal(t, 4, records[0].Month)
	assert.Equal(t, 6, records[2].Month)
}
