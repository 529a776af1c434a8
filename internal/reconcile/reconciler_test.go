package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotwise/cost-engine/internal/money"
	"github.com/spotwise/cost-engine/internal/store"
	"github.com/spotwise/cost-engine/internal/switchlog"
	"github.com/spotwise/cost-engine/internal/sysevents"
)

// fakeAnomalies collects recorded events; the sweeper calls Record
// from worker goroutines.
type fakeAnomalies struct {
	mu     sync.Mutex
	events []sysevents.Event
}

func (f *fakeAnomalies) Record(_ context.Context, ev sysevents.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type fixture struct {
	db        *store.DB
	clients   *store.Clients
	instances *store.Instances
	log       *switchlog.Log
	anomalies *fakeAnomalies
	rec       *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:        db,
		clients:   store.NewClients(db),
		instances: store.NewInstances(db),
		log:       switchlog.NewLog(db),
		anomalies: &fakeAnomalies{},
	}
	f.rec = NewReconciler(f.instances, f.log, f.anomalies)

	require.NoError(t, f.clients.Create(context.Background(), store.Client{
		ID: "client-1", Name: "Test", Token: "tok-1", Status: "active",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	return f
}

func (f *fixture) addInstance(t *testing.T, id string, baseline money.Micros, installed time.Time) {
	t.Helper()
	require.NoError(t, f.instances.Create(context.Background(), store.Instance{
		ID:                    id,
		ClientID:              "client-1",
		AgentID:               "agent-" + id,
		InstanceType:          "c5.large",
		Region:                "us-east-1",
		AZ:                    "us-east-1a",
		CurrentMode:           store.ModeOndemand,
		BaselineOndemandPrice: &baseline,
		IsActive:              true,
		InstalledAt:           installed,
	}))
}

func (f *fixture) addEvent(t *testing.T, instanceID string, ts time.Time, from, to store.Mode, fromPool, toPool string, ondemand, oldSpot, newSpot money.Micros) {
	t.Helper()
	require.NoError(t, f.log.Append(context.Background(), &switchlog.Event{
		ClientID:      "client-1",
		InstanceID:    instanceID,
		AgentID:       "agent-" + instanceID,
		Trigger:       switchlog.TriggerModel,
		FromMode:      from,
		ToMode:        to,
		FromPoolID:    fromPool,
		ToPoolID:      toPool,
		OndemandPrice: ondemand,
		OldSpotPrice:  oldSpot,
		NewSpotPrice:  newSpot,
		Timestamp:     ts,
	}))
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestHoursInMonth(t *testing.T) {
	assert.True(t, HoursInMonth(2026, time.April).Equal(dec("720")))
	assert.True(t, HoursInMonth(2026, time.January).Equal(dec("744")))
	assert.True(t, HoursInMonth(2026, time.February).Equal(dec("672")))
	assert.True(t, HoursInMonth(2028, time.February).Equal(dec("696"))) // leap year
}

func TestComputeMonthMidMonthSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	installed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f.addInstance(t, "i-abc123", 41600, installed)

	monthStart := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	mid := monthStart.Add(360 * time.Hour)

	// On-demand for the first half of April, spot for the second. The
	// lead-in before the only event runs at the pre-switch rate.
	f.addEvent(t, "i-abc123", mid, store.ModeOndemand, store.ModeSpot,
		"", "c5.large.us-east-1.us-east-1a", 41600, 0, 12400)

	cost, err := f.rec.ComputeMonth(ctx, "client-1", 2026, time.April)
	require.NoError(t, err)

	// 0.0416 x 360 + 0.0124 x 360, exactly.
	assert.True(t, cost.Actual.Equal(dec("19.44")), "actual = %s", cost.Actual)
	// 0.0416 x 720.
	assert.True(t, cost.Baseline.Equal(dec("29.952")), "baseline = %s", cost.Baseline)
	assert.True(t, cost.Savings().Equal(dec("10.512")), "savings = %s", cost.Savings())
	assert.Empty(t, f.anomalies.events)
}

func TestComputeMonthNoEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addInstance(t, "i-abc123", 41600, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	cost, err := f.rec.ComputeMonth(ctx, "client-1", 2026, time.April)
	require.NoError(t, err)
	assert.True(t, cost.Actual.IsZero())
	assert.True(t, cost.Baseline.Equal(dec("29.952")))
}

func TestComputeMonthBaselineExcludesFutureInstalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Installed at or after month end: excluded from the baseline.
	monthEnd := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f.addInstance(t, "i-later", 41600, monthEnd)
	f.addInstance(t, "i-after", 41600, monthEnd.Add(time.Hour))

	cost, err := f.rec.ComputeMonth(ctx, "client-1", 2026, time.April)
	require.NoError(t, err)
	assert.True(t, cost.Baseline.IsZero())
}

func TestComputeMonthMissingBaselineContributesZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.instances.Create(ctx, store.Instance{
		ID: "i-nobase", ClientID: "client-1", AgentID: "agent-i-nobase",
		InstanceType: "c5.large", Region: "us-east-1", AZ: "us-east-1a",
		CurrentMode: store.ModeOndemand, IsActive: true,
		InstalledAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}))
	f.addInstance(t, "i-abc123", 41600, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	cost, err := f.rec.ComputeMonth(ctx, "client-1", 2026, time.April)
	require.NoError(t, err)
	assert.True(t, cost.Baseline.Equal(dec("29.952")))
}

func TestComputeMonthContinuityAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addInstance(t, "i-abc123", 41600, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f.addEvent(t, "i-abc123", start, store.ModeSpot, store.ModeOndemand,
		"c5.large.us-east-1.us-east-1a", "", 41600, 20000, 0)
	// Claims to come from spot although the previous event left the
	// instance on-demand.
	f.addEvent(t, "i-abc123", start.Add(100*time.Hour), store.ModeSpot, store.ModeSpot,
		"c5.large.us-east-1.us-east-1b", "c5.large.us-east-1.us-east-1a", 41600, 20000, 12400)

	cost, err := f.rec.ComputeMonth(ctx, "client-1", 2026, time.April)
	require.NoError(t, err)

	// The replay still completes with a finite result.
	want := dec("0.0416").Mul(dec("100")).Add(dec("0.0124").Mul(dec("620")))
	assert.True(t, cost.Actual.Equal(want), "actual = %s", cost.Actual)

	require.Len(t, f.anomalies.events, 1)
	assert.Equal(t, "reconciliation_anomaly", f.anomalies.events[0].Type)
	assert.Equal(t, sysevents.SeverityWarning, f.anomalies.events[0].Severity)
}

func TestComputeMonthEqualTimestamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addInstance(t, "i-abc123", 41600, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	ts := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	f.addEvent(t, "i-abc123", ts, store.ModeSpot, store.ModeOndemand,
		"c5.large.us-east-1.us-east-1a", "", 41600, 20000, 0)
	f.addEvent(t, "i-abc123", ts, store.ModeOndemand, store.ModeSpot,
		"", "c5.large.us-east-1.us-east-1a", 41600, 0, 12400)

	cost, err := f.rec.ComputeMonth(ctx, "client-1", 2026, time.April)
	require.NoError(t, err)

	// Lead-in to April 10 runs at the first event's old spot rate (216
	// hours); the first interval collapses to zero length; the second
	// runs to month end (April 10 to May 1 is 504 hours).
	want := dec("0.02").Mul(dec("216")).Add(dec("0.0124").Mul(dec("504")))
	assert.True(t, cost.Actual.Equal(want), "actual = %s", cost.Actual)
	require.NotEmpty(t, f.anomalies.events)
	assert.Equal(t, "non-monotonic switch event timestamps", f.anomalies.events[0].Message)
}

func TestComputeMonthMultipleInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	installed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f.addInstance(t, "i-aaa", 41600, installed)
	f.addInstance(t, "i-bbb", 20800, installed)

	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f.addEvent(t, "i-aaa", start, store.ModeOndemand, store.ModeSpot,
		"", "c5.large.us-east-1.us-east-1a", 41600, 0, 12400)
	f.addEvent(t, "i-bbb", start, store.ModeOndemand, store.ModeSpot,
		"", "c5.large.us-east-1.us-east-1b", 20800, 0, 6200)

	cost, err := f.rec.ComputeMonth(ctx, "client-1", 2026, time.April)
	require.NoError(t, err)

	// Baselines and actuals sum across instances.
	assert.True(t, cost.Baseline.Equal(dec("0.0624").Mul(dec("720"))), "baseline = %s", cost.Baseline)
	assert.True(t, cost.Actual.Equal(dec("0.0186").Mul(dec("720"))), "actual = %s", cost.Actual)
}
