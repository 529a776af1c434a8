// Package reconcile replays the switch event log against baseline
// prices to compute realized cost per client per billing month.
//
// DESIGN: ComputeMonth is pure computation over stored history; it
// persists nothing, so it is safe to call repeatedly or speculatively
// (savings preview). Persistence is the aggregator's job, kept separate
// so the expensive replay stays independently testable.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/spotwise/cost-engine/internal/store"
	"github.com/spotwise/cost-engine/internal/switchlog"
	"github.com/spotwise/cost-engine/internal/sysevents"
)

// AnomalyRecorder receives invariant-violation reports found during
// replay. Satisfied by *sysevents.Recorder.
type AnomalyRecorder interface {
	Record(ctx context.Context, ev sysevents.Event)
}

// MonthCost is the outcome of reconciling one client-month.
type MonthCost struct {
	Baseline decimal.Decimal
	Actual   decimal.Decimal
}

// Savings is what the month would have cost on-demand minus what it
// actually cost.
func (m MonthCost) Savings() decimal.Decimal {
	return m.Baseline.Sub(m.Actual)
}

// Reconciler computes realized-vs-baseline cost from stored history.
type Reconciler struct {
	instances *store.Instances
	events    *switchlog.Log
	anomalies AnomalyRecorder
}

func NewReconciler(instances *store.Instances, events *switchlog.Log, anomalies AnomalyRecorder) *Reconciler {
	return &Reconciler{instances: instances, events: events, anomalies: anomalies}
}

// MonthBounds returns [start, end) of the given calendar month in UTC.
func MonthBounds(year int, month time.Month) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// HoursInMonth is calendar days times 24. Handles 28/29/30/31-day
// months; no leap-second handling.
func HoursInMonth(year int, month time.Month) decimal.Decimal {
	start, end := MonthBounds(year, month)
	return hoursBetween(start, end)
}

func hoursBetween(from, to time.Time) decimal.Decimal {
	ms := to.Sub(from).Milliseconds()
	return decimal.NewFromInt(ms).DivRound(decimal.NewFromInt(3_600_000), 9)
}

// ComputeMonth reconciles one client-month.
//
// Baseline: for every currently-active instance of the client installed
// before the month ends, baseline_ondemand_price x hours in month. An
// instance without a baseline price contributes zero (missing data is a
// normal state, not a failure).
//
// Actual: per-instance replay of switch events within [start, end).
// The stretch from month start to an instance's first event is costed
// at that event's pre-switch rate. Each event then opens an interval at
// its adopted rate; the interval closes at the next event for the same
// instance or at month end. An instance with no events in the month
// contributes zero from this pass.
func (r *Reconciler) ComputeMonth(ctx context.Context, clientID string, year int, month time.Month) (MonthCost, error) {
	start, end := MonthBounds(year, month)
	hours := HoursInMonth(year, month)

	var out MonthCost

	instances, err := r.instances.ListActiveForClient(ctx, clientID)
	if err != nil {
		return out, fmt.Errorf("reconcile %s %d-%02d: %w", clientID, year, month, err)
	}
	for _, in := range instances {
		if !in.InstalledAt.Before(end) || in.BaselineOndemandPrice == nil {
			continue
		}
		out.Baseline = out.Baseline.Add(in.BaselineOndemandPrice.Decimal().Mul(hours))
	}

	events, err := r.events.ListWindow(ctx, clientID, start, end)
	if err != nil {
		return out, fmt.Errorf("reconcile %s %d-%02d: %w", clientID, year, month, err)
	}
	out.Actual = r.replay(ctx, clientID, events, start, end)

	log.Debug().
		Str("client", clientID).
		Int("year", year).Int("month", int(month)).
		Str("baseline", out.Baseline.StringFixed(4)).
		Str("actual", out.Actual.StringFixed(4)).
		Msg("month reconciled")
	return out, nil
}

// replay walks events (grouped by instance, ascending timestamp) and
// sums rate x interval hours. Invariant violations are reported and
// tolerated: the result is always finite and deterministic.
func (r *Reconciler) replay(ctx context.Context, clientID string, events []switchlog.Event, monthStart, monthEnd time.Time) decimal.Decimal {
	total := decimal.Zero

	for i := 0; i < len(events); i++ {
		ev := events[i]

		// First event for this instance: the stretch since month start
		// ran at the rate the switch moved away from.
		if i == 0 || events[i-1].InstanceID != ev.InstanceID {
			lead := hoursBetween(monthStart, ev.Timestamp)
			if lead.IsPositive() {
				total = total.Add(ev.RateBefore().Decimal().Mul(lead))
			}
		}

		intervalEnd := monthEnd
		if i+1 < len(events) && events[i+1].InstanceID == ev.InstanceID {
			next := events[i+1]
			intervalEnd = next.Timestamp

			if !next.Timestamp.After(ev.Timestamp) {
				r.reportAnomaly(ctx, clientID, ev, next, "non-monotonic switch event timestamps")
				intervalEnd = ev.Timestamp // zero-length interval
			}
			if next.FromMode != ev.ToMode || next.FromPoolID != ev.ToPoolID {
				r.reportAnomaly(ctx, clientID, ev, next, "switch event continuity violation")
			}
		}

		dur := hoursBetween(ev.Timestamp, intervalEnd)
		if dur.IsNegative() {
			dur = decimal.Zero
		}
		total = total.Add(ev.RateAfter().Decimal().Mul(dur))
	}
	return total
}

func (r *Reconciler) reportAnomaly(ctx context.Context, clientID string, ev, next switchlog.Event, msg string) {
	if r.anomalies == nil {
		return
	}
	r.anomalies.Record(ctx, sysevents.Event{
		Type:       "reconciliation_anomaly",
		Severity:   sysevents.SeverityWarning,
		ClientID:   clientID,
		InstanceID: ev.InstanceID,
		Message:    msg,
		Metadata: map[string]any{
			"event_id":      ev.ID,
			"next_event_id": next.ID,
			"to_mode":       string(ev.ToMode),
			"next_from":     string(next.FromMode),
		},
	})
}
