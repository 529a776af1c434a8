package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/spotwise/cost-engine/internal/money"
	"github.com/spotwise/cost-engine/internal/store"
)

// MonthlyRecord is one persisted (client, year, month) savings row.
type MonthlyRecord struct {
	ClientID   string
	Year       int
	Month      int
	Baseline   money.Micros
	Actual     money.Micros
	Savings    money.Micros
	ComputedAt time.Time
}

// Aggregator is the persistence boundary over the reconciler's output.
type Aggregator struct {
	db *store.DB
}

func NewAggregator(db *store.DB) *Aggregator { return &Aggregator{db: db} }

// UpsertMonthly stores the authoritative figures for one client-month.
// Idempotent: the row is keyed on (client, year, month) and re-running
// with the same inputs leaves the stored values unchanged. Savings is
// recomputed here as baseline minus actual, never trusted from the
// caller. Single atomic upsert against the row.
func (a *Aggregator) UpsertMonthly(ctx context.Context, clientID string, year int, month time.Month, baseline, actual decimal.Decimal) error {
	b := money.FromDecimal(baseline)
	act := money.FromDecimal(actual)
	savings := b - act

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO client_savings_monthly (client_id, year, month, baseline_cost, actual_cost, savings, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, year, month) DO UPDATE SET
			baseline_cost = excluded.baseline_cost,
			actual_cost   = excluded.actual_cost,
			savings       = excluded.savings,
			computed_at   = excluded.computed_at`,
		clientID, year, int(month), int64(b), int64(act), int64(savings),
		store.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert monthly savings %s %d-%02d: %w", clientID, year, month, err)
	}
	return nil
}

// Monthly returns up to limit of the client's most recent monthly rows
// in chronological order.
func (a *Aggregator) Monthly(ctx context.Context, clientID string, limit int) ([]MonthlyRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT client_id, year, month, baseline_cost, actual_cost, savings, computed_at
		FROM client_savings_monthly
		WHERE client_id = ?
		ORDER BY year DESC, month DESC
		LIMIT ?`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("monthly savings for %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []MonthlyRecord
	for rows.Next() {
		var rec MonthlyRecord
		var b, act, sav int64
		var computed string
		if err := rows.Scan(&rec.ClientID, &rec.Year, &rec.Month, &b, &act, &sav, &computed); err != nil {
			return nil, err
		}
		rec.Baseline = money.Micros(b)
		rec.Actual = money.Micros(act)
		rec.Savings = money.Micros(sav)
		if rec.ComputedAt, err = store.ParseTime(computed); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lo.Reverse(out), nil
}
