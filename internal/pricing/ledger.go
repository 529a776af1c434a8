// Package pricing maintains the append-only price ledger: point-in-time
// spot price observations per pool and on-demand observations per
// region + instance type. Snapshots are only ever inserted; the
// retention sweep eventually removes old ones.
package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spotwise/cost-engine/internal/money"
	"github.com/spotwise/cost-engine/internal/store"
)

// PoolID derives the deterministic identity of a spot pool from its
// attributes. Pools have no surrogate key.
func PoolID(instanceType, region, az string) string {
	return strings.Join([]string{instanceType, region, az}, ".")
}

// PoolPrice is the latest observation for one pool.
type PoolPrice struct {
	PoolID     string
	AZ         string
	Price      money.Micros
	CapturedAt time.Time
}

// Ledger appends and reads price snapshots.
type Ledger struct {
	db *store.DB
}

func NewLedger(db *store.DB) *Ledger { return &Ledger{db: db} }

// EnsurePool inserts the pool row if it does not exist. Pools are never
// mutated after creation.
func (l *Ledger) EnsurePool(ctx context.Context, poolID, instanceType, region, az string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO spot_pools (id, instance_type, region, az, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		poolID, instanceType, region, az, store.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("ensure pool %s: %w", poolID, err)
	}
	return nil
}

// RecordSpotPrice appends a spot price observation for a pool.
func (l *Ledger) RecordSpotPrice(ctx context.Context, poolID string, price money.Micros, capturedAt time.Time) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO spot_price_snapshots (pool_id, price, captured_at)
		VALUES (?, ?, ?)`,
		poolID, int64(price), store.FormatTime(capturedAt))
	if err != nil {
		return fmt.Errorf("record spot price for %s: %w", poolID, err)
	}
	return nil
}

// RecordOndemandPrice appends an on-demand price observation.
func (l *Ledger) RecordOndemandPrice(ctx context.Context, region, instanceType string, price money.Micros, capturedAt time.Time) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ondemand_price_snapshots (region, instance_type, price, captured_at)
		VALUES (?, ?, ?, ?)`,
		region, instanceType, int64(price), store.FormatTime(capturedAt))
	if err != nil {
		return fmt.Errorf("record ondemand price for %s/%s: %w", region, instanceType, err)
	}
	return nil
}

// LatestSpotPrice returns the most recent spot observation for a pool.
// A pool with no observations yet is a normal state: ok is false and
// err is nil.
func (l *Ledger) LatestSpotPrice(ctx context.Context, poolID string) (price money.Micros, ok bool, err error) {
	var v int64
	err = l.db.QueryRowContext(ctx, `
		SELECT price FROM spot_price_snapshots
		WHERE pool_id = ?
		ORDER BY captured_at DESC
		LIMIT 1`, poolID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest spot price for %s: %w", poolID, err)
	}
	return money.Micros(v), true, nil
}

// LatestOndemandPrice returns the most recent on-demand observation for
// a region + instance type, with the same "no data" convention.
func (l *Ledger) LatestOndemandPrice(ctx context.Context, region, instanceType string) (price money.Micros, ok bool, err error) {
	var v int64
	err = l.db.QueryRowContext(ctx, `
		SELECT price FROM ondemand_price_snapshots
		WHERE region = ? AND instance_type = ?
		ORDER BY captured_at DESC
		LIMIT 1`, region, instanceType).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest ondemand price for %s/%s: %w", region, instanceType, err)
	}
	return money.Micros(v), true, nil
}

// LatestPoolPrices returns, for every pool matching instanceType and
// region, its most recent observation, cheapest first. Feeds the
// instance pricing view on the dashboard.
func (l *Ledger) LatestPoolPrices(ctx context.Context, instanceType, region string) ([]PoolPrice, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT sp.id, sp.az, sps.price, sps.captured_at
		FROM spot_pools sp
		JOIN spot_price_snapshots sps ON sps.id = (
			SELECT id FROM spot_price_snapshots
			WHERE pool_id = sp.id
			ORDER BY captured_at DESC
			LIMIT 1
		)
		WHERE sp.instance_type = ? AND sp.region = ?
		ORDER BY sps.price ASC`, instanceType, region)
	if err != nil {
		return nil, fmt.Errorf("latest pool prices for %s/%s: %w", instanceType, region, err)
	}
	defer rows.Close()

	var out []PoolPrice
	for rows.Next() {
		var pp PoolPrice
		var price int64
		var captured string
		if err := rows.Scan(&pp.PoolID, &pp.AZ, &price, &captured); err != nil {
			return nil, err
		}
		pp.Price = money.Micros(price)
		if pp.CapturedAt, err = store.ParseTime(captured); err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, rows.Err()
}
