package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spotwise/cost-engine/internal/money"
)

// Mode is a pricing regime for a compute instance.
type Mode string

const (
	ModeSpot     Mode = "spot"
	ModeOndemand Mode = "ondemand"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeSpot || m == ModeOndemand }

// Instance is one compute instance under management.
// Invariant (enforced by a schema CHECK): CurrentPoolID is empty iff
// CurrentMode is ondemand. BaselineOndemandPrice is fixed at creation
// and never mutated afterwards; it anchors baseline cost computation.
type Instance struct {
	ID                    string
	ClientID              string
	AgentID               string
	InstanceType          string
	Region                string
	AZ                    string
	AmiID                 string
	CurrentMode           Mode
	CurrentPoolID         string
	SpotPrice             *money.Micros
	OndemandPrice         *money.Micros
	BaselineOndemandPrice *money.Micros
	IsActive              bool
	InstalledAt           time.Time
	LastSwitchAt          *time.Time
	TerminatedAt          *time.Time
}

// Instances is the repository over the instances table.
type Instances struct {
	db *DB
}

func NewInstances(db *DB) *Instances { return &Instances{db: db} }

// Create inserts a new instance. The baseline on-demand price is set
// here, once; later writes never touch it.
func (s *Instances) Create(ctx context.Context, in Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (
			id, client_id, agent_id, instance_type, region, az, ami_id,
			current_mode, current_pool_id, spot_price, ondemand_price,
			baseline_ondemand_price, is_active, installed_at, last_switch_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.ClientID, NullStr(in.AgentID), in.InstanceType, in.Region, in.AZ,
		NullStr(in.AmiID), string(in.CurrentMode), NullStr(in.CurrentPoolID),
		nullMicros(in.SpotPrice), nullMicros(in.OndemandPrice),
		nullMicros(in.BaselineOndemandPrice), in.IsActive,
		FormatTime(in.InstalledAt), NullTime(in.LastSwitchAt))
	if err != nil {
		return fmt.Errorf("create instance %s: %w", in.ID, err)
	}
	return nil
}

// Get returns one instance.
func (s *Instances) Get(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, instanceSelect+" WHERE id = ?", id)
	return scanInstance(row)
}

const instanceSelect = `
	SELECT id, client_id, COALESCE(agent_id,''), instance_type, region, az,
		COALESCE(ami_id,''), current_mode, COALESCE(current_pool_id,''),
		spot_price, ondemand_price, baseline_ondemand_price, is_active,
		installed_at, last_switch_at, terminated_at
	FROM instances`

func scanInstance(row rowScanner) (*Instance, error) {
	var in Instance
	var mode string
	var spot, od, baseline sql.NullInt64
	var installed string
	var lastSwitch, terminated sql.NullString
	err := row.Scan(&in.ID, &in.ClientID, &in.AgentID, &in.InstanceType, &in.Region,
		&in.AZ, &in.AmiID, &mode, &in.CurrentPoolID, &spot, &od, &baseline,
		&in.IsActive, &installed, &lastSwitch, &terminated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	in.CurrentMode = Mode(mode)
	in.SpotPrice = microsPtr(spot)
	in.OndemandPrice = microsPtr(od)
	in.BaselineOndemandPrice = microsPtr(baseline)
	if in.InstalledAt, err = ParseTime(installed); err != nil {
		return nil, err
	}
	if in.LastSwitchAt, err = timePtr(lastSwitch); err != nil {
		return nil, err
	}
	if in.TerminatedAt, err = timePtr(terminated); err != nil {
		return nil, err
	}
	return &in, nil
}

// ListActiveForClient returns a client's active fleet, newest first.
func (s *Instances) ListActiveForClient(ctx context.Context, clientID string) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		instanceSelect+" WHERE client_id = ? AND is_active = 1 ORDER BY installed_at DESC", clientID)
	if err != nil {
		return nil, fmt.Errorf("list instances for %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

// BackfillBaseline sets the baseline price only where it is still null.
// Registrations that raced a missing price ledger pick it up here.
func (s *Instances) BackfillBaseline(ctx context.Context, id string, price money.Micros) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET baseline_ondemand_price = ?
		WHERE id = ? AND baseline_ondemand_price IS NULL`,
		int64(price), id)
	return err
}

// RefreshPrices updates the latest known prices for an instance.
func (s *Instances) RefreshPrices(ctx context.Context, id, clientID string, ondemand money.Micros) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET ondemand_price = ?
		WHERE id = ? AND client_id = ?`,
		int64(ondemand), id, clientID)
	return err
}

// Deactivate soft-deletes an instance; history rows referencing it survive.
func (s *Instances) Deactivate(ctx context.Context, id, clientID string, terminatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET is_active = 0, terminated_at = ?
		WHERE id = ? AND client_id = ?`,
		FormatTime(terminatedAt), id, clientID)
	return err
}

// ApplySwitch upserts the post-switch replacement instance. On conflict
// the mode, pool and spot price are refreshed but the baseline price
// keeps its original value.
func (s *Instances) ApplySwitch(ctx context.Context, in Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (
			id, client_id, agent_id, instance_type, region, az, ami_id,
			current_mode, current_pool_id, spot_price,
			baseline_ondemand_price, is_active, installed_at, last_switch_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_mode    = excluded.current_mode,
			current_pool_id = excluded.current_pool_id,
			spot_price      = excluded.spot_price,
			is_active       = 1,
			last_switch_at  = excluded.last_switch_at`,
		in.ID, in.ClientID, NullStr(in.AgentID), in.InstanceType, in.Region, in.AZ,
		NullStr(in.AmiID), string(in.CurrentMode), NullStr(in.CurrentPoolID),
		nullMicros(in.SpotPrice), nullMicros(in.BaselineOndemandPrice),
		FormatTime(in.InstalledAt), NullTime(in.LastSwitchAt))
	if err != nil {
		return fmt.Errorf("apply switch to instance %s: %w", in.ID, err)
	}
	return nil
}

func nullMicros(m *money.Micros) any {
	if m == nil {
		return nil
	}
	return int64(*m)
}

func microsPtr(v sql.NullInt64) *money.Micros {
	if !v.Valid {
		return nil
	}
	m := money.Micros(v.Int64)
	return &m
}

func timePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
