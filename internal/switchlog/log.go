// Package switchlog is the single writer of truth for mode transitions.
//
// DESIGN: Append computes savings_impact at write time from the prices
// captured in the event itself, never by re-querying the price ledger
// (prices may have moved on). A positive impact nudges the owning
// client's heuristic lifetime total in the same transaction, as an
// explicit call rather than a storage trigger, so the side effect is
// visible and testable.
package switchlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spotwise/cost-engine/internal/money"
	"github.com/spotwise/cost-engine/internal/store"
)

// Trigger tags what caused a switch.
const (
	TriggerModel  = "model"
	TriggerManual = "manual"
)

// Validation errors, rejected before any state is written.
var (
	ErrPoolRequired  = errors.New("spot transition requires a pool id")
	ErrPoolForbidden = errors.New("ondemand transition must not carry a pool id")
)

// NudgeHours converts a per-hour savings impact into the heuristic
// "expected monthly impact" added to the client total: 24 hours for 30
// days. Deliberately approximate; it overcounts when a switch is
// reversed before 30 days elapse.
const NudgeHours = 24 * 30

// Event is one immutable mode transition.
// For a fixed instance, events must be appended in strictly increasing
// timestamp order, and the From fields of each event should equal the
// To fields of its predecessor. The reconciler tolerates violations.
type Event struct {
	ID            int64
	ClientID      string
	InstanceID    string
	AgentID       string
	Trigger       string
	FromMode      store.Mode
	ToMode        store.Mode
	FromPoolID    string
	ToPoolID      string
	OndemandPrice money.Micros
	OldSpotPrice  money.Micros
	NewSpotPrice  money.Micros
	SavingsImpact money.Micros
	OldInstanceID string
	NewInstanceID string
	Timestamp     time.Time
}

// RateBefore is the hourly cost rate had the instance not switched.
// Also the effective rate of the stretch leading up to this event
// during replay.
func (e *Event) RateBefore() money.Micros {
	if e.FromMode == store.ModeSpot {
		return e.OldSpotPrice
	}
	return e.OndemandPrice
}

// RateAfter is the hourly cost rate adopted by the switch. Also the
// effective rate of the interval this event opens during replay.
func (e *Event) RateAfter() money.Micros {
	if e.ToMode == store.ModeSpot {
		return e.NewSpotPrice
	}
	return e.OndemandPrice
}

// Log appends and reads switch events.
type Log struct {
	db *store.DB
}

func NewLog(db *store.DB) *Log { return &Log{db: db} }

// Append records ev, computing its savings impact, and nudges the
// client total when the impact is positive. A spot transition requires
// a target pool id and an ondemand transition forbids one, same rules
// as commands.Enqueue. The insert and the nudge commit or fail
// together; a failed append leaves no partial state.
func (l *Log) Append(ctx context.Context, ev *Event) error {
	if !ev.FromMode.Valid() || !ev.ToMode.Valid() {
		return fmt.Errorf("append switch event: invalid mode %q -> %q", ev.FromMode, ev.ToMode)
	}
	if ev.Trigger != TriggerModel && ev.Trigger != TriggerManual {
		return fmt.Errorf("append switch event: invalid trigger %q", ev.Trigger)
	}
	if ev.ToMode == store.ModeSpot && ev.ToPoolID == "" {
		return fmt.Errorf("append switch event: %w", ErrPoolRequired)
	}
	if ev.ToMode == store.ModeOndemand && ev.ToPoolID != "" {
		return fmt.Errorf("append switch event: %w", ErrPoolForbidden)
	}

	ev.SavingsImpact = ev.RateBefore() - ev.RateAfter()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append switch event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO switch_events (
			client_id, instance_id, agent_id, trigger,
			from_mode, to_mode, from_pool_id, to_pool_id,
			on_demand_price, old_spot_price, new_spot_price, savings_impact,
			old_instance_id, new_instance_id, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ClientID, ev.InstanceID, ev.AgentID, ev.Trigger,
		string(ev.FromMode), string(ev.ToMode),
		store.NullStr(ev.FromPoolID), store.NullStr(ev.ToPoolID),
		int64(ev.OndemandPrice), int64(ev.OldSpotPrice), int64(ev.NewSpotPrice),
		int64(ev.SavingsImpact),
		store.NullStr(ev.OldInstanceID), store.NullStr(ev.NewInstanceID),
		store.FormatTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("insert switch event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()

	if ev.SavingsImpact > 0 {
		nudge := ev.SavingsImpact * NudgeHours
		if _, err := tx.ExecContext(ctx,
			"UPDATE clients SET total_savings = total_savings + ? WHERE id = ?",
			int64(nudge), ev.ClientID); err != nil {
			return fmt.Errorf("nudge client total: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append switch event: %w", err)
	}

	log.Debug().
		Str("instance", ev.InstanceID).
		Str("from", string(ev.FromMode)).
		Str("to", string(ev.ToMode)).
		Str("impact", ev.SavingsImpact.String()).
		Msg("switch event appended")
	return nil
}

const eventSelect = `
	SELECT id, client_id, instance_id, agent_id, trigger,
		from_mode, to_mode, COALESCE(from_pool_id,''), COALESCE(to_pool_id,''),
		on_demand_price, old_spot_price, new_spot_price, savings_impact,
		COALESCE(old_instance_id,''), COALESCE(new_instance_id,''), timestamp
	FROM switch_events`

// ListForInstance returns an instance's events at or after since, in
// ascending timestamp order. The ordering is load-bearing for the
// reconciler's interval replay.
func (l *Log) ListForInstance(ctx context.Context, instanceID string, since time.Time) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		eventSelect+" WHERE instance_id = ? AND timestamp >= ? ORDER BY timestamp ASC",
		instanceID, store.FormatTime(since))
	if err != nil {
		return nil, fmt.Errorf("list events for instance %s: %w", instanceID, err)
	}
	return collectEvents(rows)
}

// ListWindow returns all of a client's events in [from, to), grouped by
// instance then ascending timestamp.
func (l *Log) ListWindow(ctx context.Context, clientID string, from, to time.Time) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		eventSelect+` WHERE client_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY instance_id ASC, timestamp ASC`,
		clientID, store.FormatTime(from), store.FormatTime(to))
	if err != nil {
		return nil, fmt.Errorf("list events window for %s: %w", clientID, err)
	}
	return collectEvents(rows)
}

// History returns a client's most recent events, optionally narrowed to
// one instance, newest first (dashboard switch-history view).
func (l *Log) History(ctx context.Context, clientID, instanceID string, limit int) ([]Event, error) {
	query := eventSelect + " WHERE client_id = ?"
	args := []any{clientID}
	if instanceID != "" {
		query += " AND (instance_id = ? OR old_instance_id = ? OR new_instance_id = ?)"
		args = append(args, instanceID, instanceID, instanceID)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("switch history for %s: %w", clientID, err)
	}
	return collectEvents(rows)
}

// CountForAgentSince counts an agent's events with timestamp >= cutoff.
// Boundary ties count.
func (l *Log) CountForAgentSince(ctx context.Context, agentID string, cutoff time.Time) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM switch_events WHERE agent_id = ? AND timestamp >= ?",
		agentID, store.FormatTime(cutoff)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events for agent %s: %w", agentID, err)
	}
	return n, nil
}

// LastSwitchTime returns the most recent event timestamp touching
// instanceID under either its old or new identity, or ok=false.
func (l *Log) LastSwitchTime(ctx context.Context, instanceID string) (time.Time, bool, error) {
	var ts string
	err := l.db.QueryRowContext(ctx, `
		SELECT timestamp FROM switch_events
		WHERE instance_id = ? OR old_instance_id = ? OR new_instance_id = ?
		ORDER BY timestamp DESC LIMIT 1`,
		instanceID, instanceID, instanceID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last switch time for %s: %w", instanceID, err)
	}
	t, err := store.ParseTime(ts)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

type eventRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func collectEvents(rows eventRows) ([]Event, error) {
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var from, to string
		var od, oldSpot, newSpot, impact int64
		var ts string
		if err := rows.Scan(&ev.ID, &ev.ClientID, &ev.InstanceID, &ev.AgentID, &ev.Trigger,
			&from, &to, &ev.FromPoolID, &ev.ToPoolID,
			&od, &oldSpot, &newSpot, &impact,
			&ev.OldInstanceID, &ev.NewInstanceID, &ts); err != nil {
			return nil, err
		}
		ev.FromMode, ev.ToMode = store.Mode(from), store.Mode(to)
		ev.OndemandPrice = money.Micros(od)
		ev.OldSpotPrice = money.Micros(oldSpot)
		ev.NewSpotPrice = money.Micros(newSpot)
		ev.SavingsImpact = money.Micros(impact)
		var err error
		if ev.Timestamp, err = store.ParseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
