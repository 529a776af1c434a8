// Package retention ages out high-volume time-series data.
//
// The sweep deletes price snapshots, risk scores and routine system
// events past their horizons, and relocates old switch events into the
// archive table. The archive cutoff is clamped so the sweep can never
// touch events the monthly reconciliation still needs: the current and
// the prior two months always stay live.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spotwise/cost-engine/internal/store"
	"github.com/spotwise/cost-engine/internal/sysevents"
)

// Default horizons, in days.
const (
	DefaultSnapshotDays       = 30
	DefaultRiskScoreDays      = 90
	DefaultSystemEventDays    = 90
	DefaultArchiveHorizonDays = 180
)

// Config sets the sweep horizons. Zero values take the defaults.
type Config struct {
	SnapshotDays       int `yaml:"snapshot_days"`
	RiskScoreDays      int `yaml:"risk_score_days"`
	SystemEventDays    int `yaml:"system_event_days"`
	ArchiveHorizonDays int `yaml:"archive_horizon_days"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SnapshotDays <= 0 {
		out.SnapshotDays = DefaultSnapshotDays
	}
	if out.RiskScoreDays <= 0 {
		out.RiskScoreDays = DefaultRiskScoreDays
	}
	if out.SystemEventDays <= 0 {
		out.SystemEventDays = DefaultSystemEventDays
	}
	if out.ArchiveHorizonDays <= 0 {
		out.ArchiveHorizonDays = DefaultArchiveHorizonDays
	}
	return out
}

// Report summarizes one sweep.
type Report struct {
	SpotSnapshotsDeleted     int64
	OndemandSnapshotsDeleted int64
	RiskScoresDeleted        int64
	SystemEventsDeleted      int64
	SwitchEventsArchived     int64
}

// Archiver runs the retention sweep.
type Archiver struct {
	db     *store.DB
	events *sysevents.Recorder
	cfg    Config
}

func NewArchiver(db *store.DB, events *sysevents.Recorder, cfg Config) *Archiver {
	return &Archiver{db: db, events: events, cfg: cfg.withDefaults()}
}

// Run executes one sweep relative to now and emits one audit record
// summarizing what was deleted and archived.
func (a *Archiver) Run(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	var err error

	snapCutoff := store.FormatTime(now.AddDate(0, 0, -a.cfg.SnapshotDays))
	if rep.SpotSnapshotsDeleted, err = a.exec(ctx,
		"DELETE FROM spot_price_snapshots WHERE captured_at < ?", snapCutoff); err != nil {
		return rep, err
	}
	if rep.OndemandSnapshotsDeleted, err = a.exec(ctx,
		"DELETE FROM ondemand_price_snapshots WHERE captured_at < ?", snapCutoff); err != nil {
		return rep, err
	}

	riskCutoff := store.FormatTime(now.AddDate(0, 0, -a.cfg.RiskScoreDays))
	if rep.RiskScoresDeleted, err = a.exec(ctx,
		"DELETE FROM risk_scores WHERE created_at < ?", riskCutoff); err != nil {
		return rep, err
	}

	sysCutoff := store.FormatTime(now.AddDate(0, 0, -a.cfg.SystemEventDays))
	if rep.SystemEventsDeleted, err = a.exec(ctx,
		"DELETE FROM system_events WHERE created_at < ? AND severity NOT IN ('critical','error')",
		sysCutoff); err != nil {
		return rep, err
	}

	if rep.SwitchEventsArchived, err = a.archiveSwitchEvents(ctx, now); err != nil {
		return rep, err
	}

	log.Info().
		Int64("spot_snapshots", rep.SpotSnapshotsDeleted).
		Int64("ondemand_snapshots", rep.OndemandSnapshotsDeleted).
		Int64("risk_scores", rep.RiskScoresDeleted).
		Int64("system_events", rep.SystemEventsDeleted).
		Int64("switch_events_archived", rep.SwitchEventsArchived).
		Msg("retention sweep finished")

	a.events.Record(ctx, sysevents.Event{
		Type:     "data_cleanup",
		Severity: sysevents.SeverityInfo,
		Message:  "retention sweep finished",
		Metadata: map[string]any{
			"spot_snapshots_deleted":     rep.SpotSnapshotsDeleted,
			"ondemand_snapshots_deleted": rep.OndemandSnapshotsDeleted,
			"risk_scores_deleted":        rep.RiskScoresDeleted,
			"system_events_deleted":      rep.SystemEventsDeleted,
			"switch_events_archived":     rep.SwitchEventsArchived,
		},
	})
	return rep, nil
}

// ArchiveCutoff is the timestamp before which switch events move to the
// archive: the configured horizon, clamped so the current and prior two
// months never archive (the sweep must always trail reconciliation).
func (a *Archiver) ArchiveCutoff(now time.Time) time.Time {
	cutoff := now.AddDate(0, 0, -a.cfg.ArchiveHorizonDays)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	guard := monthStart.AddDate(0, -2, 0)
	if cutoff.After(guard) {
		return guard
	}
	return cutoff
}

// archiveSwitchEvents moves events older than the cutoff into
// switch_events_archive. Copy and delete run in one transaction so row
// counts are conserved: live + archive afterwards equals live before.
func (a *Archiver) archiveSwitchEvents(ctx context.Context, now time.Time) (int64, error) {
	cutoff := store.FormatTime(a.ArchiveCutoff(now))

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("archive switch events: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO switch_events_archive
		SELECT id, client_id, instance_id, agent_id, trigger,
			from_mode, to_mode, from_pool_id, to_pool_id,
			on_demand_price, old_spot_price, new_spot_price, savings_impact,
			old_instance_id, new_instance_id, timestamp, ?
		FROM switch_events WHERE timestamp < ?`,
		store.FormatTime(now), cutoff)
	if err != nil {
		return 0, fmt.Errorf("copy switch events to archive: %w", err)
	}
	moved, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM switch_events WHERE timestamp < ?", cutoff); err != nil {
		return 0, fmt.Errorf("delete archived switch events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("archive switch events: %w", err)
	}
	return moved, nil
}

func (a *Archiver) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
