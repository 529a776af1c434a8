// Package sysevents records operational events to the system_events table.
//
// DESIGN: Components report anomalies and milestones here instead of
// failing their own operation: recording is best-effort and a recording
// failure is logged, never propagated. The retention sweep keeps
// critical/error events beyond the normal horizon.
package sysevents

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/spotwise/cost-engine/internal/store"
)

// Severity levels, lowest to highest.
const (
	SeverityDebug    = "debug"
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Event is one operational record.
type Event struct {
	Type       string
	Severity   string
	ClientID   string
	AgentID    string
	InstanceID string
	Message    string
	Metadata   map[string]any
}

// Activity is the trimmed view served to the admin activity feed.
type Activity struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"text"`
	CreatedAt time.Time `json:"time"`
}

// Recorder writes and reads system events.
type Recorder struct {
	db *store.DB
}

func NewRecorder(db *store.DB) *Recorder { return &Recorder{db: db} }

// Record persists ev. Best-effort: failures are logged and swallowed so
// a dead event log never takes down the operation being recorded.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	meta, err := encodeMetadata(ev.Metadata)
	if err != nil {
		log.Warn().Err(err).Str("event_type", ev.Type).Msg("dropping unencodable event metadata")
		meta = ""
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO system_events (event_type, severity, client_id, agent_id, instance_id, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Type, ev.Severity, store.NullStr(ev.ClientID), store.NullStr(ev.AgentID),
		store.NullStr(ev.InstanceID), ev.Message, store.NullStr(meta),
		store.FormatTime(time.Now()))
	if err != nil {
		log.Error().Err(err).Str("event_type", ev.Type).Msg("failed to record system event")
	}
}

// encodeMetadata builds the metadata JSON object key by key.
func encodeMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	out := "{}"
	for k, v := range meta {
		var err error
		out, err = sjson.Set(out, k, v)
		if err != nil {
			return "", fmt.Errorf("set metadata key %s: %w", k, err)
		}
	}
	return out, nil
}

// RecentActivity returns the latest info/warning events, newest first.
func (r *Recorder) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_type, severity, message, created_at
		FROM system_events
		WHERE severity IN ('info','warning')
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		var created string
		if err := rows.Scan(&a.Type, &a.Severity, &a.Message, &created); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountBySeverity returns event counts per severity (tests, diagnostics).
func (r *Recorder) CountBySeverity(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT severity, COUNT(*) FROM system_events GROUP BY severity")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		out[sev] = n
	}
	return out, rows.Err()
}
