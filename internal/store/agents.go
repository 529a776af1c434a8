package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agent is the remote process that reports prices and executes switches.
type Agent struct {
	ID                   string
	ClientID             string
	Status               string
	Hostname             string
	Version              string
	Enabled              bool
	AutoSwitchEnabled    bool
	AutoTerminateEnabled bool
	InstanceCount        int
	LastHeartbeat        *time.Time
	CreatedAt            time.Time
}

// AgentConfig holds the per-agent switching policy knobs.
// MaxSwitchesPerWeek feeds the rate limiter; the rest gate the
// recommendation policy in the decide flow.
type AgentConfig struct {
	AgentID              string
	MinSavingsPercent    float64
	RiskThreshold        float64
	MaxSwitchesPerWeek   int
	MinPoolDurationHours int
}

// Agents is the repository over agents and agent_configs.
type Agents struct {
	db *DB
}

func NewAgents(db *DB) *Agents { return &Agents{db: db} }

// Register creates or refreshes an agent and ensures its config row
// exists with defaults.
func (a *Agents) Register(ctx context.Context, ag Agent) error {
	now := FormatTime(time.Now())
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO agents (id, client_id, status, hostname, agent_version, last_heartbeat, created_at)
		VALUES (?, ?, 'online', ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id      = excluded.client_id,
			status         = 'online',
			hostname       = excluded.hostname,
			agent_version  = excluded.agent_version,
			last_heartbeat = excluded.last_heartbeat`,
		ag.ID, ag.ClientID, NullStr(ag.Hostname), NullStr(ag.Version), now, now)
	if err != nil {
		return fmt.Errorf("register agent %s: %w", ag.ID, err)
	}
	_, err = a.db.ExecContext(ctx,
		"INSERT INTO agent_configs (agent_id) VALUES (?) ON CONFLICT(agent_id) DO NOTHING", ag.ID)
	if err != nil {
		return fmt.Errorf("ensure agent config %s: %w", ag.ID, err)
	}
	return nil
}

// Heartbeat updates liveness state for an agent owned by clientID.
func (a *Agents) Heartbeat(ctx context.Context, id, clientID, status string, instanceCount int, at time.Time) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, last_heartbeat = ?, instance_count = ?
		WHERE id = ? AND client_id = ?`,
		status, FormatTime(at), instanceCount, id, clientID)
	if err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one agent.
func (a *Agents) Get(ctx context.Context, id string) (*Agent, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, client_id, status, COALESCE(hostname,''), COALESCE(agent_version,''),
			enabled, auto_switch_enabled, auto_terminate_enabled, instance_count,
			last_heartbeat, created_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ListForClient returns a client's agents, most recently seen first.
func (a *Agents) ListForClient(ctx context.Context, clientID string) ([]Agent, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, client_id, status, COALESCE(hostname,''), COALESCE(agent_version,''),
			enabled, auto_switch_enabled, auto_terminate_enabled, instance_count,
			last_heartbeat, created_at
		FROM agents WHERE client_id = ?
		ORDER BY last_heartbeat DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list agents for %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		ag, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ag)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var ag Agent
	var hb sql.NullString
	var created string
	err := row.Scan(&ag.ID, &ag.ClientID, &ag.Status, &ag.Hostname, &ag.Version,
		&ag.Enabled, &ag.AutoSwitchEnabled, &ag.AutoTerminateEnabled, &ag.InstanceCount,
		&hb, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if ag.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	if hb.Valid {
		t, err := ParseTime(hb.String)
		if err != nil {
			return nil, err
		}
		ag.LastHeartbeat = &t
	}
	return &ag, nil
}

// Config returns the switching policy for an agent, scoped to its client.
func (a *Agents) Config(ctx context.Context, agentID, clientID string) (*AgentConfig, error) {
	var cfg AgentConfig
	err := a.db.QueryRowContext(ctx, `
		SELECT ac.agent_id, ac.min_savings_percent, ac.risk_threshold,
			ac.max_switches_per_week, ac.min_pool_duration_hours
		FROM agent_configs ac
		JOIN agents a ON a.id = ac.agent_id
		WHERE ac.agent_id = ? AND a.client_id = ?`, agentID, clientID).
		Scan(&cfg.AgentID, &cfg.MinSavingsPercent, &cfg.RiskThreshold,
			&cfg.MaxSwitchesPerWeek, &cfg.MinPoolDurationHours)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("agent config %s: %w", agentID, err)
	}
	return &cfg, nil
}

// SetEnabled toggles the master enable flag.
func (a *Agents) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := a.db.ExecContext(ctx,
		"UPDATE agents SET enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return fmt.Errorf("toggle agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AgentSettings carries the optional toggles of the settings endpoint.
type AgentSettings struct {
	AutoSwitchEnabled    *bool
	AutoTerminateEnabled *bool
}

// UpdateSettings applies whichever toggles are present.
func (a *Agents) UpdateSettings(ctx context.Context, id string, s AgentSettings) error {
	if s.AutoSwitchEnabled == nil && s.AutoTerminateEnabled == nil {
		return nil
	}
	query := "UPDATE agents SET "
	var args []any
	if s.AutoSwitchEnabled != nil {
		query += "auto_switch_enabled = ?"
		args = append(args, *s.AutoSwitchEnabled)
	}
	if s.AutoTerminateEnabled != nil {
		if len(args) > 0 {
			query += ", "
		}
		query += "auto_terminate_enabled = ?"
		args = append(args, *s.AutoTerminateEnabled)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update agent settings %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
