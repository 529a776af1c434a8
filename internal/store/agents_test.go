package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUpsertsAndSeedsConfig(t *testing.T) {
	db := newTestDB(t)
	agents := NewAgents(db)
	ctx := context.Background()

	seedClient(t, db, "client-1", "tok-1", "active")

	require.NoError(t, agents.Register(ctx, Agent{
		ID: "agent-1", ClientID: "client-1", Hostname: "host-a", Version: "1.0.0",
	}))

	cfg, err := agents.Config(ctx, "agent-1", "client-1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, cfg.MinSavingsPercent)
	assert.Equal(t, 0.7, cfg.RiskThreshold)
	assert.Equal(t, 3, cfg.MaxSwitchesPerWeek)
	assert.Equal(t, 24, cfg.MinPoolDurationHours)

	// Re-registering refreshes metadata without duplicating anything.
	require.NoError(t, agents.Register(ctx, Agent{
		ID: "agent-1", ClientID: "client-1", Hostname: "host-b", Version: "1.1.0",
	}))
	ag, err := agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "host-b", ag.Hostname)
	assert.Equal(t, "1.1.0", ag.Version)
	assert.Equal(t, "online", ag.Status)
	assert.True(t, ag.Enabled)
}

func TestConfigScopedToClient(t *testing.T) {
	db := newTestDB(t)
	agents := NewAgents(db)
	ctx := context.Background()

	seedClient(t, db, "client-1", "tok-1", "active")
	require.NoError(t, agents.Register(ctx, Agent{ID: "agent-1", ClientID: "client-1"}))

	_, err := agents.Config(ctx, "agent-1", "client-other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHeartbeat(t *testing.T) {
	db := newTestDB(t)
	agents := NewAgents(db)
	ctx := context.Background()

	seedClient(t, db, "client-1", "tok-1", "active")
	require.NoError(t, agents.Register(ctx, Agent{ID: "agent-1", ClientID: "client-1"}))

	at := time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, agents.Heartbeat(ctx, "agent-1", "client-1", "online", 3, at))

	ag, err := agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 3, ag.InstanceCount)
	require.NotNil(t, ag.LastHeartbeat)
	assert.True(t, ag.LastHeartbeat.Equal(at))

	// Heartbeats cannot cross client boundaries.
	assert.ErrorIs(t, agents.Heartbeat(ctx, "agent-1", "client-other", "online", 1, at), ErrNotFound)
}

func TestSetEnabledAndSettings(t *testing.T) {
	db := newTestDB(t)
	agents := NewAgents(db)
	ctx := context.Background()

	seedClient(t, db, "client-1", "tok-1", "active")
	require.NoError(t, agents.Register(ctx, Agent{ID: "agent-1", ClientID: "client-1"}))

	require.NoError(t, agents.SetEnabled(ctx, "agent-1", false))
	ag, err := agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, ag.Enabled)

	on := true
	require.NoError(t, agents.UpdateSettings(ctx, "agent-1", AgentSettings{AutoSwitchEnabled: &on}))
	ag, err = agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, ag.AutoSwitchEnabled)
	// Untouched toggle keeps its value.
	assert.False(t, ag.AutoTerminateEnabled)

	// No toggles set is a no-op, not an error.
	require.NoError(t, agents.UpdateSettings(ctx, "agent-1", AgentSettings{}))
}
