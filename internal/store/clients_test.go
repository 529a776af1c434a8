package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedClient(t *testing.T, db *DB, id, token, status string) {
	t.Helper()
	require.NoError(t, NewClients(db).Create(context.Background(), Client{
		ID: id, Name: "Client " + id, Token: token, Status: status,
		CreatedAt: time.Now().UTC(),
	}))
}

func TestClientByToken(t *testing.T) {
	db := newTestDB(t)
	clients := NewClients(db)
	ctx := context.Background()

	seedClient(t, db, "client-1", "tok-1", "active")
	seedClient(t, db, "client-2", "tok-2", "suspended")

	cl, err := clients.ByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", cl.ID)

	// Suspended clients cannot authenticate.
	_, err = clients.ByToken(ctx, "tok-2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = clients.ByToken(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddTotalSavings(t *testing.T) {
	db := newTestDB(t)
	clients := NewClients(db)
	ctx := context.Background()

	seedClient(t, db, "client-1", "tok-1", "active")

	require.NoError(t, clients.AddTotalSavings(ctx, "client-1", 5000))
	require.NoError(t, clients.AddTotalSavings(ctx, "client-1", 2500))

	cl, err := clients.Get(ctx, "client-1")
	require.NoError(t, err)
	assert.EqualValues(t, 7500, cl.TotalSavings)

	assert.ErrorIs(t, clients.AddTotalSavings(ctx, "missing", 1), ErrNotFound)
}

func TestActiveIDs(t *testing.T) {
	db := newTestDB(t)
	clients := NewClients(db)
	ctx := context.Background()

	seedClient(t, db, "client-b", "tok-b", "active")
	seedClient(t, db, "client-a", "tok-a", "active")
	seedClient(t, db, "client-c", "tok-c", "suspended")

	ids, err := clients.ActiveIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"client-a", "client-b"}, ids)
}

func TestClientStats(t *testing.T) {
	db := newTestDB(t)
	clients := NewClients(db)
	agents := NewAgents(db)
	instances := NewInstances(db)
	ctx := context.Background()

	seedClient(t, db, "client-1", "tok-1", "active")
	require.NoError(t, agents.Register(ctx, Agent{ID: "agent-1", ClientID: "client-1"}))
	require.NoError(t, agents.Register(ctx, Agent{ID: "agent-2", ClientID: "client-1"}))
	require.NoError(t, agents.Heartbeat(ctx, "agent-2", "client-1", "offline", 0, time.Now().UTC()))
	require.NoError(t, instances.Create(ctx, Instance{
		ID: "i-abc123", ClientID: "client-1", InstanceType: "c5.large",
		Region: "us-east-1", AZ: "us-east-1a", CurrentMode: ModeOndemand,
		IsActive: true, InstalledAt: time.Now().UTC(),
	}))

	st, err := clients.Stats(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.AgentsOnline)
	assert.Equal(t, 2, st.AgentsTotal)
	assert.Equal(t, 1, st.ActiveInstances)
}
