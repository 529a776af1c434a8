package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotwise/cost-engine/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewQueue(db)
}

func TestEnqueueValidatesPool(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "agent-1", "i-abc", store.ModeSpot, "")
	assert.ErrorIs(t, err, ErrPoolRequired)

	_, err = q.Enqueue(ctx, "agent-1", "i-abc", store.ModeOndemand, "c5.large.us-east-1.us-east-1a")
	assert.ErrorIs(t, err, ErrPoolForbidden)

	_, err = q.Enqueue(ctx, "agent-1", "i-abc", "sideways", "")
	assert.ErrorIs(t, err, ErrInvalidMode)

	pending, err := q.ListPending(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListPendingFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "agent-1", "i-abc", store.ModeOndemand, "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := q.Enqueue(ctx, "agent-1", "i-abc", store.ModeSpot, "c5.large.us-east-1.us-east-1a")
	require.NoError(t, err)

	pending, err := q.ListPending(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first, pending[0].ID)
	assert.Equal(t, second, pending[1].ID)
}

func TestListPendingScopedToAgent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "agent-1", "i-abc", store.ModeOndemand, "")
	require.NoError(t, err)

	pending, err := q.ListPending(ctx, "agent-2")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarkExecuted(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "agent-1", "i-abc", store.ModeOndemand, "")
	require.NoError(t, err)

	now := time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, q.MarkExecuted(ctx, id, "agent-1", now))

	pending, err := q.ListPending(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cmd.ExecutedAt)
	assert.True(t, cmd.ExecutedAt.Equal(now))

	// Second mark is a no-op; the original timestamp survives.
	require.NoError(t, q.MarkExecuted(ctx, id, "agent-1", now.Add(time.Hour)))
	cmd, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, cmd.ExecutedAt.Equal(now))
}

func TestMarkExecutedWrongAgent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "agent-1", "i-abc", store.ModeOndemand, "")
	require.NoError(t, err)

	// Another agent cannot consume the command.
	require.NoError(t, q.MarkExecuted(ctx, id, "agent-2", time.Now().UTC()))
	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, cmd.ExecutedAt)
}
