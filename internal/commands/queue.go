// Package commands implements the durable outbox of switch intents.
//
// DESIGN: The control plane never talks to an agent directly. A switch
// intent is enqueued here; the agent drains its queue on its own poll
// cycle, executes, and acknowledges. Delivery is at-least-once:
// MarkExecuted is an idempotent one-way transition so redelivered acks
// are harmless. There is no dedup of outstanding commands per instance
// and no expiry; a command that is never executed stays outstanding
// forever (a deliberate simplicity/risk tradeoff).
package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spotwise/cost-engine/internal/store"
)

// Validation errors, rejected synchronously at the enqueue boundary.
var (
	ErrPoolRequired  = errors.New("spot target requires a pool id")
	ErrPoolForbidden = errors.New("ondemand target must not carry a pool id")
	ErrInvalidMode   = errors.New("target mode must be spot or ondemand")
)

// Command is one queued switch intent.
type Command struct {
	ID           string     `json:"id"`
	AgentID      string     `json:"-"`
	InstanceID   string     `json:"instance_id"`
	TargetMode   store.Mode `json:"target_mode"`
	TargetPoolID string     `json:"target_pool_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
}

// Queue is the pending_switch_commands repository.
type Queue struct {
	db *store.DB
}

func NewQueue(db *store.DB) *Queue { return &Queue{db: db} }

// Enqueue queues a switch intent and returns its command id.
// A spot target requires a pool id; an ondemand target forbids one.
// A second enqueue for the same instance before the first executes
// simply produces two outstanding commands.
func (q *Queue) Enqueue(ctx context.Context, agentID, instanceID string, targetMode store.Mode, targetPoolID string) (string, error) {
	switch targetMode {
	case store.ModeSpot:
		if targetPoolID == "" {
			return "", ErrPoolRequired
		}
	case store.ModeOndemand:
		if targetPoolID != "" {
			return "", ErrPoolForbidden
		}
	default:
		return "", ErrInvalidMode
	}

	id := uuid.NewString()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_switch_commands (id, agent_id, instance_id, target_mode, target_pool_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, agentID, instanceID, string(targetMode), store.NullStr(targetPoolID),
		store.FormatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("enqueue command for %s: %w", instanceID, err)
	}
	return id, nil
}

// ListPending returns an agent's outstanding commands, FIFO by enqueue
// time. This is what the agent polls.
func (q *Queue) ListPending(ctx context.Context, agentID string) ([]Command, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, agent_id, instance_id, target_mode, COALESCE(target_pool_id,''), created_at
		FROM pending_switch_commands
		WHERE agent_id = ? AND executed_at IS NULL
		ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list pending commands for %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		var c Command
		var mode, created string
		if err := rows.Scan(&c.ID, &c.AgentID, &c.InstanceID, &mode, &c.TargetPoolID, &created); err != nil {
			return nil, err
		}
		c.TargetMode = store.Mode(mode)
		if c.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkExecuted completes a command. One-way: an already-executed
// command is left untouched and the call is a no-op, which makes
// at-least-once redelivery of the ack safe. An unknown command id is
// also a no-op.
func (q *Queue) MarkExecuted(ctx context.Context, commandID, agentID string, executedAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE pending_switch_commands
		SET executed_at = ?
		WHERE id = ? AND agent_id = ? AND executed_at IS NULL`,
		store.FormatTime(executedAt), commandID, agentID)
	if err != nil {
		return fmt.Errorf("mark command %s executed: %w", commandID, err)
	}
	return nil
}

// Get returns one command regardless of state (tests, diagnostics).
func (q *Queue) Get(ctx context.Context, commandID string) (*Command, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, agent_id, instance_id, target_mode, COALESCE(target_pool_id,''), created_at, executed_at
		FROM pending_switch_commands WHERE id = ?`, commandID)

	var c Command
	var mode, created string
	var executed *string
	err := row.Scan(&c.ID, &c.AgentID, &c.InstanceID, &mode, &c.TargetPoolID, &created, &executed)
	if err != nil {
		return nil, fmt.Errorf("get command %s: %w", commandID, err)
	}
	c.TargetMode = store.Mode(mode)
	if c.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if executed != nil {
		t, err := store.ParseTime(*executed)
		if err != nil {
			return nil, err
		}
		c.ExecutedAt = &t
	}
	return &c, nil
}
