package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spotwise/cost-engine/internal/money"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Client is the aggregate root owning agents and instances.
// TotalSavings is the incremental heuristic total, nudged on every
// positive-impact switch event. It is intentionally independent of the
// authoritative client_savings_monthly rows and the two may diverge.
type Client struct {
	ID           string
	Name         string
	Token        string
	Status       string
	TotalSavings money.Micros
	LastSyncAt   *time.Time
	CreatedAt    time.Time
}

// ClientStats is a dashboard summary of one client.
type ClientStats struct {
	Client
	AgentsOnline    int
	AgentsTotal     int
	ActiveInstances int
}

// Clients is the repository over the clients table.
type Clients struct {
	db *DB
}

func NewClients(db *DB) *Clients { return &Clients{db: db} }

// Create inserts a new client.
func (c *Clients) Create(ctx context.Context, cl Client) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, client_token, status, total_savings, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cl.ID, cl.Name, cl.Token, cl.Status, int64(cl.TotalSavings), FormatTime(cl.CreatedAt))
	if err != nil {
		return fmt.Errorf("create client %s: %w", cl.ID, err)
	}
	return nil
}

// ByToken resolves an active client from its API token.
func (c *Clients) ByToken(ctx context.Context, token string) (*Client, error) {
	return c.scanOne(c.db.QueryRowContext(ctx, `
		SELECT id, name, client_token, status, total_savings, last_sync_at, created_at
		FROM clients WHERE client_token = ? AND status = 'active'`, token))
}

// Get returns a client by id.
func (c *Clients) Get(ctx context.Context, id string) (*Client, error) {
	return c.scanOne(c.db.QueryRowContext(ctx, `
		SELECT id, name, client_token, status, total_savings, last_sync_at, created_at
		FROM clients WHERE id = ?`, id))
}

func (c *Clients) scanOne(row *sql.Row) (*Client, error) {
	var cl Client
	var total int64
	var lastSync sql.NullString
	var created string
	err := row.Scan(&cl.ID, &cl.Name, &cl.Token, &cl.Status, &total, &lastSync, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	cl.TotalSavings = money.Micros(total)
	if cl.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	if lastSync.Valid {
		t, err := ParseTime(lastSync.String)
		if err != nil {
			return nil, err
		}
		cl.LastSyncAt = &t
	}
	return &cl, nil
}

// AddTotalSavings nudges the heuristic lifetime total by delta.
// Single atomic read-modify-write against the client's own row.
func (c *Clients) AddTotalSavings(ctx context.Context, id string, delta money.Micros) error {
	res, err := c.db.ExecContext(ctx,
		"UPDATE clients SET total_savings = total_savings + ? WHERE id = ?",
		int64(delta), id)
	if err != nil {
		return fmt.Errorf("nudge total_savings for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSync records that an agent of this client checked in.
func (c *Clients) TouchLastSync(ctx context.Context, id string, at time.Time) error {
	_, err := c.db.ExecContext(ctx,
		"UPDATE clients SET last_sync_at = ? WHERE id = ?", FormatTime(at), id)
	return err
}

// ActiveIDs returns the ids of all active clients, for the monthly sweep.
func (c *Clients) ActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT id FROM clients WHERE status = 'active' ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list active clients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats returns the dashboard summary for one client.
func (c *Clients) Stats(ctx context.Context, id string) (*ClientStats, error) {
	cl, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &ClientStats{Client: *cl}
	err = c.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM agents WHERE client_id = ? AND status = 'online'),
			(SELECT COUNT(*) FROM agents WHERE client_id = ?),
			(SELECT COUNT(*) FROM instances WHERE client_id = ? AND is_active = 1)`,
		id, id, id).Scan(&st.AgentsOnline, &st.AgentsTotal, &st.ActiveInstances)
	if err != nil {
		return nil, fmt.Errorf("client stats %s: %w", id, err)
	}
	return st, nil
}

// AllStats returns summaries for every client (admin view).
func (c *Clients) AllStats(ctx context.Context) ([]ClientStats, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.client_token, c.status, c.total_savings, c.last_sync_at, c.created_at,
			(SELECT COUNT(*) FROM agents a WHERE a.client_id = c.id AND a.status = 'online'),
			(SELECT COUNT(*) FROM agents a WHERE a.client_id = c.id),
			(SELECT COUNT(*) FROM instances i WHERE i.client_id = c.id AND i.is_active = 1)
		FROM clients c
		ORDER BY c.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list client stats: %w", err)
	}
	defer rows.Close()

	var out []ClientStats
	for rows.Next() {
		var st ClientStats
		var total int64
		var lastSync sql.NullString
		var created string
		if err := rows.Scan(&st.ID, &st.Name, &st.Token, &st.Status, &total, &lastSync, &created,
			&st.AgentsOnline, &st.AgentsTotal, &st.ActiveInstances); err != nil {
			return nil, err
		}
		st.TotalSavings = money.Micros(total)
		if st.CreatedAt, err = ParseTime(created); err != nil {
			return nil, err
		}
		if lastSync.Valid {
			t, err := ParseTime(lastSync.String)
			if err != nil {
				return nil, err
			}
			st.LastSyncAt = &t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
