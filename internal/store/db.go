// Package store owns the sqlite database: connection setup, schema
// migration, and the row-level repositories for clients, agents and
// instances. Append-only tables (price snapshots, switch events) are
// written by their component packages on top of the same *sql.DB.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle shared by all components.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the sqlite database at path and applies the
// schema. Pass ":memory:" for an ephemeral database in tests.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if path == ":memory:" {
		// Each pooled connection would get its own private memory database.
		sqlDB.SetMaxOpenConns(1)
	} else {
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("database opened")
	return &DB{DB: sqlDB}, nil
}

// Ping verifies the database is reachable (health endpoint).
func (d *DB) Ping(ctx context.Context) error {
	var one int
	return d.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// TimeLayout is RFC3339 with a fixed nine-digit fractional second.
// RFC3339Nano trims trailing zeros, which breaks lexicographic
// ordering ("...00.5Z" sorts before "...00Z"); the fixed width keeps
// string comparison equal to time comparison, which the window and
// cutoff queries rely on.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp for storage, fixed-width UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// NullTime renders an optional timestamp.
func NullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// NullStr renders an optional string (empty means NULL).
func NullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
