// Package config - defaults.go centralizes magic numbers and default values.
package config

import "time"

// Server defaults.
const (
	DefaultListenAddr   = ":5000"
	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

// DefaultDatabasePath is the sqlite file used when none is configured.
const DefaultDatabasePath = "spot-optimizer.db"

// Job cadence defaults. The retention sweep and the savings sweep each
// run daily; the savings sweep recomputes the current and prior month
// so late-arriving events are folded in on the next run.
const (
	DefaultRetentionInterval = 24 * time.Hour
	DefaultSweepInterval     = 24 * time.Hour
)

// DefaultHistoryLimit bounds the switch-history response.
const DefaultHistoryLimit = 100

// DefaultSavingsMonths is how many monthly rows the savings endpoint returns.
const DefaultSavingsMonths = 12

// DefaultActivityLimit bounds the admin activity feed.
const DefaultActivityLimit = 10
