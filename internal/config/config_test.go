package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, DefaultSweepInterval, cfg.Jobs.SweepInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":8080"
  read_timeout: 5s
database:
  path: /tmp/test.db
retention:
  archive_horizon_days: 365
jobs:
  sweep_workers: 8
logging:
  level: debug
  pretty: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 365, cfg.Retention.ArchiveHorizonDays)
	assert.Equal(t, 8, cfg.Jobs.SweepWorkers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9900")
	t.Setenv("DB_PATH", "/tmp/env.db")
	t.Setenv("SWEEP_WORKERS", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9900", cfg.Server.Addr)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.Equal(t, 2, cfg.Jobs.SweepWorkers)
}

func TestValidateRejectsNegativeWorkers(t *testing.T) {
	t.Setenv("SWEEP_WORKERS", "-1")
	_, err := Load("")
	assert.Error(t, err)
}
