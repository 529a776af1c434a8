package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/spotwise/cost-engine/internal/retention"
)

// Config is the engine's full configuration, loaded from a YAML file
// with environment variable overrides (a .env file is honored when
// present).
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Retention retention.Config `yaml:"retention"`
	Jobs      JobsConfig       `yaml:"jobs"`
	Logging   LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type JobsConfig struct {
	RetentionInterval time.Duration `yaml:"retention_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	SweepWorkers      int           `yaml:"sweep_workers"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads the config file at path (optional: empty path means
// defaults only) and applies environment overrides.
func Load(path string) (*Config, error) {
	// Best-effort; a missing .env is not an error.
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         DefaultListenAddr,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
		},
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Jobs: JobsConfig{
			RetentionInterval: DefaultRetentionInterval,
			SweepInterval:     DefaultSweepInterval,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SWEEP_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Jobs.SweepWorkers = n
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Jobs.SweepWorkers < 0 {
		return fmt.Errorf("jobs.sweep_workers must be >= 0, got %d", c.Jobs.SweepWorkers)
	}
	return nil
}
