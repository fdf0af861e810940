package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/koltyakov/groupsync/internal/model"
)

// Config holds the application configuration. Values load from a JSON file
// and may be overridden through the environment.
type Config struct {
	// MetadataDB is the path of the local SQLite metadata database.
	MetadataDB string `json:"metadata_db" env:"GROUPSYNC_METADATA_DB"`
	// Connections are the database instances the groups reference.
	Connections []model.Connection `json:"connections"`
	// RefreshInterval is the background status refresh cadence.
	RefreshInterval Duration `json:"refresh_interval" env:"GROUPSYNC_REFRESH_INTERVAL"`
	// Workers bounds concurrent checks and runs across all groups.
	Workers int `json:"workers" env:"GROUPSYNC_WORKERS"`
	// BatchTimeout bounds each batch-level operation of a run or check.
	BatchTimeout Duration `json:"batch_timeout" env:"GROUPSYNC_BATCH_TIMEOUT"`
	// RetryAttempts and RetryBackoff control connectivity retries during
	// status checks.
	RetryAttempts int      `json:"retry_attempts" env:"GROUPSYNC_RETRY_ATTEMPTS"`
	RetryBackoff  Duration `json:"retry_backoff" env:"GROUPSYNC_RETRY_BACKOFF"`
	// RunRetentionDays is how long finished run records are kept.
	RunRetentionDays int  `json:"run_retention_days" env:"GROUPSYNC_RUN_RETENTION_DAYS"`
	DryRun           bool `json:"dry_run" env:"GROUPSYNC_DRY_RUN"`
	Verbose          bool `json:"verbose" env:"GROUPSYNC_VERBOSE"`
}

// Duration is a time.Duration that marshals as a string like "10m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText lets the env parser set durations from strings.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns a config with the documented defaults applied.
func Default() *Config {
	return &Config{
		MetadataDB:       "./groupsync.db",
		RefreshInterval:  Duration(10 * time.Minute),
		Workers:          4,
		BatchTimeout:     Duration(30 * time.Second),
		RetryAttempts:    3,
		RetryBackoff:     Duration(2 * time.Second),
		RunRetentionDays: 30,
	}
}

// Load reads the JSON file at path (when non-empty) over the defaults and
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile saves configuration to a JSON file.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be greater than 0")
	}
	seen := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.ID == "" {
			return fmt.Errorf("connection without id")
		}
		if seen[conn.ID] {
			return fmt.Errorf("duplicate connection id %s", conn.ID)
		}
		seen[conn.ID] = true
		if !conn.Engine.Valid() {
			return fmt.Errorf("connection %s: unsupported engine %q", conn.ID, conn.Engine)
		}
	}
	return nil
}
