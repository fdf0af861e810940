// Package model holds the shared entities of the sync engine: connections,
// instance groups and table-level sync configurations.
package model

import (
	"time"

	"github.com/koltyakov/groupsync/internal/syncerr"
)

// Engine identifies a supported database engine.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql" // also serves MariaDB
	EngineSQLite   Engine = "sqlite"
)

// Valid reports whether the engine is one the sync engine can talk to.
func (e Engine) Valid() bool {
	switch e {
	case EnginePostgres, EngineMySQL, EngineSQLite:
		return true
	}
	return false
}

// Connection identifies one reachable database. Owned by the external
// connection-management collaborator; the sync engine only reads it.
type Connection struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Engine        Engine `json:"engine"`
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`
	Path          string `json:"path,omitempty"` // file path for sqlite
	User          string `json:"user,omitempty"`
	Password      string `json:"password,omitempty"`
	Database      string `json:"database,omitempty"`
	DefaultSchema string `json:"default_schema,omitempty"`
}

// InstanceGroup is a named set of connections holding the same logical schema
// across environments. All members share the group's engine.
type InstanceGroup struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	ProjectID          string   `json:"project_id"`
	Engine             Engine   `json:"engine"`
	SourceConnectionID string   `json:"source_connection_id,omitempty"`
	ConnectionIDs      []string `json:"connection_ids"`
	SyncSchema         bool     `json:"sync_schema"`
	SyncData           bool     `json:"sync_data"`
}

// SyncEnabled reports whether the group can be synced at all: it needs a
// designated source of truth and at least one sync dimension turned on.
func (g *InstanceGroup) SyncEnabled() bool {
	return g.SourceConnectionID != "" && (g.SyncSchema || g.SyncData)
}

// Targets returns the member connections excluding the source.
func (g *InstanceGroup) Targets() []string {
	targets := make([]string, 0, len(g.ConnectionIDs))
	for _, id := range g.ConnectionIDs {
		if id != g.SourceConnectionID {
			targets = append(targets, id)
		}
	}
	return targets
}

// ConflictStrategy decides the winner when a row exists on both sides with
// differing values.
type ConflictStrategy string

const (
	// SourceWins always takes the source row. Default.
	SourceWins ConflictStrategy = "source_wins"
	// TargetWins leaves the target row untouched and records a skip.
	TargetWins ConflictStrategy = "target_wins"
	// NewestWins compares the configured timestamp column, ties go to source.
	NewestWins ConflictStrategy = "newest_wins"
	// Manual flags the conflict for review without blocking the batch.
	Manual ConflictStrategy = "manual"
)

// Valid reports whether the strategy is a known one.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case SourceWins, TargetWins, NewestWins, Manual:
		return true
	}
	return false
}

// DataSyncConfig is the durable definition of one table-level sync pairing.
type DataSyncConfig struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	SourceConnectionID string           `json:"source_connection_id"`
	TargetConnectionID string           `json:"target_connection_id"`
	SourceTable        string           `json:"source_table"`
	TargetTable        string           `json:"target_table"`
	PrimaryKeyColumns  []string         `json:"primary_key_columns"`
	ConflictStrategy   ConflictStrategy `json:"conflict_strategy"`
	TimestampColumn    string           `json:"timestamp_column,omitempty"`
	BatchSize          int              `json:"batch_size"`
	PropagateDeletes   bool             `json:"propagate_deletes"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// ApplyDefaults fills zero-value fields with their documented defaults.
func (c *DataSyncConfig) ApplyDefaults() {
	if c.ConflictStrategy == "" {
		c.ConflictStrategy = SourceWins
	}
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
	if c.TargetTable == "" {
		c.TargetTable = c.SourceTable
	}
}

// Validate rejects configurations that cannot produce a correct run. Called
// at save time so a bad config never reaches the executor.
func (c *DataSyncConfig) Validate() error {
	if c.SourceConnectionID == "" {
		return &syncerr.ConfigurationError{Field: "source_connection_id", Reason: "required"}
	}
	if c.TargetConnectionID == "" {
		return &syncerr.ConfigurationError{Field: "target_connection_id", Reason: "required"}
	}
	if c.SourceConnectionID == c.TargetConnectionID {
		return &syncerr.ConfigurationError{Field: "target_connection_id", Reason: "source and target must differ"}
	}
	if c.SourceTable == "" {
		return &syncerr.ConfigurationError{Field: "source_table", Reason: "required"}
	}
	if len(c.PrimaryKeyColumns) == 0 {
		return &syncerr.ConfigurationError{Field: "primary_key_columns", Reason: "a table without a primary key cannot be synced"}
	}
	seen := make(map[string]bool, len(c.PrimaryKeyColumns))
	for _, col := range c.PrimaryKeyColumns {
		if col == "" {
			return &syncerr.ConfigurationError{Field: "primary_key_columns", Reason: "empty column name"}
		}
		if seen[col] {
			return &syncerr.ConfigurationError{Field: "primary_key_columns", Reason: "duplicate column " + col}
		}
		seen[col] = true
	}
	if !c.ConflictStrategy.Valid() {
		return &syncerr.ConfigurationError{Field: "conflict_strategy", Reason: "unknown strategy " + string(c.ConflictStrategy)}
	}
	if c.ConflictStrategy == NewestWins && c.TimestampColumn == "" {
		return &syncerr.ConfigurationError{Field: "timestamp_column", Reason: "required for newest_wins"}
	}
	if c.BatchSize <= 0 {
		return &syncerr.ConfigurationError{Field: "batch_size", Reason: "must be greater than 0"}
	}
	return nil
}
