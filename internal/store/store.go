// Package store persists sync metadata (instance groups, sync configs,
// last-known target statuses and the run log) in a local SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/koltyakov/groupsync/internal/executor"
	"github.com/koltyakov/groupsync/internal/model"
	"github.com/koltyakov/groupsync/internal/status"
	"github.com/koltyakov/groupsync/internal/syncerr"
)

// Store wraps the metadata database.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the metadata database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	query := `
		CREATE TABLE IF NOT EXISTS instance_groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			project_id TEXT,
			engine TEXT NOT NULL,
			source_connection_id TEXT,
			sync_schema INTEGER NOT NULL DEFAULT 0,
			sync_data INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL,
			connection_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (group_id, connection_id)
		);

		CREATE TABLE IF NOT EXISTS sync_configs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			source_connection_id TEXT NOT NULL,
			target_connection_id TEXT NOT NULL,
			source_table TEXT NOT NULL,
			target_table TEXT NOT NULL,
			primary_key_columns TEXT NOT NULL,
			conflict_strategy TEXT NOT NULL,
			timestamp_column TEXT,
			batch_size INTEGER NOT NULL,
			propagate_deletes INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS target_status (
			group_id TEXT NOT NULL,
			connection_id TEXT NOT NULL,
			schema_status TEXT NOT NULL,
			data_status TEXT NOT NULL,
			message TEXT,
			last_checked_at DATETIME,
			PRIMARY KEY (group_id, connection_id)
		);

		CREATE TABLE IF NOT EXISTS sync_runs (
			id TEXT PRIMARY KEY,
			config_id TEXT NOT NULL,
			source_connection_id TEXT NOT NULL,
			target_connection_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			state TEXT NOT NULL,
			rows_scanned INTEGER DEFAULT 0,
			rows_inserted INTEGER DEFAULT 0,
			rows_updated INTEGER DEFAULT 0,
			rows_deleted INTEGER DEFAULT 0,
			rows_skipped INTEGER DEFAULT 0,
			batches_completed INTEGER DEFAULT 0,
			conflicts TEXT,
			cursor TEXT,
			error_message TEXT,
			started_at DATETIME,
			finished_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_sync_runs_config ON sync_runs(config_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_sync_runs_state ON sync_runs(state);
	`
	_, err := s.db.Exec(query)
	return err
}

// --- instance groups ---

// CreateGroup stores a new group and its membership, assigning an id.
func (s *Store) CreateGroup(g *model.InstanceGroup) error {
	if !g.Engine.Valid() {
		return &syncerr.ConfigurationError{Field: "engine", Reason: "unsupported engine " + string(g.Engine)}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO instance_groups (id, name, project_id, engine, source_connection_id, sync_schema, sync_data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.ProjectID, string(g.Engine), g.SourceConnectionID, g.SyncSchema, g.SyncData)
	if err != nil {
		return fmt.Errorf("failed to insert group: %w", err)
	}
	if err := insertMembers(tx, g.ID, g.ConnectionIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateGroup replaces the stored group and its membership.
func (s *Store) UpdateGroup(g *model.InstanceGroup) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE instance_groups
		SET name = ?, project_id = ?, engine = ?, source_connection_id = ?, sync_schema = ?, sync_data = ?
		WHERE id = ?`,
		g.Name, g.ProjectID, string(g.Engine), g.SourceConnectionID, g.SyncSchema, g.SyncData, g.ID)
	if err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %s: %w", g.ID, syncerr.ErrNotFound)
	}
	if _, err := tx.Exec("DELETE FROM group_members WHERE group_id = ?", g.ID); err != nil {
		return err
	}
	if err := insertMembers(tx, g.ID, g.ConnectionIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMembers(tx *sql.Tx, groupID string, connectionIDs []string) error {
	for i, connID := range connectionIDs {
		if _, err := tx.Exec(
			"INSERT INTO group_members (group_id, connection_id, position) VALUES (?, ?, ?)",
			groupID, connID, i); err != nil {
			return fmt.Errorf("failed to insert group member %s: %w", connID, err)
		}
	}
	return nil
}

// GetGroup loads one group with its membership.
func (s *Store) GetGroup(id string) (*model.InstanceGroup, error) {
	g := &model.InstanceGroup{}
	var engine string
	err := s.db.QueryRow(`
		SELECT id, name, project_id, engine, source_connection_id, sync_schema, sync_data
		FROM instance_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.ProjectID, &engine, &g.SourceConnectionID, &g.SyncSchema, &g.SyncData)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group %s: %w", id, syncerr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	g.Engine = model.Engine(engine)

	rows, err := s.db.Query(
		"SELECT connection_id FROM group_members WHERE group_id = ? ORDER BY position", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var connID string
		if err := rows.Scan(&connID); err != nil {
			return nil, err
		}
		g.ConnectionIDs = append(g.ConnectionIDs, connID)
	}
	return g, rows.Err()
}

// ListGroups returns all groups ordered by name.
func (s *Store) ListGroups() ([]*model.InstanceGroup, error) {
	rows, err := s.db.Query("SELECT id FROM instance_groups ORDER BY name")
	if err != nil {
		return nil, err
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	groups := make([]*model.InstanceGroup, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGroup(id)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// DeleteGroup removes the group and its grouping relation. Member
// connections are owned elsewhere and are left untouched.
func (s *Store) DeleteGroup(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM group_members WHERE group_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM target_status WHERE group_id = ?", id); err != nil {
		return err
	}
	res, err := tx.Exec("DELETE FROM instance_groups WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %s: %w", id, syncerr.ErrNotFound)
	}
	return tx.Commit()
}

// --- sync configs ---

// CreateSyncConfig validates, assigns defaults and an id, and stores the
// config. Invalid configs never reach the database.
func (s *Store) CreateSyncConfig(c *model.DataSyncConfig) error {
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	pkJSON, err := json.Marshal(c.PrimaryKeyColumns)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sync_configs
			(id, name, source_connection_id, target_connection_id, source_table, target_table,
			 primary_key_columns, conflict_strategy, timestamp_column, batch_size, propagate_deletes,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.SourceConnectionID, c.TargetConnectionID, c.SourceTable, c.TargetTable,
		string(pkJSON), string(c.ConflictStrategy), c.TimestampColumn, c.BatchSize, c.PropagateDeletes,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert sync config: %w", err)
	}
	return nil
}

// UpdateSyncConfig validates and replaces a stored config.
func (s *Store) UpdateSyncConfig(c *model.DataSyncConfig) error {
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()

	pkJSON, err := json.Marshal(c.PrimaryKeyColumns)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE sync_configs
		SET name = ?, source_connection_id = ?, target_connection_id = ?, source_table = ?,
		    target_table = ?, primary_key_columns = ?, conflict_strategy = ?, timestamp_column = ?,
		    batch_size = ?, propagate_deletes = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.SourceConnectionID, c.TargetConnectionID, c.SourceTable,
		c.TargetTable, string(pkJSON), string(c.ConflictStrategy), c.TimestampColumn,
		c.BatchSize, c.PropagateDeletes, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update sync config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync config %s: %w", c.ID, syncerr.ErrNotFound)
	}
	return nil
}

// GetSyncConfig loads one config.
func (s *Store) GetSyncConfig(id string) (*model.DataSyncConfig, error) {
	c := &model.DataSyncConfig{}
	var pkJSON, strategy string
	var tsCol sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, source_connection_id, target_connection_id, source_table, target_table,
		       primary_key_columns, conflict_strategy, timestamp_column, batch_size,
		       propagate_deletes, created_at, updated_at
		FROM sync_configs WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.SourceConnectionID, &c.TargetConnectionID, &c.SourceTable,
			&c.TargetTable, &pkJSON, &strategy, &tsCol, &c.BatchSize,
			&c.PropagateDeletes, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sync config %s: %w", id, syncerr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pkJSON), &c.PrimaryKeyColumns); err != nil {
		return nil, fmt.Errorf("failed to decode primary key columns: %w", err)
	}
	c.ConflictStrategy = model.ConflictStrategy(strategy)
	c.TimestampColumn = tsCol.String
	return c, nil
}

// ListSyncConfigs returns all configs ordered by name.
func (s *Store) ListSyncConfigs() ([]*model.DataSyncConfig, error) {
	rows, err := s.db.Query("SELECT id FROM sync_configs ORDER BY name")
	if err != nil {
		return nil, err
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	configs := make([]*model.DataSyncConfig, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetSyncConfig(id)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, nil
}

// DeleteSyncConfig removes a config.
func (s *Store) DeleteSyncConfig(id string) error {
	res, err := s.db.Exec("DELETE FROM sync_configs WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync config %s: %w", id, syncerr.ErrNotFound)
	}
	return nil
}

// --- target statuses ---

// SetTargetStatus upserts the latest snapshot for one target. The previous
// snapshot is superseded, never merged.
func (s *Store) SetTargetStatus(groupID string, ts status.TargetSyncStatus) error {
	_, err := s.db.Exec(`
		INSERT INTO target_status (group_id, connection_id, schema_status, data_status, message, last_checked_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, connection_id) DO UPDATE SET
			schema_status = excluded.schema_status,
			data_status = excluded.data_status,
			message = excluded.message,
			last_checked_at = excluded.last_checked_at`,
		groupID, ts.ConnectionID, string(ts.SchemaStatus), string(ts.DataStatus), ts.Message, ts.LastCheckedAt)
	return err
}

// GetTargetStatuses returns the latest snapshots for a group's targets in
// membership order. Targets never checked are absent.
func (s *Store) GetTargetStatuses(groupID string) ([]status.TargetSyncStatus, error) {
	rows, err := s.db.Query(`
		SELECT ts.connection_id, ts.schema_status, ts.data_status, ts.message, ts.last_checked_at
		FROM target_status ts
		LEFT JOIN group_members gm ON gm.group_id = ts.group_id AND gm.connection_id = ts.connection_id
		WHERE ts.group_id = ?
		ORDER BY gm.position`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []status.TargetSyncStatus
	for rows.Next() {
		var ts status.TargetSyncStatus
		var schemaStatus, dataStatus string
		var message sql.NullString
		var checkedAt sql.NullTime
		if err := rows.Scan(&ts.ConnectionID, &schemaStatus, &dataStatus, &message, &checkedAt); err != nil {
			return nil, err
		}
		ts.SchemaStatus = status.Status(schemaStatus)
		ts.DataStatus = status.Status(dataStatus)
		ts.Message = message.String
		if checkedAt.Valid {
			ts.LastCheckedAt = checkedAt.Time
		}
		statuses = append(statuses, ts)
	}
	return statuses, rows.Err()
}

// --- run log ---

// SaveRun upserts a run report. Called when a run starts and again on every
// state change so the log always reflects the latest known counters.
func (s *Store) SaveRun(r *executor.Run) error {
	conflictsJSON, err := json.Marshal(r.Conflicts)
	if err != nil {
		return err
	}
	var finished interface{}
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt
	}
	_, err = s.db.Exec(`
		INSERT INTO sync_runs
			(id, config_id, source_connection_id, target_connection_id, table_name, state,
			 rows_scanned, rows_inserted, rows_updated, rows_deleted, rows_skipped,
			 batches_completed, conflicts, cursor, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			rows_scanned = excluded.rows_scanned,
			rows_inserted = excluded.rows_inserted,
			rows_updated = excluded.rows_updated,
			rows_deleted = excluded.rows_deleted,
			rows_skipped = excluded.rows_skipped,
			batches_completed = excluded.batches_completed,
			conflicts = excluded.conflicts,
			cursor = excluded.cursor,
			error_message = excluded.error_message,
			finished_at = excluded.finished_at`,
		r.ID, r.ConfigID, r.SourceConnectionID, r.TargetConnectionID, r.Table, string(r.State),
		r.RowsScanned, r.RowsInserted, r.RowsUpdated, r.RowsDeleted, r.RowsSkipped,
		r.BatchesCompleted, string(conflictsJSON), r.Cursor, r.Error, r.StartedAt, finished)
	return err
}

// GetRun loads one run report.
func (s *Store) GetRun(id string) (*executor.Run, error) {
	r := &executor.Run{}
	var state, conflictsJSON string
	var cursor, errMsg sql.NullString
	var started, finished sql.NullTime
	err := s.db.QueryRow(`
		SELECT id, config_id, source_connection_id, target_connection_id, table_name, state,
		       rows_scanned, rows_inserted, rows_updated, rows_deleted, rows_skipped,
		       batches_completed, conflicts, cursor, error_message, started_at, finished_at
		FROM sync_runs WHERE id = ?`, id).
		Scan(&r.ID, &r.ConfigID, &r.SourceConnectionID, &r.TargetConnectionID, &r.Table, &state,
			&r.RowsScanned, &r.RowsInserted, &r.RowsUpdated, &r.RowsDeleted, &r.RowsSkipped,
			&r.BatchesCompleted, &conflictsJSON, &cursor, &errMsg, &started, &finished)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sync run %s: %w", id, syncerr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.State = executor.State(state)
	r.Cursor = cursor.String
	r.Error = errMsg.String
	if started.Valid {
		r.StartedAt = started.Time
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	if conflictsJSON != "" {
		if err := json.Unmarshal([]byte(conflictsJSON), &r.Conflicts); err != nil {
			return nil, fmt.Errorf("failed to decode conflicts: %w", err)
		}
	}
	return r, nil
}

// ListRuns returns the most recent runs for a config, newest first.
func (s *Store) ListRuns(configID string, limit int) ([]*executor.Run, error) {
	rows, err := s.db.Query(
		"SELECT id FROM sync_runs WHERE config_id = ? ORDER BY started_at DESC LIMIT ?",
		configID, limit)
	if err != nil {
		return nil, err
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]*executor.Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRun(id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// CleanupOldRuns removes finished run records older than the given number of
// days.
func (s *Store) CleanupOldRuns(olderThanDays int) error {
	_, err := s.db.Exec(`
		DELETE FROM sync_runs
		WHERE finished_at IS NOT NULL
		  AND started_at < datetime('now', '-' || ? || ' days')`, olderThanDays)
	return err
}
