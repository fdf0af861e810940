package executor

import "time"

// State is the lifecycle position of one sync run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the run has finished one way or another.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ConflictRecord is one conflict flagged for manual review. These accumulate
// on the run and never block the batch.
type ConflictRecord struct {
	Key            string   `json:"key"`
	ChangedColumns []string `json:"changed_columns"`
}

// Run is the report of one executor run for a (source, target, table)
// triple. Cursor holds the last fully committed primary-key position, so a
// failed or cancelled run can be resumed without replaying committed batches.
type Run struct {
	ID                 string           `json:"id"`
	ConfigID           string           `json:"config_id"`
	SourceConnectionID string           `json:"source_connection_id"`
	TargetConnectionID string           `json:"target_connection_id"`
	Table              string           `json:"table"`
	State              State            `json:"state"`
	RowsScanned        int64            `json:"rows_scanned"`
	RowsInserted       int64            `json:"rows_inserted"`
	RowsUpdated        int64            `json:"rows_updated"`
	RowsDeleted        int64            `json:"rows_deleted"`
	RowsSkipped        int64            `json:"rows_skipped"`
	BatchesCompleted   int              `json:"batches_completed"`
	Conflicts          []ConflictRecord `json:"conflicts,omitempty"`
	Cursor             string           `json:"cursor,omitempty"`
	Error              string           `json:"error,omitempty"`
	StartedAt          time.Time        `json:"started_at"`
	FinishedAt         time.Time        `json:"finished_at,omitzero"`
	DryRun             bool             `json:"dry_run,omitempty"`
}
