// Package syncerr defines the error taxonomy shared by the sync engine.
package syncerr

import (
	"errors"
	"fmt"
)

// ErrNotFound signals a missing table, column or stored entity.
var ErrNotFound = errors.New("not found")

// ConnectivityError wraps failures to reach a database engine. The scheduler
// retries these with backoff before surfacing the target as errored.
type ConnectivityError struct {
	ConnectionID string
	Err          error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connection %s unreachable: %v", e.ConnectionID, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// SchemaError wraps missing-table/missing-column conditions. Never retried.
type SchemaError struct {
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error on table %s: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ConfigurationError is rejected at config-save time and never reaches a run.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// WriteError marks a failed write within a batch. The batch is rolled back,
// the run fails with the last committed cursor preserved.
type WriteError struct {
	Table  string
	Batch  int
	Cursor string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write failed on table %s (batch %d, cursor %s): %v",
		e.Table, e.Batch, e.Cursor, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// WrapTriple annotates an engine-level error with the sync triple it occurred
// at so failures are never reported without their origin.
func WrapTriple(sourceID, targetID, table string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("sync %s->%s table %s: %w", sourceID, targetID, table, err)
}

// IsRetryable reports whether an error is worth retrying with backoff.
func IsRetryable(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
