package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/koltyakov/groupsync/internal/dialect"
	"github.com/koltyakov/groupsync/internal/model"
	"github.com/koltyakov/groupsync/internal/schema"
	"github.com/koltyakov/groupsync/internal/syncerr"
)

func testConfig() *model.DataSyncConfig {
	return &model.DataSyncConfig{
		ID:                 "cfg-1",
		SourceConnectionID: "src",
		TargetConnectionID: "tgt",
		SourceTable:        "users",
		TargetTable:        "users",
		PrimaryKeyColumns:  []string{"id"},
		ConflictStrategy:   model.SourceWins,
		BatchSize:          10,
	}
}

// expectIntrospection queues the four fingerprint queries for a users table
// with (id integer, name varchar) keyed on id.
func expectIntrospection(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("information_schema.columns").
		WithArgs("public", "users").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "column_default"}).
			AddRow("id", "integer", "NO", nil).
			AddRow("name", "character varying", "YES", nil))
	mock.ExpectQuery("indisprimary").
		WithArgs(`"public"."users"`).
		WillReturnRows(sqlmock.NewRows([]string{"attname"}).AddRow("id"))
	mock.ExpectQuery("pg_index").
		WithArgs(`"public"."users"`).
		WillReturnRows(sqlmock.NewRows([]string{"relname", "attname", "is_unique", "is_primary"}).
			AddRow("users_pkey", "id", 1, 1))
	mock.ExpectQuery("table_constraints").
		WithArgs("public", "users").
		WillReturnRows(sqlmock.NewRows([]string{
			"constraint_name", "column_name", "table_name", "column_name", "delete_rule", "update_rule",
		}))
}

func expectPage(mock sqlmock.Sqlmock, rows ...[2]interface{}) {
	page := sqlmock.NewRows([]string{"id", "name"})
	for _, r := range rows {
		page.AddRow(r[0], r[1])
	}
	mock.ExpectQuery(`ORDER BY "id" LIMIT`).WillReturnRows(page)
}

func newTestExecutor(t *testing.T, cfg *model.DataSyncConfig, opts Options) (*Executor, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()
	sourceDB, sourceMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to open source sqlmock: %v", err)
	}
	targetDB, targetMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to open target sqlmock: %v", err)
	}
	t.Cleanup(func() { sourceDB.Close(); targetDB.Close() })

	d, _ := dialect.Get("postgres")
	exec, err := New(cfg, sourceDB, targetDB, d, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return exec, sourceMock, targetMock
}

func TestRunAppliesWrites(t *testing.T) {
	exec, sourceMock, targetMock := newTestExecutor(t, testConfig(), Options{})

	expectIntrospection(sourceMock)
	expectIntrospection(targetMock)

	// Source has a changed row 1 and a new row 2; target only knows row 1.
	expectPage(sourceMock, [2]interface{}{int64(1), "alice"}, [2]interface{}{int64(2), "bob"})
	expectPage(targetMock, [2]interface{}{int64(1), "alicia"})

	targetMock.ExpectBegin()
	targetMock.ExpectPrepare("INSERT INTO").
		ExpectExec().WithArgs(int64(2), "bob").
		WillReturnResult(sqlmock.NewResult(0, 1))
	targetMock.ExpectPrepare("UPDATE").
		ExpectExec().WithArgs("alice", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	targetMock.ExpectCommit()

	run, err := exec.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if run.State != StateCompleted {
		t.Errorf("Expected state completed, got %s", run.State)
	}
	if run.RowsScanned != 2 || run.RowsInserted != 1 || run.RowsUpdated != 1 || run.RowsDeleted != 0 {
		t.Errorf("Unexpected counts: scanned=%d inserted=%d updated=%d deleted=%d",
			run.RowsScanned, run.RowsInserted, run.RowsUpdated, run.RowsDeleted)
	}
	if run.BatchesCompleted != 1 {
		t.Errorf("Expected 1 batch, got %d", run.BatchesCompleted)
	}
	if run.Cursor != "[2]" {
		t.Errorf("Expected cursor at last committed key, got %q", run.Cursor)
	}
	if run.FinishedAt.IsZero() {
		t.Error("Expected FinishedAt to be set")
	}

	if err := sourceMock.ExpectationsWereMet(); err != nil {
		t.Errorf("Source expectations: %v", err)
	}
	if err := targetMock.ExpectationsWereMet(); err != nil {
		t.Errorf("Target expectations: %v", err)
	}
}

func TestRunIdempotent(t *testing.T) {
	exec, sourceMock, targetMock := newTestExecutor(t, testConfig(), Options{})

	expectIntrospection(sourceMock)
	expectIntrospection(targetMock)

	// Identical data on both sides: no transaction must be opened.
	expectPage(sourceMock, [2]interface{}{int64(1), "alice"}, [2]interface{}{int64(2), "bob"})
	expectPage(targetMock, [2]interface{}{int64(1), "alice"}, [2]interface{}{int64(2), "bob"})

	run, err := exec.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.State != StateCompleted {
		t.Errorf("Expected state completed, got %s", run.State)
	}
	if run.RowsInserted != 0 || run.RowsUpdated != 0 || run.RowsDeleted != 0 {
		t.Errorf("In-sync tables must produce zero writes: %+v", run)
	}
	if err := targetMock.ExpectationsWereMet(); err != nil {
		t.Errorf("Target saw unexpected activity: %v", err)
	}
}

func TestRunDryRun(t *testing.T) {
	exec, sourceMock, targetMock := newTestExecutor(t, testConfig(), Options{DryRun: true})

	expectIntrospection(sourceMock)
	expectIntrospection(targetMock)

	expectPage(sourceMock, [2]interface{}{int64(1), "alice"})
	expectPage(targetMock)

	run, err := exec.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !run.DryRun {
		t.Error("Expected run to be marked dry-run")
	}
	// Counts report what would have been written; the target is untouched.
	if run.RowsInserted != 1 {
		t.Errorf("Expected 1 planned insert, got %d", run.RowsInserted)
	}
	if err := targetMock.ExpectationsWereMet(); err != nil {
		t.Errorf("Dry run must not write to the target: %v", err)
	}
}

func TestRunPropagateDeletes(t *testing.T) {
	cfg := testConfig()
	cfg.PropagateDeletes = true
	exec, sourceMock, targetMock := newTestExecutor(t, cfg, Options{})

	expectIntrospection(sourceMock)
	expectIntrospection(targetMock)

	expectPage(sourceMock)
	expectPage(targetMock, [2]interface{}{int64(9), "stale"})

	targetMock.ExpectBegin()
	targetMock.ExpectPrepare("DELETE FROM").
		ExpectExec().WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	targetMock.ExpectCommit()

	run, err := exec.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.RowsDeleted != 1 {
		t.Errorf("Expected 1 delete, got %d", run.RowsDeleted)
	}
	if err := targetMock.ExpectationsWereMet(); err != nil {
		t.Errorf("Target expectations: %v", err)
	}
}

func TestRunTargetOnlyWithoutPropagate(t *testing.T) {
	exec, sourceMock, targetMock := newTestExecutor(t, testConfig(), Options{})

	expectIntrospection(sourceMock)
	expectIntrospection(targetMock)

	expectPage(sourceMock)
	expectPage(targetMock, [2]interface{}{int64(9), "stale"})

	run, err := exec.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.RowsDeleted != 0 {
		t.Errorf("Deletes must be opt-in, got %d", run.RowsDeleted)
	}
	if err := targetMock.ExpectationsWereMet(); err != nil {
		t.Errorf("Target saw unexpected writes: %v", err)
	}
}

func TestRunWriteFailure(t *testing.T) {
	exec, sourceMock, targetMock := newTestExecutor(t, testConfig(), Options{})

	expectIntrospection(sourceMock)
	expectIntrospection(targetMock)

	expectPage(sourceMock, [2]interface{}{int64(1), "alice"})
	expectPage(targetMock)

	targetMock.ExpectBegin()
	targetMock.ExpectPrepare("INSERT INTO").
		ExpectExec().WithArgs(int64(1), "alice").
		WillReturnError(errors.New("unique violation"))
	targetMock.ExpectRollback()

	run, err := exec.Run(context.Background(), "")
	if err == nil {
		t.Fatal("Expected write failure")
	}
	var writeErr *syncerr.WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("Expected WriteError, got %T: %v", err, err)
	}
	if run.State != StateFailed {
		t.Errorf("Expected state failed, got %s", run.State)
	}
	// Nothing committed, so the cursor must still mark the resume point.
	if run.Cursor != "" {
		t.Errorf("Failed first batch must not advance the cursor, got %q", run.Cursor)
	}
}

func TestRunCancelledBeforeFirstBatch(t *testing.T) {
	exec, _, targetMock := newTestExecutor(t, testConfig(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := exec.Run(ctx, "")
	if err != nil {
		t.Fatalf("Cancellation is not an error: %v", err)
	}
	if run.State != StateCancelled {
		t.Errorf("Expected state cancelled, got %s", run.State)
	}
	if err := targetMock.ExpectationsWereMet(); err != nil {
		t.Errorf("Cancelled run must not touch the target: %v", err)
	}
}

func TestRunCancelledMidBatchCompletesBatch(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	exec, sourceMock, targetMock := newTestExecutor(t, cfg, Options{})

	expectIntrospection(sourceMock)
	expectIntrospection(targetMock)

	// The follow-up source page is slow, so the cancel signal arrives while
	// the first batch is still in flight.
	expectPage(sourceMock, [2]interface{}{int64(1), "alice"})
	sourceMock.ExpectQuery(`WHERE \("id"\) > \(\$1\)`).
		WithArgs(int64(1)).
		WillDelayFor(250 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(2), "bob"))
	expectPage(targetMock)

	targetMock.ExpectBegin()
	targetMock.ExpectPrepare("INSERT INTO").
		ExpectExec().WithArgs(int64(1), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	targetMock.ExpectCommit()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	run, err := exec.Run(ctx, "")
	if err != nil {
		t.Fatalf("Cancellation is not an error: %v", err)
	}
	if run.State != StateCancelled {
		t.Fatalf("Expected state cancelled, got %s (%s)", run.State, run.Error)
	}
	if run.Error != "" {
		t.Errorf("Cancelled run must not carry an error, got %q", run.Error)
	}
	if run.RowsInserted != 1 || run.BatchesCompleted != 1 {
		t.Errorf("In-flight batch must commit before stopping: inserted=%d batches=%d",
			run.RowsInserted, run.BatchesCompleted)
	}
	if run.Cursor != "[1]" {
		t.Errorf("Cursor must cover the committed batch, got %q", run.Cursor)
	}
	if err := targetMock.ExpectationsWereMet(); err != nil {
		t.Errorf("Target expectations: %v", err)
	}
}

func TestRunResumeCursor(t *testing.T) {
	exec, sourceMock, targetMock := newTestExecutor(t, testConfig(), Options{})

	expectIntrospection(sourceMock)
	expectIntrospection(targetMock)

	// Both streams must start after key 5 from the persisted cursor. JSON
	// numbers decode as float64.
	sourceMock.ExpectQuery(`WHERE \("id"\) > \(\$1\)`).
		WithArgs(float64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))
	targetMock.ExpectQuery(`WHERE \("id"\) > \(\$1\)`).
		WithArgs(float64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))

	run, err := exec.Run(context.Background(), "[5]")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.State != StateCompleted {
		t.Errorf("Expected state completed, got %s", run.State)
	}
	if err := sourceMock.ExpectationsWereMet(); err != nil {
		t.Errorf("Source expectations: %v", err)
	}
}

func TestSharedColumns(t *testing.T) {
	source := &schema.Fingerprint{
		Table: "users",
		Columns: []schema.Column{
			{Name: "email"}, {Name: "id"}, {Name: "name"},
		},
	}
	target := &schema.Fingerprint{
		Table: "users",
		Columns: []schema.Column{
			{Name: "id"}, {Name: "name"},
		},
	}

	cols, err := SharedColumns(source, target, []string{"id"})
	if err != nil {
		t.Fatalf("SharedColumns failed: %v", err)
	}
	if len(cols) != 2 || cols[0] != "id" || cols[1] != "name" {
		t.Errorf("Expected [id name], got %v", cols)
	}
}

func TestSharedColumnsMissingPrimaryKey(t *testing.T) {
	source := &schema.Fingerprint{
		Table:   "users",
		Columns: []schema.Column{{Name: "id"}, {Name: "name"}},
	}
	target := &schema.Fingerprint{
		Table:   "users",
		Columns: []schema.Column{{Name: "name"}},
	}

	_, err := SharedColumns(source, target, []string{"id"})
	if err == nil {
		t.Fatal("Expected error when the primary key does not survive the intersection")
	}
	var schemaErr *syncerr.SchemaError
	if !errors.As(err, &schemaErr) {
		t.Errorf("Expected SchemaError, got %T: %v", err, err)
	}
	if !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("Expected error to wrap ErrNotFound, got %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PrimaryKeyColumns = nil

	d, _ := dialect.Get("postgres")
	if _, err := New(cfg, nil, nil, d, Options{}); err == nil {
		t.Fatal("Expected validation error for empty primary key")
	}
}
