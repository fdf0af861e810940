package schema

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"

	"github.com/koltyakov/groupsync/internal/dialect"
	"github.com/koltyakov/groupsync/internal/syncerr"
)

func TestFingerprint(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to open sqlmock: %v", err)
	}
	defer db.Close()

	// Columns come back in ordinal position, not name order.
	mock.ExpectQuery("information_schema.columns").
		WithArgs("public", "users").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "column_default"}).
			AddRow("id", "integer", "NO", nil).
			AddRow("email", "character varying", "YES", nil).
			AddRow("created_at", "timestamp without time zone", "NO", "now()"))
	mock.ExpectQuery("indisprimary").
		WithArgs(`"public"."users"`).
		WillReturnRows(sqlmock.NewRows([]string{"attname"}).AddRow("id"))
	mock.ExpectQuery("pg_index").
		WithArgs(`"public"."users"`).
		WillReturnRows(sqlmock.NewRows([]string{"relname", "attname", "is_unique", "is_primary"}).
			AddRow("users_pkey", "id", 1, 1).
			AddRow("users_email_idx", "email", 1, 0))
	mock.ExpectQuery("table_constraints").
		WithArgs("public", "users").
		WillReturnRows(sqlmock.NewRows([]string{
			"constraint_name", "column_name", "table_name", "column_name", "delete_rule", "update_rule",
		}))

	d, _ := dialect.Get("postgres")
	in := NewIntrospector(db, d, "src")

	fp, err := in.Fingerprint(context.Background(), "", "users")
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}

	wantCols := []string{"created_at", "email", "id"}
	if len(fp.Columns) != len(wantCols) {
		t.Fatalf("Expected %d columns, got %d", len(wantCols), len(fp.Columns))
	}
	for i, name := range wantCols {
		if fp.Columns[i].Name != name {
			t.Errorf("Column %d: expected %s, got %s", i, name, fp.Columns[i].Name)
		}
	}
	if fp.Columns[1].Type != "varchar" {
		t.Errorf("Expected email type varchar, got %s", fp.Columns[1].Type)
	}
	if !fp.Columns[1].Nullable || fp.Columns[2].Nullable {
		t.Errorf("Nullability wrong: email=%t id=%t", fp.Columns[1].Nullable, fp.Columns[2].Nullable)
	}
	if !fp.Columns[2].IsPrimaryKey {
		t.Error("Expected id to be flagged primary key")
	}
	if !fp.Columns[1].IsUnique {
		t.Error("Expected email to be flagged unique via single-column unique index")
	}
	if len(fp.PrimaryKey) != 1 || fp.PrimaryKey[0] != "id" {
		t.Errorf("Expected primary key [id], got %v", fp.PrimaryKey)
	}
	// Indexes sorted by name.
	if fp.Indexes[0].Name != "users_email_idx" || fp.Indexes[1].Name != "users_pkey" {
		t.Errorf("Indexes not name-sorted: %v", fp.Indexes)
	}
	if !fp.Indexes[1].IsPrimary {
		t.Error("Expected users_pkey flagged primary")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestFingerprintMissingTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to open sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("information_schema.columns").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "column_default"}))

	d, _ := dialect.Get("postgres")
	in := NewIntrospector(db, d, "src")

	_, err = in.Fingerprint(context.Background(), "public", "ghost")
	if err == nil {
		t.Fatal("Expected error for missing table")
	}
	var schemaErr *syncerr.SchemaError
	if !errors.As(err, &schemaErr) {
		t.Errorf("Expected SchemaError, got %T: %v", err, err)
	}
	if !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("Expected error to wrap ErrNotFound, got %v", err)
	}
}

func TestFingerprintImpliedForeignKeyColumn(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	defer db.Close()

	// A table-level REFERENCES clause names no column; sqlite reports the
	// referenced column as NULL and the parent's primary key is implied.
	ddl := []string{
		`CREATE TABLE parent (id INTEGER PRIMARY KEY)`,
		`CREATE TABLE child (id INTEGER PRIMARY KEY, parent_id INTEGER REFERENCES parent)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("DDL failed: %v", err)
		}
	}

	d, _ := dialect.Get("sqlite")
	fp, err := NewIntrospector(db, d, "src").Fingerprint(context.Background(), "", "child")
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if len(fp.ForeignKeys) != 1 {
		t.Fatalf("Expected one foreign key, got %v", fp.ForeignKeys)
	}
	fk := fp.ForeignKeys[0]
	if fk.ReferencedTable != "parent" {
		t.Errorf("Expected referenced table parent, got %s", fk.ReferencedTable)
	}
	if len(fk.Columns) != 1 || fk.Columns[0] != "parent_id" {
		t.Errorf("Expected column parent_id, got %v", fk.Columns)
	}
}

func TestFingerprintConnectivityError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to open sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("information_schema.columns").
		WillReturnError(errors.New("connection refused"))

	d, _ := dialect.Get("postgres")
	in := NewIntrospector(db, d, "src")

	_, err = in.Fingerprint(context.Background(), "public", "users")
	var connErr *syncerr.ConnectivityError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected ConnectivityError, got %T: %v", err, err)
	}
	if connErr.ConnectionID != "src" {
		t.Errorf("Expected connection id src, got %s", connErr.ConnectionID)
	}
	if !syncerr.IsRetryable(err) {
		t.Error("Connectivity errors should be retryable")
	}
}
