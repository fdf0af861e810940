// Package schema produces structural fingerprints of tables and compares
// them. A fingerprint is a normalized, order-independent description of a
// table's columns, indexes and foreign keys.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/koltyakov/groupsync/internal/dialect"
	"github.com/koltyakov/groupsync/internal/syncerr"
)

// Column is one column of a fingerprint. Type is the normalized type name.
type Column struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Nullable     bool   `json:"nullable"`
	IsPrimaryKey bool   `json:"is_primary_key"`
	IsUnique     bool   `json:"is_unique"`
	Default      string `json:"default,omitempty"`
}

// Index is one index of a fingerprint.
type Index struct {
	Name      string   `json:"name"`
	Columns   []string `json:"columns"`
	IsUnique  bool     `json:"is_unique"`
	IsPrimary bool     `json:"is_primary"`
}

// ForeignKey is one foreign-key constraint of a fingerprint.
type ForeignKey struct {
	Name              string   `json:"name"`
	Columns           []string `json:"columns"`
	ReferencedTable   string   `json:"referenced_table"`
	ReferencedColumns []string `json:"referenced_columns"`
	OnDelete          string   `json:"on_delete,omitempty"`
	OnUpdate          string   `json:"on_update,omitempty"`
}

// Fingerprint is the structural identity of a table. Columns, indexes and
// foreign keys are sorted by name so two fingerprints of identical structure
// compare equal regardless of the order the engine reported them in.
type Fingerprint struct {
	Schema      string       `json:"schema,omitempty"`
	Table       string       `json:"table"`
	Columns     []Column     `json:"columns"`
	Indexes     []Index      `json:"indexes"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
	PrimaryKey  []string     `json:"primary_key"` // in key order, not sorted
}

// Introspector reads table structure from one connection. Read-only.
type Introspector struct {
	db           *sql.DB
	dialect      dialect.Dialect
	connectionID string
}

// NewIntrospector creates an introspector bound to one connection.
func NewIntrospector(db *sql.DB, d dialect.Dialect, connectionID string) *Introspector {
	return &Introspector{db: db, dialect: d, connectionID: connectionID}
}

// Fingerprint reads the structural fingerprint of a table. A missing table
// is reported as a SchemaError wrapping ErrNotFound; an unreachable engine
// as a ConnectivityError. The two are distinct from "structurally different".
func (in *Introspector) Fingerprint(ctx context.Context, schema, table string) (*Fingerprint, error) {
	cols, err := in.columns(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, &syncerr.SchemaError{Table: table, Err: fmt.Errorf("table %s: %w", table, syncerr.ErrNotFound)}
	}

	pk, err := in.primaryKey(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	pkSet := make(map[string]bool, len(pk))
	for _, col := range pk {
		pkSet[col] = true
	}

	indexes, err := in.indexes(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	uniqueCols := make(map[string]bool)
	for _, idx := range indexes {
		if idx.IsUnique && len(idx.Columns) == 1 {
			uniqueCols[idx.Columns[0]] = true
		}
	}

	fks, err := in.foreignKeys(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	for i := range cols {
		cols[i].IsPrimaryKey = pkSet[cols[i].Name]
		cols[i].IsUnique = uniqueCols[cols[i].Name]
	}

	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	sort.Slice(indexes, func(i, j int) bool { return indexes[i].Name < indexes[j].Name })
	sort.Slice(fks, func(i, j int) bool { return fks[i].Name < fks[j].Name })

	return &Fingerprint{
		Schema:      schema,
		Table:       table,
		Columns:     cols,
		Indexes:     indexes,
		ForeignKeys: fks,
		PrimaryKey:  pk,
	}, nil
}

func (in *Introspector) columns(ctx context.Context, schema, table string) ([]Column, error) {
	query, args := in.dialect.ColumnsQuery(schema, table)
	rows, err := in.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &syncerr.ConnectivityError{ConnectionID: in.connectionID, Err: err}
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var name, rawType, nullable string
		var def sql.NullString
		if err := rows.Scan(&name, &rawType, &nullable, &def); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		cols = append(cols, Column{
			Name:     name,
			Type:     in.dialect.NormalizeType(rawType),
			Nullable: nullable == "YES",
			Default:  def.String,
		})
	}
	return cols, rows.Err()
}

func (in *Introspector) primaryKey(ctx context.Context, schema, table string) ([]string, error) {
	query, args := in.dialect.PrimaryKeyQuery(schema, table)
	rows, err := in.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &syncerr.ConnectivityError{ConnectionID: in.connectionID, Err: err}
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("failed to scan primary key of %s: %w", table, err)
		}
		pk = append(pk, col)
	}
	return pk, rows.Err()
}

func (in *Introspector) indexes(ctx context.Context, schema, table string) ([]Index, error) {
	query, args := in.dialect.IndexesQuery(schema, table)
	rows, err := in.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &syncerr.ConnectivityError{ConnectionID: in.connectionID, Err: err}
	}
	defer rows.Close()

	// Rows arrive one per (index, column) ordered by index name and ordinal.
	var indexes []Index
	byName := make(map[string]int)
	for rows.Next() {
		var name, col string
		var isUnique, isPrimary int
		if err := rows.Scan(&name, &col, &isUnique, &isPrimary); err != nil {
			return nil, fmt.Errorf("failed to scan index of %s: %w", table, err)
		}
		if i, ok := byName[name]; ok {
			indexes[i].Columns = append(indexes[i].Columns, col)
			continue
		}
		byName[name] = len(indexes)
		indexes = append(indexes, Index{
			Name:      name,
			Columns:   []string{col},
			IsUnique:  isUnique == 1,
			IsPrimary: isPrimary == 1,
		})
	}
	return indexes, rows.Err()
}

func (in *Introspector) foreignKeys(ctx context.Context, schema, table string) ([]ForeignKey, error) {
	query, args := in.dialect.ForeignKeysQuery(schema, table)
	rows, err := in.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &syncerr.ConnectivityError{ConnectionID: in.connectionID, Err: err}
	}
	defer rows.Close()

	var fks []ForeignKey
	byName := make(map[string]int)
	for rows.Next() {
		var name, col, refTable string
		// SQLite leaves the referenced column NULL for table-level
		// REFERENCES clauses, where the parent's primary key is implied.
		var refCol, onDelete, onUpdate sql.NullString
		if err := rows.Scan(&name, &col, &refTable, &refCol, &onDelete, &onUpdate); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key of %s: %w", table, err)
		}
		if i, ok := byName[name]; ok {
			fks[i].Columns = append(fks[i].Columns, col)
			fks[i].ReferencedColumns = append(fks[i].ReferencedColumns, refCol.String)
			continue
		}
		byName[name] = len(fks)
		fks = append(fks, ForeignKey{
			Name:              name,
			Columns:           []string{col},
			ReferencedTable:   refTable,
			ReferencedColumns: []string{refCol.String},
			OnDelete:          onDelete.String,
			OnUpdate:          onUpdate.String,
		})
	}
	return fks, rows.Err()
}
