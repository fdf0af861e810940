// Package dialect isolates per-engine SQL differences (identifier quoting,
// placeholder style, paging, introspection queries) behind a small strategy
// interface so the sync engine itself stays engine-agnostic.
package dialect

import (
	"fmt"
	"strings"

	"github.com/koltyakov/groupsync/internal/model"
)

// Dialect is implemented once per supported engine.
//
// Introspection queries follow a fixed projection contract so callers can
// scan results uniformly:
//
//	ColumnsQuery:     (column_name, data_type, is_nullable 'YES'|'NO', column_default)
//	PrimaryKeyQuery:  (column_name) in key order
//	IndexesQuery:     (index_name, column_name, is_unique 0|1, is_primary 0|1)
//	ForeignKeysQuery: (constraint_name, column_name, referenced_table,
//	                   referenced_column, on_delete, on_update)
type Dialect interface {
	Name() string

	// QuoteIdentifier quotes a single identifier for this engine.
	QuoteIdentifier(name string) string

	// QualifyTable returns the quoted, schema-qualified table reference.
	QualifyTable(schema, table string) string

	// Placeholder returns the n-th (1-based) bind placeholder.
	Placeholder(n int) string

	// BuildPagedSelect builds the page query used by the row matcher:
	// rows ordered by the primary-key tuple, optionally after a cursor
	// passed as bind parameters, limited to one batch.
	BuildPagedSelect(schema, table string, cols, pkCols []string, withCursor bool, limit int) string

	BuildInsert(schema, table string, cols []string) string
	BuildUpdate(schema, table string, cols, pkCols []string) string
	BuildDelete(schema, table string, pkCols []string) string

	// Introspection queries. Args are the bind values to execute with.
	ColumnsQuery(schema, table string) (query string, args []interface{})
	PrimaryKeyQuery(schema, table string) (query string, args []interface{})
	IndexesQuery(schema, table string) (query string, args []interface{})
	ForeignKeysQuery(schema, table string) (query string, args []interface{})

	// NormalizeType maps an engine-specific type name to its canonical form
	// so semantically identical schemas compare equal across engines.
	NormalizeType(raw string) string
}

// Get returns the dialect for an engine.
func Get(engine model.Engine) (Dialect, error) {
	switch engine {
	case model.EnginePostgres:
		return &postgres{}, nil
	case model.EngineMySQL:
		return &mysql{}, nil
	case model.EngineSQLite:
		return &sqlite{}, nil
	}
	return nil, fmt.Errorf("unsupported engine: %s", engine)
}

// quoteList quotes every identifier and joins with commas.
func quoteList(d Dialect, names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = d.QuoteIdentifier(n)
	}
	return strings.Join(quoted, ", ")
}

// placeholderList returns n placeholders starting at index start (1-based).
func placeholderList(d Dialect, start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = d.Placeholder(start + i)
	}
	return strings.Join(parts, ", ")
}

// buildPagedSelect is the shared shape of the page query; only quoting and
// placeholders differ between engines.
func buildPagedSelect(d Dialect, schema, table string, cols, pkCols []string, withCursor bool, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", quoteList(d, cols), d.QualifyTable(schema, table))
	if withCursor {
		// Row-value comparison keeps multi-column keys correct.
		fmt.Fprintf(&b, " WHERE (%s) > (%s)", quoteList(d, pkCols), placeholderList(d, 1, len(pkCols)))
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT %d", quoteList(d, pkCols), limit)
	return b.String()
}

func buildInsert(d Dialect, schema, table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QualifyTable(schema, table), quoteList(d, cols), placeholderList(d, 1, len(cols)))
}

func buildUpdate(d Dialect, schema, table string, cols, pkCols []string) string {
	setParts := make([]string, len(cols))
	for i, col := range cols {
		setParts[i] = fmt.Sprintf("%s = %s", d.QuoteIdentifier(col), d.Placeholder(i+1))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		d.QualifyTable(schema, table), strings.Join(setParts, ", "),
		pkWhereClause(d, pkCols, len(cols)+1))
}

func buildDelete(d Dialect, schema, table string, pkCols []string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s",
		d.QualifyTable(schema, table), pkWhereClause(d, pkCols, 1))
}

// pkWhereClause builds "pk1 = $n AND pk2 = $n+1 ...".
func pkWhereClause(d Dialect, pkCols []string, start int) string {
	parts := make([]string, len(pkCols))
	for i, col := range pkCols {
		parts[i] = fmt.Sprintf("%s = %s", d.QuoteIdentifier(col), d.Placeholder(start+i))
	}
	return strings.Join(parts, " AND ")
}
