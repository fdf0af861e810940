package dialect

import "strings"

// sqlite implements Dialect for SQLite. Introspection relies on the
// pragma_* table-valued functions so results arrive as ordinary rows.
type sqlite struct{}

func (s *sqlite) Name() string { return "sqlite" }

func (s *sqlite) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifyTable ignores the schema; a sqlite connection is a single file.
func (s *sqlite) QualifyTable(_, table string) string {
	return s.QuoteIdentifier(table)
}

func (s *sqlite) Placeholder(int) string { return "?" }

func (s *sqlite) BuildPagedSelect(schema, table string, cols, pkCols []string, withCursor bool, limit int) string {
	return buildPagedSelect(s, schema, table, cols, pkCols, withCursor, limit)
}

func (s *sqlite) BuildInsert(schema, table string, cols []string) string {
	return buildInsert(s, schema, table, cols)
}

func (s *sqlite) BuildUpdate(schema, table string, cols, pkCols []string) string {
	return buildUpdate(s, schema, table, cols, pkCols)
}

func (s *sqlite) BuildDelete(schema, table string, pkCols []string) string {
	return buildDelete(s, schema, table, pkCols)
}

func (s *sqlite) ColumnsQuery(_, table string) (string, []interface{}) {
	query := `
		SELECT name,
		       type,
		       CASE "notnull" WHEN 0 THEN 'YES' ELSE 'NO' END,
		       dflt_value
		FROM pragma_table_info(?)
		ORDER BY cid`
	return query, []interface{}{table}
}

func (s *sqlite) PrimaryKeyQuery(_, table string) (string, []interface{}) {
	query := `
		SELECT name
		FROM pragma_table_info(?)
		WHERE pk > 0
		ORDER BY pk`
	return query, []interface{}{table}
}

func (s *sqlite) IndexesQuery(_, table string) (string, []interface{}) {
	query := `
		SELECT il.name,
		       ii.name,
		       il."unique",
		       CASE il.origin WHEN 'pk' THEN 1 ELSE 0 END
		FROM pragma_index_list(?) il
		JOIN pragma_index_info(il.name) ii
		ORDER BY il.name, ii.seqno`
	return query, []interface{}{table}
}

func (s *sqlite) ForeignKeysQuery(_, table string) (string, []interface{}) {
	// sqlite has no FK names; synthesize one from the list position.
	query := `
		SELECT 'fk_' || id,
		       "from",
		       "table",
		       "to",
		       on_delete,
		       on_update
		FROM pragma_foreign_key_list(?)
		ORDER BY id, seq`
	return query, []interface{}{table}
}

func (s *sqlite) NormalizeType(raw string) string {
	return normalizeType(sqliteTypeAliases, raw)
}
