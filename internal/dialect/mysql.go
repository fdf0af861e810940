package dialect

import "strings"

// mysql implements Dialect for MySQL and MariaDB.
type mysql struct{}

func (m *mysql) Name() string { return "mysql" }

func (m *mysql) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (m *mysql) QualifyTable(schema, table string) string {
	if schema == "" {
		return m.QuoteIdentifier(table)
	}
	return m.QuoteIdentifier(schema) + "." + m.QuoteIdentifier(table)
}

func (m *mysql) Placeholder(int) string { return "?" }

func (m *mysql) BuildPagedSelect(schema, table string, cols, pkCols []string, withCursor bool, limit int) string {
	return buildPagedSelect(m, schema, table, cols, pkCols, withCursor, limit)
}

func (m *mysql) BuildInsert(schema, table string, cols []string) string {
	return buildInsert(m, schema, table, cols)
}

func (m *mysql) BuildUpdate(schema, table string, cols, pkCols []string) string {
	return buildUpdate(m, schema, table, cols, pkCols)
}

func (m *mysql) BuildDelete(schema, table string, pkCols []string) string {
	return buildDelete(m, schema, table, pkCols)
}

// schemaExpr falls back to the connection's current database when no schema
// is configured.
const mysqlSchemaExpr = "COALESCE(NULLIF(?, ''), DATABASE())"

func (m *mysql) ColumnsQuery(schema, table string) (string, []interface{}) {
	query := `
		SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, COLUMN_DEFAULT
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ` + mysqlSchemaExpr + ` AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`
	return query, []interface{}{schema, table}
}

func (m *mysql) PrimaryKeyQuery(schema, table string) (string, []interface{}) {
	query := `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ` + mysqlSchemaExpr + `
		  AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`
	return query, []interface{}{schema, table}
}

func (m *mysql) IndexesQuery(schema, table string) (string, []interface{}) {
	query := `
		SELECT INDEX_NAME,
		       COLUMN_NAME,
		       CASE WHEN NON_UNIQUE = 0 THEN 1 ELSE 0 END,
		       CASE WHEN INDEX_NAME = 'PRIMARY' THEN 1 ELSE 0 END
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = ` + mysqlSchemaExpr + ` AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX`
	return query, []interface{}{schema, table}
}

func (m *mysql) ForeignKeysQuery(schema, table string) (string, []interface{}) {
	query := `
		SELECT kcu.CONSTRAINT_NAME,
		       kcu.COLUMN_NAME,
		       kcu.REFERENCED_TABLE_NAME,
		       kcu.REFERENCED_COLUMN_NAME,
		       rc.DELETE_RULE,
		       rc.UPDATE_RULE
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
		JOIN INFORMATION_SCHEMA.REFERENTIAL_CONSTRAINTS rc
		  ON rc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
		 AND rc.CONSTRAINT_SCHEMA = kcu.TABLE_SCHEMA
		WHERE kcu.TABLE_SCHEMA = ` + mysqlSchemaExpr + `
		  AND kcu.TABLE_NAME = ? AND kcu.REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY kcu.CONSTRAINT_NAME, kcu.ORDINAL_POSITION`
	return query, []interface{}{schema, table}
}

func (m *mysql) NormalizeType(raw string) string {
	return normalizeType(mysqlTypeAliases, raw)
}
