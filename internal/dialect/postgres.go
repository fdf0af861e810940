package dialect

import (
	"fmt"
	"strings"
)

// postgres implements Dialect for PostgreSQL.
type postgres struct{}

func (p *postgres) Name() string { return "postgres" }

// QuoteIdentifier double-quotes names to preserve CamelCase identifiers.
func (p *postgres) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (p *postgres) QualifyTable(schema, table string) string {
	if schema == "" {
		schema = "public"
	}
	return p.QuoteIdentifier(schema) + "." + p.QuoteIdentifier(table)
}

func (p *postgres) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (p *postgres) BuildPagedSelect(schema, table string, cols, pkCols []string, withCursor bool, limit int) string {
	return buildPagedSelect(p, schema, table, cols, pkCols, withCursor, limit)
}

func (p *postgres) BuildInsert(schema, table string, cols []string) string {
	return buildInsert(p, schema, table, cols)
}

func (p *postgres) BuildUpdate(schema, table string, cols, pkCols []string) string {
	return buildUpdate(p, schema, table, cols, pkCols)
}

func (p *postgres) BuildDelete(schema, table string, pkCols []string) string {
	return buildDelete(p, schema, table, pkCols)
}

func (p *postgres) ColumnsQuery(schema, table string) (string, []interface{}) {
	query := `
		SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`
	return query, []interface{}{orPublic(schema), table}
}

func (p *postgres) PrimaryKeyQuery(schema, table string) (string, []interface{}) {
	query := `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)`
	return query, []interface{}{p.QualifyTable(schema, table)}
}

func (p *postgres) IndexesQuery(schema, table string) (string, []interface{}) {
	query := `
		SELECT c.relname,
		       a.attname,
		       CASE WHEN i.indisunique THEN 1 ELSE 0 END,
		       CASE WHEN i.indisprimary THEN 1 ELSE 0 END
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indexrelid
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass
		ORDER BY c.relname, array_position(i.indkey, a.attnum)`
	return query, []interface{}{p.QualifyTable(schema, table)}
}

func (p *postgres) ForeignKeysQuery(schema, table string) (string, []interface{}) {
	query := `
		SELECT tc.constraint_name,
		       kcu.column_name,
		       ccu.table_name,
		       ccu.column_name,
		       rc.delete_rule,
		       rc.update_rule
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
		JOIN information_schema.referential_constraints rc
		  ON rc.constraint_name = tc.constraint_name AND rc.constraint_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY tc.constraint_name, kcu.ordinal_position`
	return query, []interface{}{orPublic(schema), table}
}

func (p *postgres) NormalizeType(raw string) string {
	return normalizeType(postgresTypeAliases, raw)
}

func orPublic(schema string) string {
	if schema == "" {
		return "public"
	}
	return schema
}
