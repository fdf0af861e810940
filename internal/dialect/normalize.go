package dialect

import "strings"

// Type normalization is table-driven: each engine maps its spellings onto a
// canonical name so that e.g. "character varying(255)" and "varchar(255)"
// fingerprint identically. Length/precision suffixes are preserved.

var postgresTypeAliases = map[string]string{
	"character varying":           "varchar",
	"character":                   "char",
	"int4":                        "integer",
	"int":                         "integer",
	"int8":                        "bigint",
	"int2":                        "smallint",
	"serial":                      "integer",
	"bigserial":                   "bigint",
	"float8":                      "double precision",
	"float4":                      "real",
	"bool":                        "boolean",
	"timestamp without time zone": "timestamp",
	"timestamp with time zone":    "timestamptz",
	"time without time zone":      "time",
	"decimal":                     "numeric",
	"bytea":                       "blob",
}

var mysqlTypeAliases = map[string]string{
	"tinyint(1)": "boolean", // conventional boolean spelling
	"tinyint":    "smallint",
	"int":        "integer",
	"mediumint":  "integer",
	"double":     "double precision",
	"float":      "real",
	"bool":       "boolean",
	"datetime":   "timestamp",
	"dec":        "numeric",
	"decimal":    "numeric",
	"longtext":   "text",
	"mediumtext": "text",
	"tinytext":   "text",
	"longblob":   "blob",
	"mediumblob": "blob",
	"tinyblob":   "blob",
	"varbinary":  "blob",
	"binary":     "blob",
	"nvarchar":   "varchar",
	"nchar":      "char",
}

var sqliteTypeAliases = map[string]string{
	"int":               "integer",
	"tinyint":           "smallint",
	"mediumint":         "integer",
	"unsigned big int":  "bigint",
	"character varying": "varchar",
	"nvarchar":          "varchar",
	"nchar":             "char",
	"clob":              "text",
	"double":            "double precision",
	"float":             "real",
	"bool":              "boolean",
	"datetime":          "timestamp",
	"decimal":           "numeric",
}

// normalizeType lowercases the raw type, maps its base name through the
// alias table and keeps any (length) or (precision,scale) suffix.
func normalizeType(aliases map[string]string, raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	if t == "" {
		return t
	}

	// Whole-string aliases first (covers cases like tinyint(1)).
	if canonical, ok := aliases[t]; ok {
		return canonical
	}

	base := t
	suffix := ""
	if idx := strings.Index(t, "("); idx >= 0 {
		base = strings.TrimSpace(t[:idx])
		suffix = t[idx:]
	}
	if canonical, ok := aliases[base]; ok {
		return canonical + suffix
	}
	return base + suffix
}
