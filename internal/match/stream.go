package match

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/koltyakov/groupsync/internal/dialect"
	"github.com/koltyakov/groupsync/internal/syncerr"
)

// Row is one table row keyed by column name.
type Row map[string]interface{}

// Key extracts the primary-key tuple of a row in column order.
func (r Row) Key(pkCols []string) []interface{} {
	key := make([]interface{}, len(pkCols))
	for i, col := range pkCols {
		key[i] = r[col]
	}
	return key
}

// Stream pages rows from one connection ordered ascending by the primary-key
// tuple. Each page is re-queried with a row-value cursor predicate so neither
// side is ever materialized in full.
type Stream struct {
	db           *sql.DB
	dialect      dialect.Dialect
	connectionID string
	schema       string
	table        string
	cols         []string
	pkCols       []string
	batchSize    int

	cursor []interface{} // PK tuple of the last row handed out
	buf    []Row
	pos    int
	eof    bool
}

// NewStream creates a stream starting after the given cursor. A nil cursor
// starts from the beginning of the table.
func NewStream(db *sql.DB, d dialect.Dialect, connectionID, schema, table string,
	cols, pkCols []string, batchSize int, cursor []interface{}) *Stream {
	return &Stream{
		db:           db,
		dialect:      d,
		connectionID: connectionID,
		schema:       schema,
		table:        table,
		cols:         cols,
		pkCols:       pkCols,
		batchSize:    batchSize,
		cursor:       cursor,
	}
}

// Next returns the next row in key order, or (nil, nil) once the stream is
// exhausted.
func (s *Stream) Next(ctx context.Context) (Row, error) {
	if s.pos >= len(s.buf) {
		if s.eof {
			return nil, nil
		}
		if err := s.fetchPage(ctx); err != nil {
			return nil, err
		}
		if len(s.buf) == 0 {
			return nil, nil
		}
	}
	row := s.buf[s.pos]
	s.pos++
	s.cursor = row.Key(s.pkCols)
	return row, nil
}

func (s *Stream) fetchPage(ctx context.Context) error {
	query := s.dialect.BuildPagedSelect(s.schema, s.table, s.cols, s.pkCols, s.cursor != nil, s.batchSize)
	rows, err := s.db.QueryContext(ctx, query, s.cursor...)
	if err != nil {
		return &syncerr.ConnectivityError{ConnectionID: s.connectionID, Err: err}
	}
	defer rows.Close()

	s.buf = s.buf[:0]
	s.pos = 0
	for rows.Next() {
		values := make([]interface{}, len(s.cols))
		scanArgs := make([]interface{}, len(s.cols))
		for i := range values {
			scanArgs[i] = &values[i]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return fmt.Errorf("failed to scan row from %s: %w", s.table, err)
		}
		row := make(Row, len(s.cols))
		for i, col := range s.cols {
			row[col] = values[i]
		}
		s.buf = append(s.buf, row)
	}
	if err := rows.Err(); err != nil {
		return &syncerr.ConnectivityError{ConnectionID: s.connectionID, Err: err}
	}
	if len(s.buf) < s.batchSize {
		s.eof = true
	}
	return nil
}

// EncodeCursor serializes a primary-key cursor for persistence on the run.
func EncodeCursor(key []interface{}) (string, error) {
	if key == nil {
		return "", nil
	}
	// Byte slices would serialize as base64; store their string form so the
	// cursor survives a round trip into a bind parameter.
	normalized := make([]interface{}, len(key))
	for i, v := range key {
		if b, ok := v.([]byte); ok {
			normalized[i] = string(b)
		} else {
			normalized[i] = v
		}
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	return string(data), nil
}

// DecodeCursor restores a cursor previously produced by EncodeCursor. An
// empty string decodes to nil (start from the beginning).
func DecodeCursor(encoded string) ([]interface{}, error) {
	if encoded == "" {
		return nil, nil
	}
	var key []interface{}
	if err := json.Unmarshal([]byte(encoded), &key); err != nil {
		return nil, fmt.Errorf("failed to decode cursor %q: %w", encoded, err)
	}
	return key, nil
}
