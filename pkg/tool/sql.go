package tool

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// normalizeSQLValue converts driver values into shapes that survive the
// JSON round-trip through event payloads and stay usable in expressions.
func normalizeSQLValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return v
	}
}

// scanSQLRows drains a database/sql result set into a list of
// column-keyed maps.
func scanSQLRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeSQLValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// runSQLCommand executes one statement over database/sql. Statements
// that return no result set report the affected row count instead.
func runSQLCommand(ctx context.Context, db *sql.DB, query string) (map[string]any, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return map[string]any{"row_count": 0}, rows.Err()
	}
	scanned, err := scanSQLRows(rows)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rows": scanned, "row_count": len(scanned)}, nil
}
