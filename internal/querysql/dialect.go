package querysql

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
)

// Placeholder is the positional parameter style of a dialect.
type Placeholder int

const (
	// Question renders every parameter as "?" (SQLite).
	Question Placeholder = iota
	// Dollar renders parameters as "$1", "$2", ... (PostgreSQL).
	Dollar
)

// Dialect captures the differences between supported SQL backends.
type Dialect struct {
	Name        string
	Placeholder Placeholder

	// Namespaced reports whether the backend has real schemas. Without them
	// a namespaced table is stored as the single identifier "ns.name".
	Namespaced bool

	columnTypes map[schema.ColumnType]string
	timeAsText  bool
}

// SQLite is the dialect for mattn/go-sqlite3.
//
// Timestamps are stored as RFC 3339 text in UTC so they sort and compare
// lexically; JSON is stored as canonical JSON text.
var SQLite = Dialect{
	Name:        "sqlite",
	Placeholder: Question,
	columnTypes: map[schema.ColumnType]string{
		schema.TypeText:      "TEXT",
		schema.TypeInteger:   "INTEGER",
		schema.TypeReal:      "REAL",
		schema.TypeBoolean:   "BOOLEAN",
		schema.TypeJSON:      "TEXT",
		schema.TypeBlob:      "BLOB",
		schema.TypeTimestamp: "TEXT",
	},
	timeAsText: true,
}

// Postgres is the dialect for jackc/pgx.
var Postgres = Dialect{
	Name:        "postgres",
	Placeholder: Dollar,
	Namespaced:  true,
	columnTypes: map[schema.ColumnType]string{
		schema.TypeText:      "TEXT",
		schema.TypeInteger:   "BIGINT",
		schema.TypeReal:      "DOUBLE PRECISION",
		schema.TypeBoolean:   "BOOLEAN",
		schema.TypeJSON:      "JSONB",
		schema.TypeBlob:      "BYTEA",
		schema.TypeTimestamp: "TIMESTAMPTZ",
	},
}

// TableName returns the quoted, possibly qualified table name.
func (d Dialect) TableName(t *schema.Table) string {
	if t.Namespace != "" && d.Namespaced {
		return QuoteIdent(t.Namespace) + "." + QuoteIdent(t.Name)
	}
	return QuoteIdent(t.QualifiedName())
}

// ColumnType returns the declared SQL type for a column type.
func (d Dialect) ColumnType(t schema.ColumnType) string {
	if s, ok := d.columnTypes[t]; ok {
		return s
	}
	return "TEXT"
}

// Encode converts a record value to a driver parameter for col.
func (d Dialect) Encode(col schema.Column, v record.Value) (any, error) {
	if record.IsNull(v) {
		return nil, nil
	}

	switch col.Type {
	case schema.TypeJSON:
		data, err := record.MarshalCanonical(v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		return string(data), nil

	case schema.TypeTimestamp:
		if t, ok := v.(record.Time); ok {
			if d.timeAsText {
				return t.UTC().Format(time.RFC3339Nano), nil
			}
			return t.Time, nil
		}
	}

	switch v.(type) {
	case record.Array, record.Object:
		return nil, fmt.Errorf("column %q: %T requires a json column", col.Name, v)
	}
	return record.Native(v), nil
}

// Decode converts a driver value read from col to a record value.
func (d Dialect) Decode(col schema.Column, v any) (record.Value, error) {
	if v == nil {
		return record.Null{}, nil
	}

	switch col.Type {
	case schema.TypeJSON:
		switch raw := v.(type) {
		case string:
			return record.ParseJSON([]byte(raw))
		case []byte:
			return record.ParseJSON(raw)
		default:
			// pgx decodes jsonb itself; re-parse to keep integers integral.
			data, err := json.Marshal(raw)
			if err != nil {
				return nil, err
			}
			return record.ParseJSON(data)
		}

	case schema.TypeTimestamp:
		switch raw := v.(type) {
		case time.Time:
			return record.NewTime(raw), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, fmt.Errorf("parse timestamp %q: %w", raw, err)
			}
			return record.NewTime(t), nil
		case []byte:
			return d.Decode(col, string(raw))
		}

	case schema.TypeBoolean:
		switch raw := v.(type) {
		case bool:
			return record.Bool(raw), nil
		case int64:
			return record.Bool(raw != 0), nil
		}

	case schema.TypeReal:
		switch raw := v.(type) {
		case float64:
			return record.Float(raw), nil
		case int64:
			return record.Float(raw), nil
		}

	case schema.TypeText:
		if raw, ok := v.([]byte); ok {
			return record.String(raw), nil
		}
	}

	return record.From(v)
}
