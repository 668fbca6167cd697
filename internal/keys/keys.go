// Package keys resolves the primary-key fields of a table and builds the
// selectors that target a single row.
package keys

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/selector"
)

// ErrorCode categorizes resolver errors.
type ErrorCode string

const (
	// ErrCodeNoPrimaryKey indicates the table declares no primary key.
	ErrCodeNoPrimaryKey ErrorCode = "NO_PRIMARY_KEY"

	// ErrCodeUnresolvedPrimaryKey indicates the declared key maps to no row
	// field, or a bare value was given for a composite key.
	ErrCodeUnresolvedPrimaryKey ErrorCode = "UNRESOLVED_PRIMARY_KEY"

	// ErrCodeMissingKeyField indicates a partial row lacks key fields.
	ErrCodeMissingKeyField ErrorCode = "MISSING_KEY_FIELD"
)

// Fixed messages surfaced to callers.
const (
	MsgNoPrimaryKey         = "No primary key is defined for this table."
	MsgUnresolvedPrimaryKey = "Unable to resolve primary key columns for this table."
)

// Error is a key resolution or selector construction failure.
type Error struct {
	Code    ErrorCode
	Message string
	// Fields lists the missing key fields for ErrCodeMissingKeyField.
	Fields []string
}

func (e *Error) Error() string {
	return e.Message
}

// IsError reports whether err is a *Error with the given code.
// Uses errors.As to handle wrapped errors.
func IsError(err error, code ErrorCode) bool {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Code == code
	}
	return false
}

// Introspector is the schema view the resolver needs. *schema.Table
// implements it.
type Introspector interface {
	DeclaredPrimaryKey() []schema.ColumnRef
	ColumnsByField() map[string]schema.ColumnRef
}

// Resolve returns the row fields that identify a row of table.
//
// A non-empty explicitField is trusted as-is and returned without consulting
// the schema. Otherwise the declared primary key is mapped to row fields,
// de-duplicated, in declared order. Declared columns that map to no known
// field are skipped; if none resolve the result is ErrCodeUnresolvedPrimaryKey.
func Resolve(table Introspector, explicitField string) ([]string, error) {
	if explicitField != "" {
		return []string{explicitField}, nil
	}

	declared := table.DeclaredPrimaryKey()
	if len(declared) == 0 {
		return nil, &Error{Code: ErrCodeNoPrimaryKey, Message: MsgNoPrimaryKey}
	}

	byColumn := make(map[string]string)
	for field, ref := range table.ColumnsByField() {
		byColumn[ref.Column] = field
	}

	var fields []string
	seen := make(map[string]bool, len(declared))
	for _, ref := range declared {
		field := ref.Field
		if field == "" {
			field = byColumn[ref.Column]
		}
		if field == "" || seen[field] {
			continue
		}
		seen[field] = true
		fields = append(fields, field)
	}

	if len(fields) == 0 {
		return nil, &Error{Code: ErrCodeUnresolvedPrimaryKey, Message: MsgUnresolvedPrimaryKey}
	}
	return fields, nil
}

// BuildSelector builds the equality selector for keys.
//
// With a single key, valueOrRow may be the bare key value or an Object that
// contains the key. Composite keys require an Object carrying every key
// field; a bare value cannot address a composite key and yields
// ErrCodeUnresolvedPrimaryKey. Missing fields yield ErrCodeMissingKeyField
// naming them.
func BuildSelector(keys []string, valueOrRow record.Value) (selector.Predicate, error) {
	if len(keys) == 0 {
		return nil, &Error{Code: ErrCodeNoPrimaryKey, Message: MsgNoPrimaryKey}
	}

	row, isRow := valueOrRow.(record.Object)

	if len(keys) == 1 {
		if isRow {
			v, ok := row[keys[0]]
			if !ok {
				return nil, missing(keys[:1])
			}
			return selector.Eq(keys[0], v), nil
		}
		return selector.Eq(keys[0], valueOrRow), nil
	}

	if !isRow {
		return nil, &Error{Code: ErrCodeUnresolvedPrimaryKey, Message: MsgUnresolvedPrimaryKey}
	}
	return SelectorForRow(keys, row)
}

// SelectorForRow builds the selector addressing row by its key fields.
func SelectorForRow(keys []string, row record.Object) (selector.Predicate, error) {
	if len(keys) == 0 {
		return nil, &Error{Code: ErrCodeNoPrimaryKey, Message: MsgNoPrimaryKey}
	}

	preds := make([]selector.Predicate, 0, len(keys))
	var absent []string
	for _, k := range keys {
		v, ok := row[k]
		if !ok {
			absent = append(absent, k)
			continue
		}
		preds = append(preds, selector.Eq(k, v))
	}
	if len(absent) > 0 {
		return nil, missing(absent)
	}
	return selector.All(preds...), nil
}

// KeyOf extracts the key fields of row as an Object.
func KeyOf(keys []string, row record.Object) record.Object {
	out := make(record.Object, len(keys))
	for _, k := range keys {
		if v, ok := row[k]; ok {
			out[k] = v
		}
	}
	return out
}

func missing(fields []string) *Error {
	return &Error{
		Code:    ErrCodeMissingKeyField,
		Message: fmt.Sprintf("Missing primary key field(s): %s.", strings.Join(fields, ", ")),
		Fields:  append([]string(nil), fields...),
	}
}
