// Package compiler turns CUE table definitions into schema descriptors.
//
// Tables live under a top-level "table" struct, one field per table:
//
//	table: users: {
//		namespace?: "app"
//		primary_key: ["id"]
//		columns: {
//			id:   "text"
//			name: {type: "text", field: "fullName"}
//			meta: "json"
//		}
//	}
//
// Columns keep their declaration order. A column is either a type name or a
// struct with type and an optional row field.
package compiler

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/rowhooks/internal/schema"
)

// CompileTables compiles every table under root's "table" field, in
// declaration order. A missing field yields no tables.
func CompileTables(root cue.Value) ([]*schema.Table, error) {
	if err := root.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	tablesVal := root.LookupPath(cue.ParsePath("table"))
	if !tablesVal.Exists() {
		return nil, nil
	}

	iter, err := tablesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var tables []*schema.Table
	seen := make(map[string]bool)
	for iter.Next() {
		t, err := CompileTable(iter.Value())
		if err != nil {
			return nil, err
		}
		if seen[t.QualifiedName()] {
			return nil, &CompileError{
				Field:   "table." + iter.Label(),
				Message: fmt.Sprintf("duplicate table %s", t.QualifiedName()),
				Pos:     iter.Value().Pos(),
			}
		}
		seen[t.QualifiedName()] = true
		tables = append(tables, t)
	}
	return tables, nil
}

// CompileTable parses one table struct. The table name is the struct's
// label, e.g. v = root.LookupPath(cue.ParsePath("table.users")).
func CompileTable(v cue.Value) (*schema.Table, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	t := &schema.Table{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		t.Name = labels[len(labels)-1].String()
	}
	field := "table." + t.Name

	if ns := v.LookupPath(cue.ParsePath("namespace")); ns.Exists() && ns.IsConcrete() {
		s, err := ns.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		t.Namespace = s
	}

	columns, err := parseColumns(v, field)
	if err != nil {
		return nil, err
	}
	t.Columns = columns

	pkVal := v.LookupPath(cue.ParsePath("primary_key"))
	if pkVal.Exists() {
		pk, err := parseStringList(pkVal)
		if err != nil {
			return nil, err
		}
		t.PrimaryKey = pk
	}

	if err := t.Validate(); err != nil {
		return nil, &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
	}
	return t, nil
}

func parseColumns(v cue.Value, field string) ([]schema.Column, error) {
	colsVal := v.LookupPath(cue.ParsePath("columns"))
	if !colsVal.Exists() {
		return nil, &CompileError{
			Field:   field + ".columns",
			Message: "columns are required",
			Pos:     v.Pos(),
		}
	}

	iter, err := colsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var columns []schema.Column
	for iter.Next() {
		col, err := parseColumn(iter.Label(), iter.Value(), field+".columns."+iter.Label())
		if err != nil {
			return nil, err
		}
		columns = append(columns, col)
	}
	return columns, nil
}

// parseColumn accepts "type" or {type: "type", field?: "name"}.
func parseColumn(name string, v cue.Value, field string) (schema.Column, error) {
	col := schema.Column{Name: name}

	switch v.IncompleteKind() {
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return col, formatCUEError(err)
		}
		col.Type = schema.ColumnType(s)
	case cue.StructKind:
		typeVal := v.LookupPath(cue.ParsePath("type"))
		if !typeVal.Exists() {
			return col, &CompileError{Field: field, Message: "column type is required", Pos: v.Pos()}
		}
		s, err := typeVal.String()
		if err != nil {
			return col, formatCUEError(err)
		}
		col.Type = schema.ColumnType(s)

		if fieldVal := v.LookupPath(cue.ParsePath("field")); fieldVal.Exists() {
			f, err := fieldVal.String()
			if err != nil {
				return col, formatCUEError(err)
			}
			col.Field = f
		}
	default:
		return col, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("column must be a type name or struct, got %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}

	if !col.Type.Valid() {
		return col, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("unknown column type %q", col.Type),
			Pos:     v.Pos(),
		}
	}
	return col, nil
}

func parseStringList(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}
