// Package schema describes the tables rowhooks mutates.
//
// A Table is a descriptor, not a live handle: it names the table, lists its
// columns and the row fields they map to, and declares the primary key. The
// orchestrator routes hooks by Table.Identity and the key resolver reads the
// introspection methods.
package schema

import (
	"fmt"
	"sync"

	"github.com/roach88/rowhooks/internal/record"
)

// ColumnType is the storage type of a column.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeInteger   ColumnType = "integer"
	TypeReal      ColumnType = "real"
	TypeBoolean   ColumnType = "boolean"
	TypeJSON      ColumnType = "json"
	TypeBlob      ColumnType = "blob"
	TypeTimestamp ColumnType = "timestamp"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeText, TypeInteger, TypeReal, TypeBoolean, TypeJSON, TypeBlob, TypeTimestamp:
		return true
	}
	return false
}

// Column is one column of a table.
type Column struct {
	// Name is the column name in the store.
	Name string
	// Field is the row field mapped to the column. Empty means Name.
	Field string
	Type  ColumnType
}

// FieldName returns the row field for the column.
func (c Column) FieldName() string {
	if c.Field == "" {
		return c.Name
	}
	return c.Field
}

// ColumnRef is the introspection view of a column.
// Field is empty when a declared primary-key column has no matching column.
type ColumnRef struct {
	Column string
	Field  string
	Type   ColumnType
}

// Table is a table descriptor.
//
// Tables are used by pointer: Identity is computed once and cached, so a
// descriptor must not be modified after its first use.
type Table struct {
	Namespace  string
	Name       string
	Columns    []Column
	PrimaryKey []string

	identityOnce sync.Once
	identity     string
}

// QualifiedName returns "namespace.name", or just the name without a namespace.
func (t *Table) QualifiedName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// String implements fmt.Stringer.
func (t *Table) String() string {
	return t.QualifiedName()
}

// Identity returns the stable routing identity of the descriptor.
//
// The identity is a domain-separated hash of the descriptor's canonical form.
// Two descriptors with the same namespace, name, columns and primary key have
// the same identity.
func (t *Table) Identity() string {
	t.identityOnce.Do(func() {
		fp, err := record.Fingerprint(record.DomainTable, t.canonical())
		if err != nil {
			// canonical() only produces strings and arrays of strings.
			panic(fmt.Sprintf("schema: table identity: %v", err))
		}
		t.identity = fp
	})
	return t.identity
}

func (t *Table) canonical() record.Object {
	cols := make(record.Array, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = record.Object{
			"name":  record.String(c.Name),
			"field": record.String(c.FieldName()),
			"type":  record.String(string(c.Type)),
		}
	}
	pk := make(record.Array, len(t.PrimaryKey))
	for i, name := range t.PrimaryKey {
		pk[i] = record.String(name)
	}
	return record.Object{
		"namespace":   record.String(t.Namespace),
		"name":        record.String(t.Name),
		"columns":     cols,
		"primary_key": pk,
	}
}

// Column returns the column with the given store name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnForField returns the column mapped to a row field.
func (t *Table) ColumnForField(field string) (Column, bool) {
	for _, c := range t.Columns {
		if c.FieldName() == field {
			return c, true
		}
	}
	return Column{}, false
}

// DeclaredPrimaryKey returns the declared primary-key columns in order.
// A declared name with no matching column yields a ColumnRef with an empty
// Field.
func (t *Table) DeclaredPrimaryKey() []ColumnRef {
	refs := make([]ColumnRef, 0, len(t.PrimaryKey))
	for _, name := range t.PrimaryKey {
		ref := ColumnRef{Column: name}
		if c, ok := t.Column(name); ok {
			ref.Field = c.FieldName()
			ref.Type = c.Type
		}
		refs = append(refs, ref)
	}
	return refs
}

// ColumnsByField maps every row field to its column.
func (t *Table) ColumnsByField() map[string]ColumnRef {
	out := make(map[string]ColumnRef, len(t.Columns))
	for _, c := range t.Columns {
		out[c.FieldName()] = ColumnRef{Column: c.Name, Field: c.FieldName(), Type: c.Type}
	}
	return out
}

// Validate checks the descriptor for structural errors.
func (t *Table) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("table name is required")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: at least one column is required", t.QualifiedName())
	}
	names := make(map[string]bool, len(t.Columns))
	fields := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("table %s: column name is required", t.QualifiedName())
		}
		if names[c.Name] {
			return fmt.Errorf("table %s: duplicate column %q", t.QualifiedName(), c.Name)
		}
		if fields[c.FieldName()] {
			return fmt.Errorf("table %s: duplicate field %q", t.QualifiedName(), c.FieldName())
		}
		if !c.Type.Valid() {
			return fmt.Errorf("table %s: column %q: unknown type %q", t.QualifiedName(), c.Name, c.Type)
		}
		names[c.Name] = true
		fields[c.FieldName()] = true
	}
	return nil
}
