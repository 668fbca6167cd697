// Package memory implements an in-process record store.
//
// The memory store has no transactions. It implements store.Batcher, so the
// orchestrator drives it with compensating writes. Rows are cloned on the way
// in and out; callers never share structure with stored rows.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/selector"
	"github.com/roach88/rowhooks/internal/store"
)

var _ store.Batcher = (*Store)(nil)

// Store keeps rows per table in insertion order.
//
// Thread-safety: Store is safe for concurrent use. Each call is atomic on
// its own; a BatchExecute is applied all-or-nothing.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*tableData
}

type tableData struct {
	table *schema.Table
	rows  []record.Row
}

// New creates an empty store.
func New() *Store {
	return &Store{tables: make(map[string]*tableData)}
}

// InsertRows appends rows and returns them as stored: every declared column
// is present, missing ones as Null.
func (s *Store) InsertRows(ctx context.Context, t *schema.Table, rows ...record.Row) ([]record.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.stage()
	out, err := staged.insert(t, rows)
	if err != nil {
		return nil, err
	}
	s.tables = staged.tables
	return out, nil
}

// UpdateRows applies patch to every row matching sel.
func (s *Store) UpdateRows(ctx context.Context, t *schema.Table, sel selector.Predicate, patch record.Row) ([]record.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.stage()
	out, err := staged.update(t, sel, patch)
	if err != nil {
		return nil, err
	}
	s.tables = staged.tables
	return out, nil
}

// DeleteRows removes every row matching sel.
func (s *Store) DeleteRows(ctx context.Context, t *schema.Table, sel selector.Predicate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.stage()
	staged.delete(t, sel)
	s.tables = staged.tables
	return nil
}

// SelectOne returns the first row matching sel in insertion order.
func (s *Store) SelectOne(ctx context.Context, t *schema.Table, sel selector.Predicate) (record.Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	td, ok := s.tables[t.Identity()]
	if !ok {
		return nil, false, nil
	}
	for _, row := range td.rows {
		if selector.Match(sel, row) {
			return record.CloneObject(row), true, nil
		}
	}
	return nil, false, nil
}

// SelectRows returns every row matching sel in insertion order.
func (s *Store) SelectRows(ctx context.Context, t *schema.Table, sel selector.Predicate) ([]record.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	td, ok := s.tables[t.Identity()]
	if !ok {
		return nil, nil
	}
	var out []record.Row
	for _, row := range td.rows {
		if selector.Match(sel, row) {
			out = append(out, record.CloneObject(row))
		}
	}
	return out, nil
}

// BatchExecute applies ops in order. If any op fails none of them take
// effect.
func (s *Store) BatchExecute(ctx context.Context, ops []store.Op) ([]record.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.stage()
	var out []record.Row
	for i, op := range ops {
		var (
			rows []record.Row
			err  error
		)
		switch op.Kind {
		case store.OpInsert:
			rows, err = staged.insert(op.Table, op.Rows)
		case store.OpUpdate:
			rows, err = staged.update(op.Table, op.Selector, op.Patch)
		case store.OpDelete:
			staged.delete(op.Table, op.Selector)
		default:
			err = fmt.Errorf("unknown op kind %q", op.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("batch op %d: %w", i, err)
		}
		out = append(out, rows...)
	}
	s.tables = staged.tables
	return out, nil
}

// Snapshot returns a copy of every row of t in insertion order.
func (s *Store) Snapshot(t *schema.Table) []record.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	td, ok := s.tables[t.Identity()]
	if !ok {
		return nil
	}
	out := make([]record.Row, len(td.rows))
	for i, row := range td.rows {
		out[i] = record.CloneObject(row)
	}
	return out
}

// Count returns the number of rows stored for t.
func (s *Store) Count(t *schema.Table) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if td, ok := s.tables[t.Identity()]; ok {
		return len(td.rows)
	}
	return 0
}

// staging is a copy-on-write view of the table map. Row slices are copied
// per table on first write; rows themselves are replaced, never mutated.
type staging struct {
	tables map[string]*tableData
	copied map[string]bool
}

func (s *Store) stage() *staging {
	tables := make(map[string]*tableData, len(s.tables))
	for k, v := range s.tables {
		tables[k] = v
	}
	return &staging{tables: tables, copied: make(map[string]bool)}
}

func (st *staging) table(t *schema.Table) *tableData {
	id := t.Identity()
	td, ok := st.tables[id]
	if !ok {
		td = &tableData{table: t}
		st.tables[id] = td
		st.copied[id] = true
		return td
	}
	if !st.copied[id] {
		td = &tableData{table: td.table, rows: append([]record.Row(nil), td.rows...)}
		st.tables[id] = td
		st.copied[id] = true
	}
	return td
}

func (st *staging) insert(t *schema.Table, rows []record.Row) ([]record.Row, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert %s: no rows", t.QualifiedName())
	}
	td := st.table(t)
	keyFields := primaryKeyFields(t)

	out := make([]record.Row, 0, len(rows))
	for i, in := range rows {
		row, err := normalize(t, in)
		if err != nil {
			return nil, fmt.Errorf("insert %s: row %d: %w", t.QualifiedName(), i, err)
		}
		if len(keyFields) > 0 {
			for _, existing := range td.rows {
				if sameKey(keyFields, existing, row) {
					return nil, fmt.Errorf("insert %s: row %d: %w", t.QualifiedName(), i, store.ErrDuplicateKey)
				}
			}
		}
		td.rows = append(td.rows, row)
		out = append(out, record.CloneObject(row))
	}
	return out, nil
}

func (st *staging) update(t *schema.Table, sel selector.Predicate, patch record.Row) ([]record.Row, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("update %s: empty patch", t.QualifiedName())
	}
	for field := range patch {
		if _, ok := t.ColumnForField(field); !ok {
			return nil, fmt.Errorf("update %s: unknown field %q", t.QualifiedName(), field)
		}
	}

	td := st.table(t)
	keyFields := primaryKeyFields(t)

	var out []record.Row
	for i, row := range td.rows {
		if !selector.Match(sel, row) {
			continue
		}
		next := record.CloneObject(row)
		for k, v := range patch {
			next[k] = record.Clone(v)
		}
		if len(keyFields) > 0 {
			for j, other := range td.rows {
				if j != i && sameKey(keyFields, other, next) {
					return nil, fmt.Errorf("update %s: %w", t.QualifiedName(), store.ErrDuplicateKey)
				}
			}
		}
		td.rows[i] = next
		out = append(out, record.CloneObject(next))
	}
	return out, nil
}

func (st *staging) delete(t *schema.Table, sel selector.Predicate) {
	td := st.table(t)
	kept := td.rows[:0:0]
	for _, row := range td.rows {
		if !selector.Match(sel, row) {
			kept = append(kept, row)
		}
	}
	td.rows = kept
}

// normalize clones in and fills every declared column, rejecting unknown
// fields.
func normalize(t *schema.Table, in record.Row) (record.Row, error) {
	for field := range in {
		if _, ok := t.ColumnForField(field); !ok {
			return nil, fmt.Errorf("unknown field %q", field)
		}
	}
	row := make(record.Row, len(t.Columns))
	for _, col := range t.Columns {
		if v, ok := in[col.FieldName()]; ok {
			row[col.FieldName()] = record.Clone(v)
		} else {
			row[col.FieldName()] = record.Null{}
		}
	}
	return row, nil
}

func primaryKeyFields(t *schema.Table) []string {
	var fields []string
	for _, ref := range t.DeclaredPrimaryKey() {
		if ref.Field != "" {
			fields = append(fields, ref.Field)
		}
	}
	return fields
}

func sameKey(fields []string, a, b record.Row) bool {
	for _, f := range fields {
		if !record.Equal(a[f], b[f]) {
			return false
		}
	}
	return true
}
