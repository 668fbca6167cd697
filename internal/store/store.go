package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/selector"
)

// Store is the narrow record-store contract the orchestrator consumes.
//
// InsertRows and UpdateRows return the rows as persisted (RETURNING *).
// UpdateRows returns an empty slice when the selector matches nothing.
// SelectOne reports found=false when no row matches. SelectRows returns
// every match, empty when there is none.
type Store interface {
	InsertRows(ctx context.Context, t *schema.Table, rows ...record.Row) ([]record.Row, error)
	UpdateRows(ctx context.Context, t *schema.Table, sel selector.Predicate, patch record.Row) ([]record.Row, error)
	DeleteRows(ctx context.Context, t *schema.Table, sel selector.Predicate) error
	SelectOne(ctx context.Context, t *schema.Table, sel selector.Predicate) (record.Row, bool, error)
	SelectRows(ctx context.Context, t *schema.Table, sel selector.Predicate) ([]record.Row, error)
}

// TxFunc runs inside a transaction. tx is scoped to the transaction and must
// not be used after the function returns.
type TxFunc func(ctx context.Context, tx Store) error

// Transactor is a Store with real transactions.
//
// RunInTransaction commits when fn returns nil and rolls back otherwise,
// returning fn's error unchanged so callers can match sentinel errors with
// errors.Is.
type Transactor interface {
	Store
	RunInTransaction(ctx context.Context, fn TxFunc) error
}

// OpKind is the kind of a batched operation.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is one statement of a batch.
type Op struct {
	Kind     OpKind
	Table    *schema.Table
	Rows     []record.Row       // OpInsert
	Selector selector.Predicate // OpUpdate, OpDelete
	Patch    record.Row         // OpUpdate
}

// InsertOp builds an insert operation.
func InsertOp(t *schema.Table, rows ...record.Row) Op {
	return Op{Kind: OpInsert, Table: t, Rows: rows}
}

// UpdateOp builds an update operation.
func UpdateOp(t *schema.Table, sel selector.Predicate, patch record.Row) Op {
	return Op{Kind: OpUpdate, Table: t, Selector: sel, Patch: patch}
}

// DeleteOp builds a delete operation.
func DeleteOp(t *schema.Table, sel selector.Predicate) Op {
	return Op{Kind: OpDelete, Table: t, Selector: sel}
}

// Batcher is a Store that can execute several statements in one round trip
// without offering full transactions.
//
// BatchExecute returns the rows produced by insert and update operations in
// operation order.
type Batcher interface {
	Store
	BatchExecute(ctx context.Context, ops []Op) ([]record.Row, error)
}

// Caps describes the optional capabilities of a store.
type Caps struct {
	Transactional bool
	Batch         bool
}

// Capabilities reports which optional interfaces s implements.
func Capabilities(s Store) Caps {
	_, tx := s.(Transactor)
	_, batch := s.(Batcher)
	return Caps{Transactional: tx, Batch: batch}
}

// ErrDuplicateKey is returned when an insert collides with an existing
// primary key. Adapters wrap it so callers can use errors.Is.
var ErrDuplicateKey = errors.New("duplicate primary key")

// Execute runs ops one at a time against s. It is the fallback used when a
// store is not a Batcher, and it stops at the first error.
func Execute(ctx context.Context, s Store, ops []Op) ([]record.Row, error) {
	var out []record.Row
	for i, op := range ops {
		rows, err := applyOp(ctx, s, op)
		if err != nil {
			return out, fmt.Errorf("op %d (%s %s): %w", i, op.Kind, tableName(op.Table), err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// ExecuteBatch uses BatchExecute when s is a Batcher and Execute otherwise.
func ExecuteBatch(ctx context.Context, s Store, ops []Op) ([]record.Row, error) {
	if b, ok := s.(Batcher); ok {
		return b.BatchExecute(ctx, ops)
	}
	return Execute(ctx, s, ops)
}

func applyOp(ctx context.Context, s Store, op Op) ([]record.Row, error) {
	switch op.Kind {
	case OpInsert:
		return s.InsertRows(ctx, op.Table, op.Rows...)
	case OpUpdate:
		return s.UpdateRows(ctx, op.Table, op.Selector, op.Patch)
	case OpDelete:
		return nil, s.DeleteRows(ctx, op.Table, op.Selector)
	default:
		return nil, fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

func tableName(t *schema.Table) string {
	if t == nil {
		return "<nil>"
	}
	return t.QualifiedName()
}
