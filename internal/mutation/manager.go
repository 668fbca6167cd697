package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/rowhooks/internal/config"
	"github.com/roach88/rowhooks/internal/dispatch"
	"github.com/roach88/rowhooks/internal/keys"
	"github.com/roach88/rowhooks/internal/merge"
	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/selector"
	"github.com/roach88/rowhooks/internal/store"
)

// errRollback aborts the surrounding transaction. It never leaves the
// package; run tells it apart from store errors with errors.Is.
var errRollback = errors.New("mutation: rollback requested")

// errShortResult is logged when a write succeeds but returns fewer rows than
// it was given.
var errShortResult = errors.New("store returned too few rows")

// Manager runs hooked mutations against a store.
//
// The rollback flavor is fixed at construction: transactional when the store
// implements store.Transactor, compensating otherwise. A Manager is safe for
// concurrent use; concurrent mutations of the same rows are not serialized.
//
// Handlers run while a transactional store holds its transaction open. A
// handler must not write through the same store, or it may block on the
// store's single connection.
type Manager struct {
	store      store.Store
	tx         store.Transactor
	cfg        config.Config
	dispatcher *dispatch.Dispatcher
	ids        IDGenerator
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithIDGenerator sets the operation ID generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) {
		m.ids = g
	}
}

// WithDispatcher shares a dispatcher between managers. Default: a new one.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(m *Manager) {
		m.dispatcher = d
	}
}

// New creates a Manager over st. cfg is copied; an ArrayStrategy that is
// not valid behaves like merge.Replace.
func New(st store.Store, cfg config.Config, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		cfg:    cfg,
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
	}
	if tx, ok := st.(store.Transactor); ok {
		m.tx = tx
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dispatcher == nil {
		m.dispatcher = dispatch.New(dispatch.WithLogger(m.logger))
	}
	return m
}

// Config returns the configuration the Manager was built with.
func (m *Manager) Config() config.Config {
	return m.cfg
}

// Transactional reports whether rollback uses store transactions.
func (m *Manager) Transactional() bool {
	return m.tx != nil
}

// Dispatcher returns the hook dispatcher.
func (m *Manager) Dispatcher() *dispatch.Dispatcher {
	return m.dispatcher
}

// Register adds a handler for kind events on t. Priority defaults to
// dispatch.Normal. Handlers for descriptors with the same Identity are
// shared.
func (m *Manager) Register(t *schema.Table, kind dispatch.Kind, h dispatch.Handler, priority ...dispatch.Priority) *dispatch.Registration {
	p := dispatch.Normal
	if len(priority) > 0 {
		p = priority[0]
	}
	return m.dispatcher.Register(routingKey(t, kind), h, p)
}

func routingKey(t *schema.Table, kind dispatch.Kind) dispatch.RoutingKey {
	return dispatch.RoutingKey{Table: t.Identity(), Kind: kind}
}

// opName names an orchestrated call in logs.
type opName string

const (
	opInsert      opName = "insert"
	opInsertBatch opName = "insert_batch"
	opUpdate      opName = "update"
	opUpdateBatch opName = "update_batch"
	opDelete      opName = "delete"
	opDeleteBatch opName = "delete_batch"
)

func (n opName) failMessage() string {
	switch n {
	case opInsert, opInsertBatch:
		return MsgInsertFailed
	case opUpdate, opUpdateBatch:
		return MsgUpdateFailed
	default:
		return MsgDeleteFailed
	}
}

// operation is the state of one orchestrated call.
type operation struct {
	m     *Manager
	id    string
	name  opName
	table *schema.Table
	log   *slog.Logger

	// undo holds compensating writes in the order their originals ran.
	undo []store.Op
	// planErr records compensations that could not be built.
	planErr error
}

func (m *Manager) begin(name opName, t *schema.Table) *operation {
	id := m.ids.Generate()
	return &operation{
		m:     m,
		id:    id,
		name:  name,
		table: t,
		log:   m.logger.With("operation", id, "op", string(name), "table", t.QualifiedName()),
	}
}

// body is the pre/write/post flow of one call, run against s.
type body[T any] func(ctx context.Context, s store.Store, op *operation) (T, *failure)

// run executes fn with the Manager's rollback flavor and maps the outcome to
// a Response.
func run[T any](ctx context.Context, m *Manager, name opName, t *schema.Table, fn body[T]) Response[T] {
	op := m.begin(name, t)

	var (
		data T
		f    *failure
	)

	if m.tx != nil {
		err := m.tx.RunInTransaction(ctx, func(ctx context.Context, tx store.Store) error {
			data, f = fn(ctx, tx, op)
			if f != nil && !f.keep {
				return errRollback
			}
			return nil
		})
		switch {
		case errors.Is(err, errRollback):
			op.log.Debug("transaction rolled back", "cause", f.String())
		case err != nil:
			op.log.Error("transaction failed", "error", err)
			f = &failure{kind: KindStore, message: name.failMessage()}
		}
	} else {
		data, f = fn(ctx, m.store, op)
		if f != nil && !f.keep && (len(op.undo) > 0 || op.planErr != nil) {
			if err := op.compensate(ctx, m.store); err != nil {
				op.log.Error("compensation failed", "cause", f.String(), "error", err)
				f = &failure{kind: KindRollbackFailed, message: f.message}
			} else {
				op.log.Debug("compensated", "cause", f.String(), "writes", len(op.undo))
			}
		}
	}

	if f != nil {
		op.log.Info("mutation failed", "kind", string(f.kind), "message", f.message)
		return failed[T](f)
	}
	op.log.Debug("mutation succeeded")
	return success(data)
}

// rejected is the Response for calls refused before any store access.
func rejected[T any](m *Manager, name opName, t *schema.Table, err error) Response[T] {
	msg := err.Error()
	var kerr *keys.Error
	if errors.As(err, &kerr) {
		msg = kerr.Message
	}
	m.logger.Debug("mutation rejected", "op", string(name), "table", t.QualifiedName(), "error", err)
	return Response[T]{Kind: KindValidation, Message: msg}
}

// target resolves the key fields of t and the selector for value.
func target(t *schema.Table, primaryField string, value record.Value) ([]string, selector.Predicate, error) {
	ks, err := keys.Resolve(t, primaryField)
	if err != nil {
		return nil, nil, err
	}
	sel, err := keys.BuildSelector(ks, value)
	if err != nil {
		return nil, nil, err
	}
	return ks, sel, nil
}

func (op *operation) emit(ctx context.Context, kind dispatch.Kind, ev *dispatch.Event) *dispatch.Event {
	ev.Kind = kind
	ev.Table = op.table.QualifiedName()
	ev.OperationID = op.id
	return op.m.dispatcher.Emit(ctx, routingKey(op.table, kind), ev)
}

// fail builds a failure. Writes already made are kept when RollbackOnCancel
// is off, except after a store error inside a transaction, which can no
// longer be committed safely.
func (op *operation) fail(kind ErrorKind, message string) *failure {
	keep := !op.m.cfg.RollbackOnCancel
	if kind == KindStore && op.m.tx != nil {
		keep = false
	}
	return &failure{kind: kind, message: message, keep: keep}
}

func (op *operation) cancelled(ev *dispatch.Event) *failure {
	op.log.Debug("cancelled by hook", "event", string(ev.Kind), "seq", ev.Seq, "reason", ev.Reason())
	return op.fail(KindCancelled, ev.Reason())
}

func (op *operation) storeFailed(err error) *failure {
	if err == nil {
		err = errShortResult
	}
	op.log.Error("store call failed", "error", err)
	return op.fail(KindStore, op.name.failMessage())
}

// load fetches the single row addressed by sel. A selector matching more
// than one row is refused before anything is written, so every write of an
// update or delete has exactly one snapshot to restore.
func (op *operation) load(ctx context.Context, s store.Store, sel selector.Predicate) (record.Row, *failure) {
	rows, err := s.SelectRows(ctx, op.table, sel)
	if err != nil {
		return nil, op.storeFailed(err)
	}
	switch len(rows) {
	case 0:
		return nil, op.fail(KindNotFound, MsgRowNotFound)
	case 1:
		return rows[0], nil
	default:
		op.log.Debug("key matches several rows", "selector", sel.String(), "rows", len(rows))
		return nil, op.fail(KindValidation, MsgAmbiguousKey)
	}
}

// mergePatch deep-merges patch fields over the same fields of old. Fields
// only in old are left out of the patch.
func (op *operation) mergePatch(old, patch record.Row) record.Row {
	if !op.m.cfg.MergeObjects {
		return patch
	}
	for field, prev := range old {
		if next, ok := patch[field]; ok {
			patch[field] = merge.Merge(prev, next, op.m.cfg.ArrayStrategy)
		}
	}
	return patch
}

// insertGroup is the inserted rows sharing one compensation selector.
type insertGroup struct {
	sel  selector.Predicate
	rows []record.Row
}

// undoInserts plans deleting rows just inserted into the table.
//
// Rows addressed by the declared primary key are deleted by key. Any other
// selector, an explicit field or every field of a keyless row, may also
// match rows that existed before the insert. Those are read back now and
// re-inserted after the delete.
func (op *operation) undoInserts(ctx context.Context, s store.Store, primaryField string, rows []record.Row) {
	ks, err := keys.Resolve(op.table, primaryField)
	unique := err == nil && primaryField == ""

	var groups []*insertGroup
	bySel := make(map[string]*insertGroup)
	for _, row := range rows {
		sel, err := keys.SelectorForRow(ks, row)
		if err == nil && unique {
			op.undo = append(op.undo, store.DeleteOp(op.table, sel))
			continue
		}
		if err != nil {
			if len(row) == 0 {
				op.planErr = errors.Join(op.planErr, fmt.Errorf("plan delete: %w", err))
				continue
			}
			sel = matchAll(row)
		}
		g, ok := bySel[sel.String()]
		if !ok {
			g = &insertGroup{sel: sel}
			bySel[sel.String()] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, row)
	}

	// A transaction rolls back without planned writes.
	if op.m.tx != nil {
		return
	}
	for _, g := range groups {
		matches, err := s.SelectRows(ctx, op.table, g.sel)
		if err != nil {
			op.planErr = errors.Join(op.planErr, fmt.Errorf("plan delete: %w", err))
			continue
		}
		// undo runs newest first: the delete, then the re-insert.
		if others := without(matches, g.rows); len(others) > 0 {
			op.undo = append(op.undo, store.InsertOp(op.table, others...))
		}
		op.undo = append(op.undo, store.DeleteOp(op.table, g.sel))
	}
}

// without returns rows minus one equal entry per element of drop.
func without(rows, drop []record.Row) []record.Row {
	used := make([]bool, len(rows))
	for _, d := range drop {
		for i, r := range rows {
			if !used[i] && record.Equal(r, d) {
				used[i] = true
				break
			}
		}
	}
	var out []record.Row
	for i, r := range rows {
		if !used[i] {
			out = append(out, r)
		}
	}
	return out
}

// undoUpdate plans restoring previous over the updated row.
func (op *operation) undoUpdate(ks []string, updated, previous record.Row) {
	sel, err := keys.SelectorForRow(ks, updated)
	if err != nil {
		op.planErr = errors.Join(op.planErr, fmt.Errorf("plan restore: %w", err))
		return
	}
	op.undo = append(op.undo, store.UpdateOp(op.table, sel, record.CloneObject(previous)))
}

// undoDelete plans re-inserting a deleted row.
func (op *operation) undoDelete(previous record.Row) {
	op.undo = append(op.undo, store.InsertOp(op.table, record.CloneObject(previous)))
}

// compensate applies the planned compensations newest first. A Batcher gets
// them in one call; if that fails, or the store cannot batch, each one is
// tried on its own and failures are collected.
func (op *operation) compensate(ctx context.Context, s store.Store) error {
	ops := make([]store.Op, len(op.undo))
	for i, o := range op.undo {
		ops[len(ops)-1-i] = o
	}

	if _, ok := s.(store.Batcher); ok {
		_, err := store.ExecuteBatch(ctx, s, ops)
		if err == nil {
			return op.planErr
		}
		op.log.Warn("batched compensation failed, retrying one at a time", "error", err)
	}

	errs := []error{op.planErr}
	for _, o := range ops {
		if _, err := store.Execute(ctx, s, []store.Op{o}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func matchAll(row record.Row) selector.Predicate {
	fields := row.SortedKeys()
	preds := make([]selector.Predicate, 0, len(fields))
	for _, f := range fields {
		preds = append(preds, selector.Eq(f, row[f]))
	}
	return selector.All(preds...)
}

// cloneRow copies a caller payload so hooks never alias it.
func cloneRow(r record.Row) record.Row {
	if r == nil {
		return record.Row{}
	}
	return record.CloneObject(r)
}
