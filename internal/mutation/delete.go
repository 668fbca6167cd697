package mutation

import (
	"context"

	"github.com/roach88/rowhooks/internal/dispatch"
	"github.com/roach88/rowhooks/internal/keys"
	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/selector"
	"github.com/roach88/rowhooks/internal/store"
)

// Delete removes the row of t addressed by primaryValue and returns it.
//
// pre-delete and post-delete handlers see the row as ev.Row. A post-delete
// cancellation re-inserts the row when RollbackOnCancel is set.
func (m *Manager) Delete(ctx context.Context, t *schema.Table, primaryField string, primaryValue record.Value) RowResponse {
	_, sel, err := target(t, primaryField, primaryValue)
	if err != nil {
		return rejected[record.Row](m, opDelete, t, err)
	}
	return run(ctx, m, opDelete, t, func(ctx context.Context, s store.Store, op *operation) (record.Row, *failure) {
		old, f := op.load(ctx, s, sel)
		if f != nil {
			return nil, f
		}

		pre := op.emit(ctx, dispatch.PreDelete, &dispatch.Event{Row: record.CloneObject(old)})
		if pre.Cancelled() {
			return nil, op.cancelled(pre)
		}

		if err := s.DeleteRows(ctx, t, sel); err != nil {
			return nil, op.storeFailed(err)
		}
		op.undoDelete(old)

		post := op.emit(ctx, dispatch.PostDelete, &dispatch.Event{Row: record.CloneObject(old)})
		if post.Cancelled() {
			return nil, op.cancelled(post)
		}
		return old, nil
	})
}

// DeleteBatch removes the rows addressed by values, all or nothing in the
// same way as InsertBatch. Values addressing the same row are deleted once.
// Every row must exist.
func (m *Manager) DeleteBatch(ctx context.Context, t *schema.Table, primaryField string, values []record.Value) RowsResponse {
	ks, err := keys.Resolve(t, primaryField)
	if err != nil {
		return rejected[[]record.Row](m, opDeleteBatch, t, err)
	}
	var sels []selector.Predicate
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		sel, err := keys.BuildSelector(ks, v)
		if err != nil {
			return rejected[[]record.Row](m, opDeleteBatch, t, err)
		}
		if seen[sel.String()] {
			continue
		}
		seen[sel.String()] = true
		sels = append(sels, sel)
	}

	return run(ctx, m, opDeleteBatch, t, func(ctx context.Context, s store.Store, op *operation) ([]record.Row, *failure) {
		olds := make([]record.Row, 0, len(sels))
		for _, sel := range sels {
			old, f := op.load(ctx, s, sel)
			if f != nil {
				return nil, f
			}
			olds = append(olds, old)
		}

		for _, old := range olds {
			pre := op.emit(ctx, dispatch.PreDelete, &dispatch.Event{Row: record.CloneObject(old)})
			if pre.Cancelled() {
				return nil, op.cancelled(pre)
			}
		}

		if f := op.deleteAll(ctx, s, sels, olds); f != nil {
			return nil, f
		}
		return olds, op.postEach(ctx, dispatch.PostDelete, olds)
	})
}

// deleteAll issues the deletes of a batch, in one call when s is a Batcher,
// and plans a re-insert for each row actually removed.
func (op *operation) deleteAll(ctx context.Context, s store.Store, sels []selector.Predicate, olds []record.Row) *failure {
	if _, ok := s.(store.Batcher); ok {
		ops := make([]store.Op, len(sels))
		for i, sel := range sels {
			ops[i] = store.DeleteOp(op.table, sel)
		}
		if _, err := store.ExecuteBatch(ctx, s, ops); err != nil {
			return op.storeFailed(err)
		}
		for _, old := range olds {
			op.undoDelete(old)
		}
		return nil
	}

	for i, sel := range sels {
		if err := s.DeleteRows(ctx, op.table, sel); err != nil {
			return op.storeFailed(err)
		}
		op.undoDelete(olds[i])
	}
	return nil
}
