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

// UpdateItem is one entry of UpdateBatch.
type UpdateItem struct {
	// Key is the key value, or an Object carrying every key field.
	Key  record.Value
	Data record.Row
}

// Update applies data to the row of t addressed by primaryValue.
//
// An empty primaryField uses the declared primary key. Key resolution
// failures are returned before the store is touched. pre-update handlers
// see a copy of data as ev.Data and the current row as ev.Previous. With
// MergeObjects, fields present in both the row and ev.Data are deep-merged
// before the write.
func (m *Manager) Update(ctx context.Context, t *schema.Table, primaryField string, primaryValue record.Value, data record.Row) RowResponse {
	ks, sel, err := target(t, primaryField, primaryValue)
	if err != nil {
		return rejected[record.Row](m, opUpdate, t, err)
	}
	return run(ctx, m, opUpdate, t, func(ctx context.Context, s store.Store, op *operation) (record.Row, *failure) {
		return op.updateOne(ctx, s, ks, sel, data)
	})
}

// UpdateBatch applies items in order under one operation. The first failing
// item stops the batch. With RollbackOnCancel every earlier item is undone
// too; without it earlier items stay written.
func (m *Manager) UpdateBatch(ctx context.Context, t *schema.Table, primaryField string, items []UpdateItem) RowsResponse {
	ks, sels, err := targets(t, primaryField, items)
	if err != nil {
		return rejected[[]record.Row](m, opUpdateBatch, t, err)
	}
	return run(ctx, m, opUpdateBatch, t, func(ctx context.Context, s store.Store, op *operation) ([]record.Row, *failure) {
		out := make([]record.Row, 0, len(items))
		for i, item := range items {
			row, f := op.updateOne(ctx, s, ks, sels[i], item.Data)
			if f != nil {
				return nil, f
			}
			out = append(out, row)
		}
		return out, nil
	})
}

func targets(t *schema.Table, primaryField string, items []UpdateItem) ([]string, []selector.Predicate, error) {
	ks, err := keys.Resolve(t, primaryField)
	if err != nil {
		return nil, nil, err
	}
	sels := make([]selector.Predicate, len(items))
	for i, item := range items {
		if sels[i], err = keys.BuildSelector(ks, item.Key); err != nil {
			return nil, nil, err
		}
	}
	return ks, sels, nil
}

func (op *operation) updateOne(ctx context.Context, s store.Store, ks []string, sel selector.Predicate, data record.Row) (record.Row, *failure) {
	old, f := op.load(ctx, s, sel)
	if f != nil {
		return nil, f
	}

	pre := op.emit(ctx, dispatch.PreUpdate, &dispatch.Event{
		Data:     cloneRow(data),
		Previous: record.CloneObject(old),
	})
	if pre.Cancelled() {
		return nil, op.cancelled(pre)
	}

	patch := op.mergePatch(old, pre.Data)
	rows, err := s.UpdateRows(ctx, op.table, sel, patch)
	if err != nil || len(rows) == 0 {
		return nil, op.storeFailed(err)
	}
	row := rows[0]
	op.undoUpdate(ks, row, old)

	post := op.emit(ctx, dispatch.PostUpdate, &dispatch.Event{
		Row:      record.CloneObject(row),
		Previous: record.CloneObject(old),
	})
	if post.Cancelled() {
		return nil, op.cancelled(post)
	}
	return row, nil
}
