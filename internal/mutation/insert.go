package mutation

import (
	"context"

	"github.com/roach88/rowhooks/internal/dispatch"
	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/store"
)

// Insert inserts payload into t.
//
// pre-insert handlers see a copy of payload as ev.Data and may rewrite or
// cancel it; the store receives ev.Data as left by the last handler.
// post-insert handlers see the persisted row.
func (m *Manager) Insert(ctx context.Context, t *schema.Table, payload record.Row) RowResponse {
	return m.InsertWithKey(ctx, t, "", payload)
}

// InsertWithKey is Insert with an explicit field identifying the new row,
// used when a cancelled insert has to be deleted again. An empty
// primaryField uses the declared primary key. Rows that shared the field's
// value before the insert are left as they were by the compensation.
func (m *Manager) InsertWithKey(ctx context.Context, t *schema.Table, primaryField string, payload record.Row) RowResponse {
	return run(ctx, m, opInsert, t, func(ctx context.Context, s store.Store, op *operation) (record.Row, *failure) {
		pre := op.emit(ctx, dispatch.PreInsert, &dispatch.Event{Data: cloneRow(payload)})
		if pre.Cancelled() {
			return nil, op.cancelled(pre)
		}

		rows, err := s.InsertRows(ctx, t, pre.Data)
		if err != nil || len(rows) == 0 {
			return nil, op.storeFailed(err)
		}
		row := rows[0]
		op.undoInserts(ctx, s, primaryField, rows[:1])

		post := op.emit(ctx, dispatch.PostInsert, &dispatch.Event{Row: record.CloneObject(row)})
		if post.Cancelled() {
			return nil, op.cancelled(post)
		}
		return row, nil
	})
}

// InsertBatch inserts payloads with a single store call.
//
// Every payload passes its pre-insert hooks before anything is written; one
// cancellation stops the batch with no write. After the write each row gets
// its post-insert hooks, and a cancellation undoes every row of the batch
// when RollbackOnCancel is set. A transactional store that is going to roll
// back stops emitting at the first cancellation; otherwise every row gets
// its post-insert hooks before the outcome is settled.
func (m *Manager) InsertBatch(ctx context.Context, t *schema.Table, payloads []record.Row) RowsResponse {
	return run(ctx, m, opInsertBatch, t, func(ctx context.Context, s store.Store, op *operation) ([]record.Row, *failure) {
		if len(payloads) == 0 {
			return []record.Row{}, nil
		}

		data := make([]record.Row, 0, len(payloads))
		for _, p := range payloads {
			pre := op.emit(ctx, dispatch.PreInsert, &dispatch.Event{Data: cloneRow(p)})
			if pre.Cancelled() {
				return nil, op.cancelled(pre)
			}
			data = append(data, pre.Data)
		}

		rows, err := s.InsertRows(ctx, t, data...)
		op.undoInserts(ctx, s, "", rows)
		if err != nil || len(rows) != len(data) {
			return nil, op.storeFailed(err)
		}

		return rows, op.postEach(ctx, dispatch.PostInsert, rows)
	})
}

// postEach emits kind for every row and returns the first cancellation.
// It stops at that cancellation only when a transaction will be rolled
// back, since the rows are then never written.
func (op *operation) postEach(ctx context.Context, kind dispatch.Kind, rows []record.Row) *failure {
	var first *failure
	for _, r := range rows {
		ev := &dispatch.Event{Row: record.CloneObject(r)}
		if op.emit(ctx, kind, ev).Cancelled() && first == nil {
			first = op.cancelled(ev)
			if op.m.tx != nil && !first.keep {
				break
			}
		}
	}
	return first
}
