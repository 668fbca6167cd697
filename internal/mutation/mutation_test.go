package mutation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowhooks/internal/config"
	"github.com/roach88/rowhooks/internal/dispatch"
	"github.com/roach88/rowhooks/internal/keys"
	"github.com/roach88/rowhooks/internal/querysql"
	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/selector"
	"github.com/roach88/rowhooks/internal/store"
	"github.com/roach88/rowhooks/internal/store/memory"
	"github.com/roach88/rowhooks/internal/store/sqlite"
	"github.com/roach88/rowhooks/internal/testutil"
)

// backend opens a fresh store holding tables.
type backend struct {
	name string
	open func(t *testing.T, tables ...*schema.Table) store.Store
}

var backends = []backend{
	{
		name: "memory",
		open: func(t *testing.T, tables ...*schema.Table) store.Store {
			return memory.New()
		},
	},
	{
		name: "sqlite",
		open: func(t *testing.T, tables ...*schema.Table) store.Store {
			return testutil.OpenSQLite(t, tables...)
		},
	},
}

func eachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b)
		})
	}
}

func newManager(st store.Store, cfg config.Config) *Manager {
	return New(st, cfg,
		WithLogger(testutil.DiscardLogger()),
		WithIDGenerator(NewSequenceGenerator("op")))
}

func countRows(t *testing.T, st store.Store, tbl *schema.Table) int {
	t.Helper()
	switch s := st.(type) {
	case *memory.Store:
		return s.Count(tbl)
	case *sqlite.Store:
		var n int
		err := s.DB().QueryRow("SELECT COUNT(*) FROM " + querysql.QuoteIdent(tbl.Name)).Scan(&n)
		require.NoError(t, err)
		return n
	default:
		t.Fatalf("cannot count rows of %T", st)
		return 0
	}
}

func selectUser(t *testing.T, st store.Store, id string) (record.Row, bool) {
	t.Helper()
	row, found, err := st.SelectOne(context.Background(), testutil.UsersTable(), selector.Eq("id", record.String(id)))
	require.NoError(t, err)
	return row, found
}

func user(id, name string) record.Row {
	return record.Row{"id": record.String(id), "name": record.String(name)}
}

func seed(t *testing.T, st store.Store, tbl *schema.Table, rows ...record.Row) {
	t.Helper()
	_, err := st.InsertRows(context.Background(), tbl, rows...)
	require.NoError(t, err)
}

func cancelWhen(field string, value record.Value, reason string) dispatch.Handler {
	return func(ctx context.Context, ev *dispatch.Event) {
		row := ev.Row
		if row == nil {
			row = ev.Data
		}
		if record.Equal(row[field], value) {
			ev.Cancel(reason)
		}
	}
}

func cancelAlways(reason string) dispatch.Handler {
	return func(ctx context.Context, ev *dispatch.Event) {
		ev.Cancel(reason)
	}
}

func TestFlavorFollowsCapabilities(t *testing.T) {
	assert.False(t, newManager(memory.New(), config.Default()).Transactional())
	assert.True(t, newManager(testutil.OpenSQLite(t), config.Default()).Transactional())
	assert.False(t, newManager(testutil.NewFaultyStore(memory.New()), config.Default()).Transactional())
}

func TestInsertPreHookMutationIsPersisted(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		m := newManager(st, config.Default())

		m.Register(tbl, dispatch.PreInsert, func(ctx context.Context, ev *dispatch.Event) {
			ev.Data["name"] = record.String("ALICE")
		})
		var posted record.Row
		m.Register(tbl, dispatch.PostInsert, func(ctx context.Context, ev *dispatch.Event) {
			posted = ev.Row
		})

		payload := user("u1", "alice")
		resp := m.Insert(context.Background(), tbl, payload)
		require.True(t, resp.OK, resp.Message)

		assert.Equal(t, record.String("ALICE"), resp.Data["name"])
		assert.Equal(t, record.String("ALICE"), posted["name"])
		assert.Equal(t, record.String("alice"), payload["name"], "caller payload is not mutated")

		row, found := selectUser(t, st, "u1")
		require.True(t, found)
		assert.Equal(t, record.String("ALICE"), row["name"])
	})
}

func TestInsertPreCancelWritesNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		m := newManager(st, config.Default())

		m.Register(tbl, dispatch.PreInsert, cancelAlways("stop"))
		postCalls := 0
		m.Register(tbl, dispatch.PostInsert, func(ctx context.Context, ev *dispatch.Event) { postCalls++ })

		resp := m.Insert(context.Background(), tbl, user("u1", "alice"))
		assert.Equal(t, RowResponse{Message: "stop", Kind: KindCancelled}, resp)
		assert.Equal(t, 0, countRows(t, st, tbl))
		assert.Zero(t, postCalls)
	})
}

func TestInsertPostCancelRollsBack(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		m := newManager(st, config.Default())
		m.Register(tbl, dispatch.PostInsert, cancelAlways("audit refused"))

		resp := m.Insert(context.Background(), tbl, user("u1", "alice"))
		assert.False(t, resp.OK)
		assert.Equal(t, KindCancelled, resp.Kind)
		assert.Equal(t, "audit refused", resp.Message)
		assert.Equal(t, 0, countRows(t, st, tbl))
	})
}

func TestInsertPostCancelWithoutRollbackKeepsRow(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		cfg := config.Default()
		cfg.RollbackOnCancel = false
		m := newManager(st, cfg)
		m.Register(tbl, dispatch.PostInsert, cancelAlways("too late"))

		resp := m.Insert(context.Background(), tbl, user("u1", "alice"))
		assert.Equal(t, KindCancelled, resp.Kind)
		assert.Equal(t, 1, countRows(t, st, tbl))
	})
}

func TestInsertWithoutPrimaryKeyCompensatesOnWholeRow(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.LogTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, record.Row{"line": record.String("keep me"), "level": record.String("info")})

		m := newManager(st, config.Default())
		m.Register(tbl, dispatch.PostInsert, cancelAlways("no"))

		resp := m.Insert(context.Background(), tbl, record.Row{"line": record.String("drop me")})
		assert.Equal(t, KindCancelled, resp.Kind)
		assert.Equal(t, 1, countRows(t, st, tbl))
	})
}

func logLine(line, level string) record.Row {
	return record.Row{"line": record.String(line), "level": record.String(level)}
}

func selectRows(t *testing.T, st store.Store, tbl *schema.Table, sel selector.Predicate) []record.Row {
	t.Helper()
	rows, err := st.SelectRows(context.Background(), tbl, sel)
	require.NoError(t, err)
	return rows
}

func TestInsertWithoutPrimaryKeyKeepsIdenticalRow(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.LogTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, logLine("a", "info"))

		m := newManager(st, config.Default())
		m.Register(tbl, dispatch.PostInsert, cancelAlways("no"))

		resp := m.Insert(context.Background(), tbl, logLine("a", "info"))
		assert.Equal(t, RowResponse{Message: "no", Kind: KindCancelled}, resp)
		assert.Len(t, selectRows(t, st, tbl, selector.Eq("line", record.String("a"))), 1)
	})
}

func TestInsertBatchWithoutPrimaryKeyKeepsIdenticalRows(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.LogTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, logLine("a", "info"), logLine("a", "info"), logLine("z", "warn"))

		m := newManager(st, config.Default())
		m.Register(tbl, dispatch.PostInsert, cancelWhen("line", record.String("b"), "no b"))

		resp := m.InsertBatch(context.Background(), tbl, []record.Row{
			logLine("a", "info"), logLine("b", "info"), logLine("a", "info"),
		})
		assert.Equal(t, "no b", resp.Message)
		assert.Equal(t, 3, countRows(t, st, tbl))
		assert.Len(t, selectRows(t, st, tbl, selector.Eq("line", record.String("a"))), 2)
		assert.Empty(t, selectRows(t, st, tbl, selector.Eq("line", record.String("b"))))
	})
}

func TestInsertWithNonUniqueKeyKeepsOtherRows(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, user("u1", "ann"))

		m := newManager(st, config.Default())
		m.Register(tbl, dispatch.PostInsert, cancelAlways("no"))

		resp := m.InsertWithKey(context.Background(), tbl, "name", user("u2", "ann"))
		assert.Equal(t, KindCancelled, resp.Kind)

		u1, found := selectUser(t, st, "u1")
		require.True(t, found, "the row sharing the key field survives")
		assert.Equal(t, record.String("ann"), u1["name"])
		_, found = selectUser(t, st, "u2")
		assert.False(t, found)
	})
}

func TestInsertBatchPostCancelRollsBackWholeBatch(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		m := newManager(st, config.Default())

		postCalls := 0
		m.Register(tbl, dispatch.PostInsert, func(ctx context.Context, ev *dispatch.Event) { postCalls++ })
		m.Register(tbl, dispatch.PostInsert, cancelWhen("id", record.String("u2"), "u2 rejected"))

		resp := m.InsertBatch(context.Background(), tbl, []record.Row{
			user("u1", "ann"), user("u2", "bob"), user("u3", "cy"),
		})
		assert.False(t, resp.OK)
		assert.Equal(t, "u2 rejected", resp.Message)
		assert.Nil(t, resp.Data)
		assert.Equal(t, 0, countRows(t, st, tbl))

		if m.Transactional() {
			assert.Equal(t, 2, postCalls, "transactional batches stop at the first cancellation")
		} else {
			assert.Equal(t, 3, postCalls, "compensating batches emit for every row")
		}
	})
}

func TestInsertBatchWithoutRollbackRunsEveryPostHook(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		cfg := config.Default()
		cfg.RollbackOnCancel = false
		m := newManager(st, cfg)

		var seen []record.Value
		m.Register(tbl, dispatch.PostInsert, func(ctx context.Context, ev *dispatch.Event) { seen = append(seen, ev.Row["id"]) })
		m.Register(tbl, dispatch.PostInsert, cancelWhen("id", record.String("u2"), "u2 rejected"))

		resp := m.InsertBatch(context.Background(), tbl, []record.Row{
			user("u1", "ann"), user("u2", "bob"), user("u3", "cy"),
		})
		assert.Equal(t, RowsResponse{Message: "u2 rejected", Kind: KindCancelled}, resp)
		assert.Equal(t, []record.Value{record.String("u1"), record.String("u2"), record.String("u3")}, seen)
		assert.Equal(t, 3, countRows(t, st, tbl))
	})
}

func TestInsertBatchPreCancelWritesNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		m := newManager(st, config.Default())
		m.Register(tbl, dispatch.PreInsert, cancelWhen("id", record.String("u3"), "no u3"))

		resp := m.InsertBatch(context.Background(), tbl, []record.Row{
			user("u1", "ann"), user("u2", "bob"), user("u3", "cy"),
		})
		assert.Equal(t, KindCancelled, resp.Kind)
		assert.Equal(t, 0, countRows(t, st, tbl))
	})
}

func TestInsertBatchSuccess(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		m := newManager(st, config.Default())

		var ops []string
		m.Register(tbl, dispatch.PostInsert, func(ctx context.Context, ev *dispatch.Event) {
			ops = append(ops, ev.OperationID)
		})

		resp := m.InsertBatch(context.Background(), tbl, []record.Row{user("u1", "ann"), user("u2", "bob")})
		require.True(t, resp.OK, resp.Message)
		assert.Len(t, resp.Data, 2)
		assert.Equal(t, 2, countRows(t, st, tbl))
		assert.Equal(t, []string{"op-1", "op-1"}, ops, "a batch shares one operation ID")

		empty := m.InsertBatch(context.Background(), tbl, nil)
		assert.True(t, empty.OK)
		assert.Empty(t, empty.Data)
	})
}

func TestInsertDuplicateKeyIsStoreFailure(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, user("u1", "ann"))
		m := newManager(st, config.Default())

		resp := m.Insert(context.Background(), tbl, user("u1", "again"))
		assert.Equal(t, RowResponse{Message: MsgInsertFailed, Kind: KindStore}, resp)
	})
}

func TestUpdateMergesObjects(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, record.Row{
			"id":   record.String("u1"),
			"name": record.String("ann"),
			"meta": record.Object{"a": record.Int(1), "arr": record.Array{record.Int(1)}},
		})
		m := newManager(st, config.Default())

		resp := m.Update(context.Background(), tbl, "", record.String("u1"), record.Row{
			"meta": record.Object{"b": record.Int(2), "arr": record.Array{record.Int(1), record.Int(2)}},
		})
		require.True(t, resp.OK, resp.Message)

		want := record.Object{
			"a":   record.Int(1),
			"b":   record.Int(2),
			"arr": record.Array{record.Int(1), record.Int(2)},
		}
		assert.Equal(t, want, resp.Data["meta"])
		assert.Equal(t, record.String("ann"), resp.Data["name"], "fields absent from data are untouched")

		row, _ := selectUser(t, st, "u1")
		assert.Equal(t, want, row["meta"])
	})
}

func TestUpdateWithoutMergeReplaces(t *testing.T) {
	tbl := testutil.UsersTable()
	st := memory.New()
	seed(t, st, tbl, record.Row{"id": record.String("u1"), "meta": record.Object{"a": record.Int(1)}})

	cfg := config.Default()
	cfg.MergeObjects = false
	m := newManager(st, cfg)

	resp := m.Update(context.Background(), tbl, "", record.String("u1"), record.Row{"meta": record.Object{"b": record.Int(2)}})
	require.True(t, resp.OK)
	assert.Equal(t, record.Object{"b": record.Int(2)}, resp.Data["meta"])
}

func TestUpdateHooksSeeSnapshotAndMayRewrite(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, record.Row{"id": record.String("u1"), "name": record.String("ann"), "age": record.Int(30)})
		m := newManager(st, config.Default())

		var prevName record.Value
		m.Register(tbl, dispatch.PreUpdate, func(ctx context.Context, ev *dispatch.Event) {
			prevName = ev.Previous["name"]
			ev.Data["age"] = record.Int(99)
		})
		var post *dispatch.Event
		m.Register(tbl, dispatch.PostUpdate, func(ctx context.Context, ev *dispatch.Event) {
			post = ev
		})

		resp := m.Update(context.Background(), tbl, "", record.String("u1"), record.Row{"name": record.String("anna")})
		require.True(t, resp.OK, resp.Message)
		assert.Equal(t, record.String("ann"), prevName)
		assert.Equal(t, record.Int(99), resp.Data["age"])

		require.NotNil(t, post)
		assert.Equal(t, record.String("anna"), post.Row["name"])
		assert.Equal(t, record.Int(30), post.Previous["age"])
	})
}

func TestUpdatePostCancelRestoresSnapshot(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, record.Row{
			"id":   record.String("u1"),
			"name": record.String("ann"),
			"age":  record.Int(30),
			"meta": record.Object{"tags": record.Array{record.String("x")}},
		})
		before, _ := selectUser(t, st, "u1")

		m := newManager(st, config.Default())
		m.Register(tbl, dispatch.PostUpdate, cancelAlways("frozen"))

		resp := m.Update(context.Background(), tbl, "", record.String("u1"), record.Row{
			"name": record.String("zed"),
			"meta": record.Object{"tags": record.Array{record.String("y")}},
		})
		assert.Equal(t, RowResponse{Message: "frozen", Kind: KindCancelled}, resp)

		after, found := selectUser(t, st, "u1")
		require.True(t, found)
		assert.Equal(t, before, after)
	})
}

func TestUpdatePreCancelWritesNothing(t *testing.T) {
	tbl := testutil.UsersTable()
	st := testutil.NewFaultyStore(memory.New())
	seed(t, st, tbl, user("u1", "ann"))
	m := newManager(st, config.Default())
	m.Register(tbl, dispatch.PreUpdate, cancelAlways("nope"))

	resp := m.Update(context.Background(), tbl, "", record.String("u1"), record.Row{"name": record.String("zed")})
	assert.Equal(t, KindCancelled, resp.Kind)
	assert.Zero(t, st.Calls(testutil.MethodUpdate))
}

func TestUpdateCompositeKeyWithoutFieldTouchesNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.MembershipsTable()
		st := testutil.NewFaultyStore(b.open(t, tbl))
		m := newManager(st, config.Default())

		hooked := false
		m.Register(tbl, dispatch.PreUpdate, func(ctx context.Context, ev *dispatch.Event) { hooked = true })

		resp := m.Update(context.Background(), tbl, "", record.String("acme"), record.Row{"role": record.String("admin")})
		assert.False(t, resp.OK)
		assert.Equal(t, KindValidation, resp.Kind)
		assert.Equal(t, keys.MsgUnresolvedPrimaryKey, resp.Message)
		assert.Zero(t, st.TotalCalls())
		assert.False(t, hooked)
	})
}

func TestUpdateCompositeKeyWithRowSelector(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.MembershipsTable()
		st := b.open(t, tbl)
		seed(t, st, tbl,
			record.Row{"org": record.String("acme"), "user": record.String("ann"), "role": record.String("member")},
			record.Row{"org": record.String("acme"), "user": record.String("bob"), "role": record.String("member")},
		)
		m := newManager(st, config.Default())

		key := record.Object{"org": record.String("acme"), "user": record.String("bob")}
		resp := m.Update(context.Background(), tbl, "", key, record.Row{"role": record.String("admin")})
		require.True(t, resp.OK, resp.Message)
		assert.Equal(t, record.String("bob"), resp.Data["user"])
		assert.Equal(t, record.String("admin"), resp.Data["role"])

		missing := m.Update(context.Background(), tbl, "", record.Object{"org": record.String("acme")}, record.Row{})
		assert.Equal(t, KindValidation, missing.Kind)
		assert.Equal(t, "Missing primary key field(s): user.", missing.Message)
	})
}

func TestUpdateNoPrimaryKey(t *testing.T) {
	tbl := testutil.LogTable()
	m := newManager(memory.New(), config.Default())

	resp := m.Update(context.Background(), tbl, "", record.String("x"), record.Row{})
	assert.Equal(t, RowResponse{Message: keys.MsgNoPrimaryKey, Kind: KindValidation}, resp)
}

func TestUpdateByExplicitField(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, user("u1", "ann"))
		m := newManager(st, config.Default())

		resp := m.Update(context.Background(), tbl, "name", record.String("ann"), record.Row{"age": record.Int(41)})
		require.True(t, resp.OK, resp.Message)
		assert.Equal(t, record.String("u1"), resp.Data["id"])
		assert.Equal(t, record.Int(41), resp.Data["age"])
	})
}

func TestAmbiguousKeyTouchesNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.LogTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, logLine("x", "info"), logLine("y", "info"))
		m := newManager(st, config.Default())

		hooked := false
		for _, k := range dispatch.Kinds {
			m.Register(tbl, k, func(ctx context.Context, ev *dispatch.Event) { hooked = true })
		}

		upd := m.Update(context.Background(), tbl, "level", record.String("info"), record.Row{"level": record.String("warn")})
		assert.Equal(t, RowResponse{Message: MsgAmbiguousKey, Kind: KindValidation}, upd)

		del := m.Delete(context.Background(), tbl, "level", record.String("info"))
		assert.Equal(t, RowResponse{Message: MsgAmbiguousKey, Kind: KindValidation}, del)

		batch := m.DeleteBatch(context.Background(), tbl, "level", []record.Value{record.String("info")})
		assert.Equal(t, KindValidation, batch.Kind)

		assert.False(t, hooked, "no hook runs for an ambiguous key")
		assert.Len(t, selectRows(t, st, tbl, selector.Eq("level", record.String("info"))), 2)
	})
}

func TestUpdateByUniqueExplicitFieldRestoresOnCancel(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.LogTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, logLine("x", "info"), logLine("y", "info"))
		m := newManager(st, config.Default())
		m.Register(tbl, dispatch.PostUpdate, cancelAlways("no"))

		resp := m.Update(context.Background(), tbl, "line", record.String("x"), record.Row{"level": record.String("warn")})
		assert.Equal(t, KindCancelled, resp.Kind)
		assert.Len(t, selectRows(t, st, tbl, selector.Eq("level", record.String("info"))), 2)
	})
}

func TestUpdateMissingRow(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		m := newManager(b.open(t, tbl), config.Default())

		resp := m.Update(context.Background(), tbl, "", record.String("ghost"), record.Row{"name": record.String("x")})
		assert.Equal(t, RowResponse{Message: MsgRowNotFound, Kind: KindNotFound}, resp)
	})
}

func TestUpdateBatchRollsBackEarlierItems(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, user("u1", "ann"), user("u2", "bob"))
		m := newManager(st, config.Default())
		m.Register(tbl, dispatch.PostUpdate, cancelWhen("id", record.String("u2"), "u2 locked"))

		resp := m.UpdateBatch(context.Background(), tbl, "", []UpdateItem{
			{Key: record.String("u1"), Data: record.Row{"name": record.String("ANN")}},
			{Key: record.String("u2"), Data: record.Row{"name": record.String("BOB")}},
		})
		assert.Equal(t, "u2 locked", resp.Message)

		u1, _ := selectUser(t, st, "u1")
		u2, _ := selectUser(t, st, "u2")
		assert.Equal(t, record.String("ann"), u1["name"])
		assert.Equal(t, record.String("bob"), u2["name"])
	})
}

func TestUpdateBatchWithoutRollbackKeepsEarlierItems(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, user("u1", "ann"))
		cfg := config.Default()
		cfg.RollbackOnCancel = false
		m := newManager(st, cfg)

		resp := m.UpdateBatch(context.Background(), tbl, "", []UpdateItem{
			{Key: record.String("u1"), Data: record.Row{"name": record.String("ANN")}},
			{Key: record.String("ghost"), Data: record.Row{"name": record.String("BOO")}},
		})
		assert.Equal(t, KindNotFound, resp.Kind)

		u1, _ := selectUser(t, st, "u1")
		assert.Equal(t, record.String("ANN"), u1["name"])
	})
}

func TestUpdateBatchSuccess(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, user("u1", "ann"), user("u2", "bob"))
		m := newManager(st, config.Default())

		resp := m.UpdateBatch(context.Background(), tbl, "", []UpdateItem{
			{Key: record.String("u1"), Data: record.Row{"age": record.Int(1)}},
			{Key: record.String("u2"), Data: record.Row{"age": record.Int(2)}},
		})
		require.True(t, resp.OK, resp.Message)
		require.Len(t, resp.Data, 2)
		assert.Equal(t, record.Int(2), resp.Data[1]["age"])
	})
}

func TestDeleteReturnsRemovedRow(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, user("u1", "ann"))
		m := newManager(st, config.Default())

		var seen record.Row
		m.Register(tbl, dispatch.PostDelete, func(ctx context.Context, ev *dispatch.Event) { seen = ev.Row })

		resp := m.Delete(context.Background(), tbl, "", record.String("u1"))
		require.True(t, resp.OK, resp.Message)
		assert.Equal(t, record.String("ann"), resp.Data["name"])
		assert.Equal(t, record.String("ann"), seen["name"])
		assert.Equal(t, 0, countRows(t, st, tbl))

		again := m.Delete(context.Background(), tbl, "", record.String("u1"))
		assert.Equal(t, RowResponse{Message: MsgRowNotFound, Kind: KindNotFound}, again)
	})
}

func TestDeletePreCancelKeepsRow(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, user("u1", "ann"))
		m := newManager(st, config.Default())
		m.Register(tbl, dispatch.PreDelete, cancelAlways("protected"))

		resp := m.Delete(context.Background(), tbl, "", record.String("u1"))
		assert.Equal(t, RowResponse{Message: "protected", Kind: KindCancelled}, resp)
		assert.Equal(t, 1, countRows(t, st, tbl))
	})
}

func TestDeletePostCancelWithoutRollbackLeavesRowDeleted(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, user("u1", "ann"))
		cfg := config.Default()
		cfg.RollbackOnCancel = false
		m := newManager(st, cfg)
		m.Register(tbl, dispatch.PostDelete, cancelAlways("regret"))

		resp := m.Delete(context.Background(), tbl, "", record.String("u1"))
		assert.False(t, resp.OK)
		assert.Equal(t, "regret", resp.Message)
		assert.Equal(t, 0, countRows(t, st, tbl))
	})
}

func TestDeletePostCancelRestoresRow(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, record.Row{"id": record.String("u1"), "name": record.String("ann"), "meta": record.Object{"k": record.Bool(true)}})
		before, _ := selectUser(t, st, "u1")

		m := newManager(st, config.Default())
		m.Register(tbl, dispatch.PostDelete, cancelAlways("regret"))

		resp := m.Delete(context.Background(), tbl, "", record.String("u1"))
		assert.Equal(t, KindCancelled, resp.Kind)

		after, found := selectUser(t, st, "u1")
		require.True(t, found)
		assert.Equal(t, before, after)
	})
}

func TestDeleteBatchAllOrNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, user("u1", "ann"), user("u2", "bob"), user("u3", "cy"))
		m := newManager(st, config.Default())
		reg := m.Register(tbl, dispatch.PostDelete, cancelWhen("id", record.String("u2"), "keep bob"))

		ids := []record.Value{record.String("u1"), record.String("u2"), record.String("u3")}
		resp := m.DeleteBatch(context.Background(), tbl, "", ids)
		assert.Equal(t, "keep bob", resp.Message)
		assert.Equal(t, 3, countRows(t, st, tbl))

		reg.Unregister()
		resp = m.DeleteBatch(context.Background(), tbl, "", append(ids, record.String("u1")))
		require.True(t, resp.OK, resp.Message)
		assert.Len(t, resp.Data, 3, "duplicate keys are deleted once")
		assert.Equal(t, 0, countRows(t, st, tbl))
	})
}

func TestDeleteBatchMissingRowDeletesNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		tbl := testutil.UsersTable()
		st := b.open(t, tbl)
		seed(t, st, tbl, user("u1", "ann"))
		m := newManager(st, config.Default())

		resp := m.DeleteBatch(context.Background(), tbl, "", []record.Value{record.String("u1"), record.String("ghost")})
		assert.Equal(t, KindNotFound, resp.Kind)
		assert.Equal(t, 1, countRows(t, st, tbl))
	})
}

func TestStoreErrorDetailIsNotReturned(t *testing.T) {
	tbl := testutil.UsersTable()
	st := testutil.NewFaultyStore(memory.New())
	st.Fail(testutil.MethodInsert, 0, errors.New("disk on fire"))
	m := newManager(st, config.Default())

	resp := m.Insert(context.Background(), tbl, user("u1", "ann"))
	assert.Equal(t, RowResponse{Message: MsgInsertFailed, Kind: KindStore}, resp)

	st.Heal()
	seed(t, st, tbl, user("u1", "ann"))
	st.Fail(testutil.MethodUpdate, 0, errors.New("disk on fire"))
	upd := m.Update(context.Background(), tbl, "", record.String("u1"), record.Row{"name": record.String("x")})
	assert.Equal(t, RowResponse{Message: MsgUpdateFailed, Kind: KindStore}, upd)

	st.Fail(testutil.MethodDelete, 0, errors.New("disk on fire"))
	del := m.Delete(context.Background(), tbl, "", record.String("u1"))
	assert.Equal(t, RowResponse{Message: MsgDeleteFailed, Kind: KindStore}, del)
}

func TestFailedCompensationIsReported(t *testing.T) {
	tbl := testutil.UsersTable()
	inner := memory.New()
	st := testutil.NewFaultyStore(inner)
	st.Fail(testutil.MethodDelete, 0, errors.New("read-only replica"))

	m := newManager(st, config.Default())
	m.Register(tbl, dispatch.PostInsert, cancelAlways("undo me"))

	resp := m.Insert(context.Background(), tbl, user("u1", "ann"))
	assert.Equal(t, RowResponse{Message: "undo me", Kind: KindRollbackFailed}, resp)
	assert.Equal(t, 1, inner.Count(tbl), "the insert could not be undone")
}

func TestBatchCompensationContinuesPastFailures(t *testing.T) {
	tbl := testutil.UsersTable()
	inner := memory.New()
	st := testutil.NewFaultyStore(inner)
	m := newManager(st, config.Default())
	m.Register(tbl, dispatch.PostInsert, cancelWhen("id", record.String("u1"), "undo all"))

	// Compensations run newest first: u3, u2, u1. Fail the u2 delete only.
	st.Fail(testutil.MethodDelete, 2, errors.New("flaky"))

	resp := m.InsertBatch(context.Background(), tbl, []record.Row{user("u1", "a"), user("u2", "b"), user("u3", "c")})
	assert.Equal(t, KindRollbackFailed, resp.Kind)
	assert.Equal(t, "undo all", resp.Message)

	snap := inner.Snapshot(tbl)
	require.Len(t, snap, 1)
	assert.Equal(t, record.String("u2"), snap[0]["id"])
}

func TestHooksRunInPriorityOrder(t *testing.T) {
	tbl := testutil.UsersTable()
	m := newManager(memory.New(), config.Default())

	var order []string
	m.Register(tbl, dispatch.PreInsert, func(ctx context.Context, ev *dispatch.Event) { order = append(order, "low") }, dispatch.Low)
	m.Register(tbl, dispatch.PreInsert, func(ctx context.Context, ev *dispatch.Event) { order = append(order, "normal") })
	m.Register(tbl, dispatch.PreInsert, func(ctx context.Context, ev *dispatch.Event) { order = append(order, "high") }, dispatch.High)

	resp := m.Insert(context.Background(), tbl, user("u1", "ann"))
	require.True(t, resp.OK)
	assert.Equal(t, []string{"high", "normal", "low"}, order)
}

func TestHooksAreScopedToTableIdentity(t *testing.T) {
	users := testutil.UsersTable()
	archived := testutil.UsersTable()
	archived.Namespace = "archive"
	m := newManager(memory.New(), config.Default())

	m.Register(archived, dispatch.PreInsert, cancelAlways("archive is read-only"))

	assert.True(t, m.Insert(context.Background(), users, user("u1", "ann")).OK)
	assert.False(t, m.Insert(context.Background(), archived, user("u1", "ann")).OK)

	// An equal descriptor shares the handlers.
	again := testutil.UsersTable()
	again.Namespace = "archive"
	assert.Equal(t, "archive is read-only", m.Insert(context.Background(), again, user("u2", "bob")).Message)
}

func TestEventsCarryOperationAndTable(t *testing.T) {
	tbl := testutil.UsersTable()
	tbl.Namespace = "app"
	m := newManager(memory.New(), config.Default())

	var events []*dispatch.Event
	for _, k := range []dispatch.Kind{dispatch.PreInsert, dispatch.PostInsert} {
		m.Register(tbl, k, func(ctx context.Context, ev *dispatch.Event) { events = append(events, ev) })
	}

	m.Insert(context.Background(), tbl, user("u1", "ann"))
	m.Insert(context.Background(), tbl, user("u2", "bob"))

	require.Len(t, events, 4)
	assert.Equal(t, dispatch.PreInsert, events[0].Kind)
	assert.Equal(t, "app.users", events[0].Table)
	assert.Equal(t, "op-1", events[1].OperationID)
	assert.Equal(t, "op-2", events[2].OperationID)
	assert.Less(t, events[0].Seq, events[3].Seq)
}

func TestTransactionalBatchStoreFailureAborts(t *testing.T) {
	tbl := testutil.UsersTable()
	st := testutil.OpenSQLite(t, tbl)
	seed(t, st, tbl, user("u2", "taken"))
	m := newManager(st, config.Default())

	resp := m.InsertBatch(context.Background(), tbl, []record.Row{user("u1", "a"), user("u2", "b")})
	assert.Equal(t, RowsResponse{Message: MsgInsertFailed, Kind: KindStore}, resp)
	assert.Equal(t, 1, countRows(t, st, tbl))
}
