package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/rowhooks/internal/compiler"
	"github.com/roach88/rowhooks/internal/config"
	"github.com/roach88/rowhooks/internal/dispatch"
	"github.com/roach88/rowhooks/internal/keys"
	"github.com/roach88/rowhooks/internal/mutation"
	"github.com/roach88/rowhooks/internal/querysql"
	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/store"
	"github.com/roach88/rowhooks/internal/store/memory"
	"github.com/roach88/rowhooks/internal/store/sqlite"
)

// Option configures a run.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes orchestrator logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// runner holds the state of one scenario run.
type runner struct {
	scenario *Scenario
	tables   map[string]*schema.Table
	store    store.Store
	count    func(*schema.Table) (int, error)
	manager  *mutation.Manager
	result   *Result
	step     int
}

// Run executes a scenario against a fresh store and returns the result.
//
// Execution flow:
//  1. Compile the CUE tables and open the backend
//  2. Register scripted hooks, then the trace recorders
//  3. Run every step, checking its expectation
//  4. Check the final state
//
// Failed expectations are reported in Result.Errors. The error return is
// reserved for scenarios that cannot run at all.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	ctx := context.Background()

	tables, err := compileTables(scenario.Tables)
	if err != nil {
		return nil, fmt.Errorf("failed to compile tables: %w", err)
	}

	st, count, closeStore, err := openBackend(ctx, scenario.Backend, tables)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", scenario.Backend, err)
	}
	defer closeStore()

	cfg := config.Default().Apply(scenario.Config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &runner{
		scenario: scenario,
		tables:   make(map[string]*schema.Table, len(tables)),
		store:    st,
		count:    count,
		manager: mutation.New(st, cfg,
			mutation.WithLogger(o.logger),
			mutation.WithIDGenerator(mutation.NewSequenceGenerator("op"))),
		result: NewResult(),
	}
	for _, t := range tables {
		r.tables[t.Name] = t
		r.tables[t.QualifiedName()] = t
	}

	if err := r.registerHooks(); err != nil {
		return nil, err
	}
	r.registerRecorders(tables)

	for i, step := range scenario.Steps {
		r.step = i + 1
		if err := r.runStep(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	if err := r.checkFinalState(ctx); err != nil {
		return nil, err
	}
	return r.result, nil
}

func compileTables(src string) ([]*schema.Table, error) {
	v := cuecontext.New().CompileString(src, cue.Filename("tables.cue"))
	tables, err := compiler.CompileTables(v)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables declared")
	}
	return tables, nil
}

func openBackend(ctx context.Context, backend string, tables []*schema.Table) (store.Store, func(*schema.Table) (int, error), func(), error) {
	switch backend {
	case "", BackendMemory:
		s := memory.New()
		count := func(t *schema.Table) (int, error) { return s.Count(t), nil }
		return s, count, func() {}, nil

	case BackendSQLite:
		s, err := sqlite.Open(":memory:")
		if err != nil {
			return nil, nil, nil, err
		}
		for _, t := range tables {
			if err := s.EnsureTable(ctx, t); err != nil {
				s.Close()
				return nil, nil, nil, err
			}
		}
		count := func(t *schema.Table) (int, error) {
			var n int
			err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+querysql.SQLite.TableName(t)).Scan(&n)
			return n, err
		}
		return s, count, func() { s.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func (r *runner) table(name string) (*schema.Table, error) {
	t, ok := r.tables[name]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}

func (r *runner) registerHooks() error {
	for i, h := range r.scenario.Hooks {
		t, err := r.table(h.Table)
		if err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
		kind, err := dispatch.ParseKind(h.Event)
		if err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
		priority, err := dispatch.ParsePriority(h.Priority)
		if err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
		handler, err := scriptedHandler(h)
		if err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
		r.manager.Register(t, kind, handler, priority)
	}
	return nil
}

// scriptedHandler builds the handler for a Hook.
func scriptedHandler(h Hook) (dispatch.Handler, error) {
	when, err := record.ObjectFrom(h.When)
	if err != nil {
		return nil, fmt.Errorf("when: %w", err)
	}
	set, err := record.ObjectFrom(h.Set)
	if err != nil {
		return nil, fmt.Errorf("set: %w", err)
	}

	return func(ctx context.Context, ev *dispatch.Event) {
		subject := ev.Row
		if ev.Kind == dispatch.PreInsert || ev.Kind == dispatch.PreUpdate {
			subject = ev.Data
		}
		for field, want := range when {
			if !record.Equal(subject[field], want) {
				return
			}
		}
		if ev.Data != nil {
			for field, v := range set {
				ev.Data[field] = record.Clone(v)
			}
		}
		if h.Cancel != nil {
			ev.Cancel(*h.Cancel)
		}
	}, nil
}

// registerRecorders adds a trace recorder for every table and kind. They are
// registered last at the lowest priority, so they see each event as the
// last scripted handler left it.
func (r *runner) registerRecorders(tables []*schema.Table) {
	for _, t := range tables {
		for _, kind := range dispatch.Kinds {
			r.manager.Register(t, kind, func(ctx context.Context, ev *dispatch.Event) {
				r.result.Trace = append(r.result.Trace, TraceEvent{
					Type:      TraceEmit,
					Step:      r.step,
					Kind:      ev.Kind,
					Table:     ev.Table,
					Operation: ev.OperationID,
					Seq:       ev.Seq,
					Data:      record.CloneObject(ev.Data),
					Row:       record.CloneObject(ev.Row),
					Previous:  record.CloneObject(ev.Previous),
					Cancelled: ev.Cancelled(),
					Reason:    ev.Reason(),
				})
			}, dispatch.Low)
		}
	}
}

func (r *runner) runStep(ctx context.Context, step Step) error {
	t, err := r.table(step.Table)
	if err != nil {
		return err
	}

	var ev TraceEvent
	switch step.Op {
	case OpInsert:
		data, err := record.ObjectFrom(step.Data)
		if err != nil {
			return err
		}
		ev = rowResponse(r.manager.InsertWithKey(ctx, t, step.KeyField, data))

	case OpInsertBatch:
		rows := make([]record.Row, len(step.Rows))
		for i, raw := range step.Rows {
			if rows[i], err = record.ObjectFrom(raw); err != nil {
				return fmt.Errorf("rows[%d]: %w", i, err)
			}
		}
		ev = rowsResponse(r.manager.InsertBatch(ctx, t, rows))

	case OpUpdate:
		key, err := record.From(step.Key)
		if err != nil {
			return err
		}
		data, err := record.ObjectFrom(step.Data)
		if err != nil {
			return err
		}
		ev = rowResponse(r.manager.Update(ctx, t, step.KeyField, key, data))

	case OpUpdateBatch:
		items := make([]mutation.UpdateItem, len(step.Items))
		for i, it := range step.Items {
			if items[i].Key, err = record.From(it.Key); err != nil {
				return fmt.Errorf("items[%d]: %w", i, err)
			}
			if items[i].Data, err = record.ObjectFrom(it.Data); err != nil {
				return fmt.Errorf("items[%d]: %w", i, err)
			}
		}
		ev = rowsResponse(r.manager.UpdateBatch(ctx, t, step.KeyField, items))

	case OpDelete:
		key, err := record.From(step.Key)
		if err != nil {
			return err
		}
		ev = rowResponse(r.manager.Delete(ctx, t, step.KeyField, key))

	case OpDeleteBatch:
		keys := make([]record.Value, len(step.Keys))
		for i, k := range step.Keys {
			if keys[i], err = record.From(k); err != nil {
				return fmt.Errorf("keys[%d]: %w", i, err)
			}
		}
		ev = rowsResponse(r.manager.DeleteBatch(ctx, t, step.KeyField, keys))

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}

	ev.Type = TraceResponse
	ev.Step = r.step
	ev.Op = step.Op
	r.result.Trace = append(r.result.Trace, ev)

	if msg := checkExpect(step.Expect, ev); msg != "" {
		r.result.AddError(fmt.Sprintf("step %d (%s %s): %s", r.step, step.Op, step.Table, msg))
	}
	return nil
}

func rowResponse(resp mutation.RowResponse) TraceEvent {
	ev := TraceEvent{OK: resp.OK, Message: resp.Message, ErrKind: resp.Kind}
	if resp.OK {
		ev.Result = resp.Data
	}
	return ev
}

func rowsResponse(resp mutation.RowsResponse) TraceEvent {
	ev := TraceEvent{OK: resp.OK, Message: resp.Message, ErrKind: resp.Kind}
	if resp.OK {
		arr := make(record.Array, len(resp.Data))
		for i, row := range resp.Data {
			arr[i] = row
		}
		ev.Result = arr
	}
	return ev
}

// checkExpect returns a description of the mismatch, or "".
func checkExpect(want *Expect, got TraceEvent) string {
	if want == nil {
		if !got.OK {
			return fmt.Sprintf("unexpected failure: %s (%s)", got.Message, got.ErrKind)
		}
		return ""
	}
	if want.OK != nil && *want.OK != got.OK {
		return fmt.Sprintf("expected ok=%t, got ok=%t (%s)", *want.OK, got.OK, got.Message)
	}
	if want.Kind != "" && want.Kind != string(got.ErrKind) {
		return fmt.Sprintf("expected kind %q, got %q", want.Kind, got.ErrKind)
	}
	if want.Message != nil && *want.Message != got.Message {
		return fmt.Sprintf("expected message %q, got %q", *want.Message, got.Message)
	}
	return ""
}

func (r *runner) checkFinalState(ctx context.Context) error {
	for i, a := range r.scenario.FinalState {
		t, err := r.table(a.Table)
		if err != nil {
			return fmt.Errorf("final_state[%d]: %w", i, err)
		}

		if a.Count != nil {
			n, err := r.count(t)
			if err != nil {
				return fmt.Errorf("final_state[%d]: failed to count rows: %w", i, err)
			}
			if n != *a.Count {
				r.result.AddError(fmt.Sprintf("final_state[%d]: %s has %d rows, expected %d", i, a.Table, n, *a.Count))
			}
		}

		if a.Key == nil {
			continue
		}
		if err := r.checkRow(ctx, i, t, a); err != nil {
			return fmt.Errorf("final_state[%d]: %w", i, err)
		}
	}
	return nil
}

func (r *runner) checkRow(ctx context.Context, i int, t *schema.Table, a StateAssertion) error {
	key, err := record.From(a.Key)
	if err != nil {
		return err
	}
	ks, err := keys.Resolve(t, a.KeyField)
	if err != nil {
		return err
	}
	sel, err := keys.BuildSelector(ks, key)
	if err != nil {
		return err
	}
	row, found, err := r.store.SelectOne(ctx, t, sel)
	if err != nil {
		return err
	}

	switch {
	case a.Absent && found:
		r.result.AddError(fmt.Sprintf("final_state[%d]: %s row %s still exists", i, a.Table, sel))
	case a.Absent:
	case !found:
		r.result.AddError(fmt.Sprintf("final_state[%d]: %s row %s not found", i, a.Table, sel))
	default:
		want, err := record.ObjectFrom(a.Expect)
		if err != nil {
			return err
		}
		for _, field := range want.SortedKeys() {
			if !record.Equal(row[field], want[field]) {
				got, _ := record.MarshalCanonical(row[field])
				exp, _ := record.MarshalCanonical(want[field])
				r.result.AddError(fmt.Sprintf("final_state[%d]: %s.%s = %s, expected %s", i, a.Table, field, got, exp))
			}
		}
	}
	return nil
}
