// Package dispatch implements the priority-ordered, cancellable hook
// dispatcher.
//
// Handlers are registered against a RoutingKey (table identity, event kind).
// Emit runs every handler for the key on the caller's goroutine:
//
//   - ascending Priority, registration order within a priority
//   - one at a time; a handler that blocks delays the next one
//   - cancellation does not stop the chain, later handlers still run
//   - no handlers is a no-op
//
// The registry is guarded by a mutex so handlers may be added or removed from
// any goroutine, including from inside a running handler. Emit works on a
// snapshot taken when it starts, so such changes apply to the next emission.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Priority orders handlers on the same routing key. Lower runs earlier.
type Priority int

const (
	Highest Priority = iota
	High
	Normal
	Low
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case Highest:
		return "highest"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts "highest", "high", "normal" or "low" to a Priority.
// The empty string is Normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "highest":
		return Highest, nil
	case "high":
		return High, nil
	case "", "normal":
		return Normal, nil
	case "low":
		return Low, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Handler observes or vetoes one event. Handlers may mutate ev.Data on
// pre-events and call ev.Cancel.
type Handler func(ctx context.Context, ev *Event)

// RoutingKey selects the handlers for an emission.
type RoutingKey struct {
	Table string
	Kind  Kind
}

func (k RoutingKey) String() string {
	return k.Table + "/" + string(k.Kind)
}

type handlerEntry struct {
	id       uint64
	priority Priority
	handler  Handler
}

// Registration is the handle returned by Register.
type Registration struct {
	d   *Dispatcher
	key RoutingKey
	id  uint64
}

// Unregister removes the handler. It is safe to call more than once.
func (r *Registration) Unregister() {
	if r == nil || r.d == nil {
		return
	}
	r.d.remove(r.key, r.id)
}

// Dispatcher holds the handler registry.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[RoutingKey][]handlerEntry
	nextID   uint64

	clock  *Clock
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock used to stamp Event.Seq.
func WithClock(c *Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithLogger sets the logger used for debug tracing of emissions.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// New creates an empty dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[RoutingKey][]handlerEntry),
		clock:    NewClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds handler for key at priority.
func (d *Dispatcher) Register(key RoutingKey, handler Handler, priority Priority) *Registration {
	if handler == nil {
		panic("dispatch: nil handler")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	entry := handlerEntry{id: d.nextID, priority: priority, handler: handler}

	prev := d.handlers[key]
	list := make([]handlerEntry, 0, len(prev)+1)
	list = append(list, prev...)
	list = append(list, entry)
	// Stable sort keeps registration order within a priority.
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].priority < list[j].priority
	})
	d.handlers[key] = list

	return &Registration{d: d, key: key, id: entry.id}
}

func (d *Dispatcher) remove(key RoutingKey, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.handlers[key]
	for i, e := range list {
		if e.id != id {
			continue
		}
		out := make([]handlerEntry, 0, len(list)-1)
		out = append(out, list[:i]...)
		out = append(out, list[i+1:]...)
		if len(out) == 0 {
			delete(d.handlers, key)
		} else {
			d.handlers[key] = out
		}
		return
	}
}

// Len returns the number of handlers registered for key.
func (d *Dispatcher) Len(key RoutingKey) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[key])
}

// Emit runs every handler for key against ev and returns ev.
//
// ev.Seq is stamped before the first handler runs. Emit never returns an
// error; the caller reads ev.Cancelled and ev.Reason afterwards.
func (d *Dispatcher) Emit(ctx context.Context, key RoutingKey, ev *Event) *Event {
	d.mu.RLock()
	list := d.handlers[key]
	d.mu.RUnlock()

	// Register and remove replace the slice instead of mutating it.
	ev.Seq = d.clock.Next()
	if ev.Kind == "" {
		ev.Kind = key.Kind
	}

	for _, entry := range list {
		entry.handler(ctx, ev)
	}

	if len(list) > 0 {
		d.logger.Debug("hooks emitted",
			"key", key.String(),
			"operation", ev.OperationID,
			"seq", ev.Seq,
			"handlers", len(list),
			"cancelled", ev.Cancelled())
	}
	return ev
}
