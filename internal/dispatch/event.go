package dispatch

import (
	"fmt"

	"github.com/roach88/rowhooks/internal/record"
)

// Kind is the lifecycle phase an event belongs to.
type Kind string

const (
	PreInsert  Kind = "pre-insert"
	PostInsert Kind = "post-insert"
	PreUpdate  Kind = "pre-update"
	PostUpdate Kind = "post-update"
	PreDelete  Kind = "pre-delete"
	PostDelete Kind = "post-delete"
)

// Kinds lists every event kind in lifecycle order.
var Kinds = []Kind{PreInsert, PostInsert, PreUpdate, PostUpdate, PreDelete, PostDelete}

// ParseKind converts a string such as "post-update" into a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// IsPre reports whether k runs before the store call.
func (k Kind) IsPre() bool {
	return k == PreInsert || k == PreUpdate || k == PreDelete
}

// Event is the value handed to every handler of one emission.
//
// Which fields are set depends on Kind:
//
//	pre-insert   Data: proposed payload (mutable)
//	post-insert  Row: persisted row
//	pre-update   Data: proposed patch (mutable), Previous: current row
//	post-update  Row: updated row, Previous: pre-update snapshot
//	pre-delete   Row: row about to be removed
//	post-delete  Row: removed row
//
// An Event belongs to a single emission and is never reused. Handlers run
// sequentially, so no locking is needed.
type Event struct {
	Kind  Kind
	Table string

	// OperationID identifies the orchestrated call that produced the event.
	// Batch operations share one ID across all their events.
	OperationID string

	// Seq is stamped by the dispatcher's clock on emission.
	Seq int64

	Data     record.Object
	Row      record.Object
	Previous record.Object

	cancelled bool
	reason    string
}

// Cancel vetoes the operation.
//
// The cancelled flag is sticky. A later call with a non-empty reason replaces
// the earlier reason; an empty reason never clears one already set.
func (e *Event) Cancel(reason string) {
	e.cancelled = true
	if reason != "" {
		e.reason = reason
	}
}

// Cancelled reports whether any handler cancelled the event.
func (e *Event) Cancelled() bool {
	return e.cancelled
}

// Reason returns the cancellation reason, if any.
func (e *Event) Reason() string {
	return e.reason
}
