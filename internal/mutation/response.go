package mutation

import "github.com/roach88/rowhooks/internal/record"

// ErrorKind classifies a failed Response.
type ErrorKind string

const (
	// KindValidation: primary-key resolution or selector construction
	// failed, or the key matches more than one row.
	KindValidation ErrorKind = "validation"
	// KindNotFound: the target row does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindStore: the store call failed or returned nothing.
	KindStore ErrorKind = "store"
	// KindCancelled: a hook cancelled the operation.
	KindCancelled ErrorKind = "cancelled"
	// KindRollbackFailed: a post-hook cancelled, and a compensating write
	// failed. The store may hold partial state.
	KindRollbackFailed ErrorKind = "rollback_failed"
)

// Fixed messages. Store error detail is logged, never returned.
const (
	MsgInsertFailed = "An error occurred while inserting the data."
	MsgUpdateFailed = "An error occurred while updating the data."
	MsgDeleteFailed = "An error occurred while deleting the data."
	MsgRowNotFound  = "The row does not exist."
	MsgAmbiguousKey = "The key matches more than one row."
)

// Response is the outcome of an orchestrated mutation.
//
// On success OK is true and Data holds the persisted (or, for deletes, the
// removed) row or rows. On failure Message is the hook's cancellation reason
// or one of the fixed messages, and Kind says which.
type Response[T any] struct {
	OK      bool      `json:"ok"`
	Data    T         `json:"data,omitempty"`
	Message string    `json:"message,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
}

// RowResponse is the Response of single-row operations.
type RowResponse = Response[record.Row]

// RowsResponse is the Response of batch operations.
type RowsResponse = Response[[]record.Row]

func success[T any](data T) Response[T] {
	return Response[T]{OK: true, Data: data}
}

func failed[T any](f *failure) Response[T] {
	return Response[T]{Message: f.message, Kind: f.kind}
}

// failure is the internal outcome of a failed operation body.
type failure struct {
	kind    ErrorKind
	message string

	// keep commits the writes made so far instead of undoing them. Set for
	// failures after a write when RollbackOnCancel is off.
	keep bool
}

func (f *failure) String() string {
	return string(f.kind) + ": " + f.message
}
