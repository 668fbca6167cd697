// Package mutation orchestrates hooked row mutations.
//
// A Manager wraps a store.Store. Every Insert, Update and Delete (and their
// batch forms) runs the same flow on the caller's goroutine:
//
//	pre-hooks -> store write -> post-hooks
//
// A pre-hook may rewrite the payload or cancel, in which case the store is
// never written. A post-hook may cancel after the write; with
// RollbackOnCancel the write is then undone:
//
//   - stores implementing store.Transactor run the whole flow inside one
//     transaction and abort it
//   - other stores get compensating writes (delete after insert, restore
//     after update, re-insert after delete), batched through store.Batcher
//     when available
//
// Compensation is not atomic with the original write. When it fails the
// Response carries KindRollbackFailed and the store may hold partial state.
//
// Results are always a Response; expected failures are never Go errors or
// panics. Store error detail is logged with the operation ID and replaced by
// a fixed message.
package mutation
