// Package store defines the record-store contract used by the mutation
// orchestrator.
//
// The contract is deliberately narrow: insert-and-return, update-and-return,
// delete, and select-one, each scoped to a schema.Table and a
// selector.Predicate. Two optional capabilities refine it:
//
//   - Transactor: real transactions via RunInTransaction. The orchestrator
//     runs the whole pre-hook, write, post-hook sequence inside one
//     transaction and aborts it to roll back.
//   - Batcher: several statements per round trip without transactions.
//     The orchestrator falls back to compensating writes for rollback.
//
// Implementations live in subpackages:
//
//   - store/sqlite: mattn/go-sqlite3, transactional
//   - store/postgres: jackc/pgx/v5 pool, transactional
//   - store/memory: in-process, batch-capable, not transactional
//
// # SQLite configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
