// Package harness runs YAML mutation scenarios and records their traces.
//
// A scenario declares tables in CUE, hooks with simple actions (match a
// field, rewrite the payload, cancel), a list of mutation steps with
// expected outcomes, and assertions on the final store state. Each run
// uses a fresh store and deterministic operation IDs, so the recorded trace
// of every hook emission and every response can be compared against a
// golden file.
//
// Scenarios run against the in-memory store (compensating rollback) or an
// in-memory SQLite store (transactional rollback).
package harness
