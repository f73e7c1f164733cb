// Package crdt implements the state-based replicated types shared between
// replicas: vector clocks and hybrid timestamps, a last-write-wins element set
// (and the Memory store built on it), grow-only and positive/negative
// counters, and the Kala ledger account.
//
// Every value is owned by exactly one replica, identified by the node id it
// was constructed with, and only that replica advances its own entries.
// Mutating methods are not safe for concurrent use; callers serialize access
// (see service.ReplicaService). Merge methods never mutate either operand and
// always return a fresh value, which is what makes them commutative,
// associative and idempotent.
package crdt
