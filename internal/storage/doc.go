// Package storage implements the durable single-node storage engine: an
// in-memory map of versioned values backed by a write-ahead log.
//
// # Versioning
//
// Every value carries a wall-clock millisecond timestamp assigned by the
// coordinator that first accepted the write, and the identifier of that
// node. Conflict resolution is last-writer-wins: a mutation is applied only
// if its timestamp is strictly greater than the stored one. Equal
// timestamps tie as "not newer", so the first writer wins.
//
// # Durability
//
// The WAL append strictly precedes the map mutation for every accepted
// write. A reader therefore observes either the pre-write state or a state
// whose durability has already completed — never a dirty intermediate.
// After a crash, Recover replays the log in file order under the same
// last-writer-wins rule, which makes replay idempotent with respect to log
// order.
//
// # Concurrency
//
// The engine uses a reader-writer discipline: Gets take a shared lock and
// proceed in parallel; mutations take the exclusive lock.
package storage
