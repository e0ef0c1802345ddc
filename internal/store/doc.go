// Package store provides the SQLite-backed capsule catalog.
//
// The catalog records every capsule the deck has produced or loaded, and
// indexes the ids of the events each capsule holds. The engine consults the
// id index before probing capsules on the write path: an id found in the
// index is a duplicate without any capsule call, and capsules the index
// covers need no probe at all.
//
// # Connection
//
// The catalog runs in WAL mode with synchronous=NORMAL, a five second busy
// timeout and foreign keys enforced. Schema changes are tracked in
// PRAGMA user_version and applied by Open.
//
// Capsule files remain the source of truth. Losing the catalog only costs
// probe performance; it is rebuilt by backfilling from the capsules.
package store
