// Package buffer holds the mutable tail of the deck: events ingested since
// the last rotation, together with the replacement index that enforces
// duplicate and replaceable-event rules.
//
// Every entry is stamped with a strictly increasing sequence number. A
// rotation snapshots the buffer, compiles the snapshot, and then drains
// exactly the snapshotted entries by sequence. Events ingested while the
// compile runs carry later sequence numbers and stay in the buffer.
//
// Thread-safety: Buffer guards its state with a sync.RWMutex. Queries clone
// under the read lock and filter after releasing it.
package buffer
