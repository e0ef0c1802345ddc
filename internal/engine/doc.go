// Package engine answers relay queries against the union of the ingest
// buffer and every registered capsule.
//
// QUERY PATH:
//
// A REQ scans the buffer and queries each capsule concurrently. The union
// is deduplicated with the replacement rules applied globally, because a
// replaceable key may be held by both the buffer and an older capsule.
// Survivors are sorted newest first (id ascending on ties) and truncated to
// the largest limit across the request's filters.
//
// COUNT sums the buffer count and each capsule's own count. No
// cross-source dedup is applied, so an event held in two places is counted
// twice.
//
// WRITE PATH:
//
// Ingest runs the validator, probes every reachable source for the id and
// then offers the event to the buffer. Rejections carry the relay protocol
// reason prefixes ("duplicate:", "invalid:", "error:").
//
// FAILURES:
//
// A failing capsule is logged and skipped. A client sees fewer results,
// never a protocol error.
package engine
