// Package nostr defines the event and filter data model shared by every
// other package of the deck.
//
// This package imports nothing internal. Events are plain values: the
// buffer, the merge engine and the capsule host copy them freely.
//
// Key rules:
//   - Kinds 0, 3 and 10000-19999 are replaceable per (pubkey, kind)
//   - Kinds 30000-39999 are addressable per (pubkey, kind, d-tag)
//   - A replacement wins only with a strictly greater created_at
//   - Filters in a list are OR'd, predicates within a filter are AND'd
package nostr
