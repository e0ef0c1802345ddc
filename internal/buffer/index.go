package buffer

import (
	"sort"

	"github.com/roach88/deck/internal/nostr"
)

// Rejection reasons, in the NIP-01 machine-readable prefix format.
const (
	ReasonDuplicate = "duplicate: already have this event"
	ReasonStale     = "duplicate: have a newer version of this replaceable event"
)

// Result describes the outcome of offering an event.
type Result struct {
	Accepted bool
	// ReplacedID is the id of the event this one displaced, if any.
	ReplacedID string
	// Reason is set when the event was rejected.
	Reason string
}

type holder struct {
	id        string
	createdAt int64
}

// Index tracks event ids and, for replaceable and addressable kinds, the
// event currently holding each key.
//
// Thread-safety: Index is not safe for concurrent use. Buffer serializes
// access; Merge uses a private Index per call.
type Index struct {
	ids  map[string]struct{}
	keys map[nostr.Key]holder
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		ids:  make(map[string]struct{}),
		keys: make(map[nostr.Key]holder),
	}
}

// Offer applies the replacement rules to ev and records it when accepted.
// A keyed event replaces the current holder only with a strictly greater
// created_at.
func (x *Index) Offer(ev *nostr.Event) Result {
	if _, dup := x.ids[ev.ID]; dup {
		return Result{Reason: ReasonDuplicate}
	}

	var res Result
	if key, ok := nostr.KeyOf(ev); ok {
		if cur, held := x.keys[key]; held {
			if ev.CreatedAt <= cur.createdAt {
				return Result{Reason: ReasonStale}
			}
			delete(x.ids, cur.id)
			res.ReplacedID = cur.id
		}
		x.keys[key] = holder{id: ev.ID, createdAt: ev.CreatedAt}
	}

	x.ids[ev.ID] = struct{}{}
	res.Accepted = true
	return res
}

// Remove forgets ev. The key slot is released only if ev still holds it.
func (x *Index) Remove(ev *nostr.Event) {
	delete(x.ids, ev.ID)
	if key, ok := nostr.KeyOf(ev); ok {
		if cur, held := x.keys[key]; held && cur.id == ev.ID {
			delete(x.keys, key)
		}
	}
}

// Has reports whether id is indexed.
func (x *Index) Has(id string) bool {
	_, ok := x.ids[id]
	return ok
}

// Holder returns the id holding key.
func (x *Index) Holder(key nostr.Key) (string, bool) {
	h, ok := x.keys[key]
	return h.id, ok
}

// Len returns the number of indexed ids.
func (x *Index) Len() int {
	return len(x.ids)
}

// Merge unions events from several sources, applies the replacement rules
// across the union and returns the survivors newest first. Ties on
// created_at are ordered by id so results are deterministic.
//
// Identical ids collapse to one event. For a replaceable key the newest
// event wins; of two with equal created_at the one sorting first is kept.
func Merge(sets ...[]nostr.Event) []nostr.Event {
	n := 0
	for _, s := range sets {
		n += len(s)
	}
	all := make([]nostr.Event, 0, n)
	for _, s := range sets {
		all = append(all, s...)
	}
	SortNewestFirst(all)

	idx := NewIndex()
	out := make([]nostr.Event, 0, len(all))
	for i := range all {
		if idx.Offer(&all[i]).Accepted {
			out = append(out, all[i])
		}
	}
	return out
}

// SortNewestFirst sorts by created_at descending, then id ascending.
func SortNewestFirst(events []nostr.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}
