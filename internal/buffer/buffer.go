package buffer

import (
	"sync"
	"time"

	"github.com/roach88/deck/internal/nostr"
)

type entry struct {
	ev   nostr.Event
	seq  int64
	size int
}

// Buffer is the ordered, mutable tail of ingested events.
type Buffer struct {
	mu        sync.RWMutex
	entries   []entry
	index     *Index
	bytes     int64
	startedAt time.Time

	clock Clock
	now   func() time.Time
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithNow overrides the wall clock used for buffer age.
func WithNow(now func() time.Time) Option {
	return func(b *Buffer) {
		b.now = now
	}
}

// New creates an empty buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		entries: make([]entry, 0, 256),
		index:   NewIndex(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ingest applies the duplicate and replacement rules and appends ev when
// accepted. A replaced event is removed from the buffer in the same
// critical section.
//
// The age window starts when an event enters an empty buffer.
func (b *Buffer) Ingest(ev nostr.Event) Result {
	size := ev.Size()

	b.mu.Lock()
	defer b.mu.Unlock()

	res := b.index.Offer(&ev)
	if !res.Accepted {
		return res
	}
	if res.ReplacedID != "" {
		b.removeLocked(res.ReplacedID)
	}
	if len(b.entries) == 0 {
		b.startedAt = b.now()
	}
	b.entries = append(b.entries, entry{ev: ev, seq: b.clock.Next(), size: size})
	b.bytes += int64(size)
	return res
}

func (b *Buffer) removeLocked(id string) {
	for i := range b.entries {
		if b.entries[i].ev.ID != id {
			continue
		}
		b.bytes -= int64(b.entries[i].size)
		copy(b.entries[i:], b.entries[i+1:])
		b.entries[len(b.entries)-1] = entry{}
		b.entries = b.entries[:len(b.entries)-1]
		return
	}
}

// Snapshot is a point-in-time copy of the buffer handed to the compiler.
type Snapshot struct {
	Events []nostr.Event
	// Through is the sequence number of the last snapshotted entry. Pass it
	// to Drain once the snapshot is safely compiled.
	Through int64
	Bytes   int64
}

// Len returns the number of snapshotted events.
func (s Snapshot) Len() int { return len(s.Events) }

// Snapshot copies the current events in ingest order.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{Events: make([]nostr.Event, len(b.entries)), Bytes: b.bytes}
	for i, e := range b.entries {
		snap.Events[i] = e.ev
	}
	if n := len(b.entries); n > 0 {
		snap.Through = b.entries[n-1].seq
	}
	return snap
}

// Drain removes every entry stamped at or before through, which is exactly
// the leading run of entries captured by the matching Snapshot. It returns
// the number of entries removed and always restarts the age window.
func (b *Buffer) Drain(through int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for n < len(b.entries) && b.entries[n].seq <= through {
		e := &b.entries[n]
		b.index.Remove(&e.ev)
		b.bytes -= int64(e.size)
		n++
	}
	if n > 0 {
		b.entries = append(make([]entry, 0, max(len(b.entries)-n, 256)), b.entries[n:]...)
	}
	// The window restarts even when replacements already removed every
	// snapshotted entry.
	b.startedAt = b.now()
	return n
}

// Clear drops every event. It is the data-loss fallback after a failed
// compile.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.entries)
	b.entries = make([]entry, 0, 256)
	b.index = NewIndex()
	b.bytes = 0
	b.startedAt = time.Time{}
	return n
}

// Stats describes the buffer for threshold checks.
type Stats struct {
	Count int
	Bytes int64
	// Age is the time since the age window started; zero when empty.
	Age time.Duration
}

// Stats returns current counters.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{Count: len(b.entries), Bytes: b.bytes}
	if s.Count > 0 {
		s.Age = b.now().Sub(b.startedAt)
	}
	return s
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Events returns a copy of the buffered events in ingest order.
func (b *Buffer) Events() []nostr.Event {
	b.mu.RLock()
	out := make([]nostr.Event, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.ev
	}
	b.mu.RUnlock()
	return out
}

// Match returns the buffered events matching any filter, in ingest order.
func (b *Buffer) Match(filters nostr.Filters) []nostr.Event {
	all := b.Events()
	out := all[:0]
	for i := range all {
		if filters.Match(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out
}

// Count returns the number of buffered events matching any filter.
func (b *Buffer) Count(filters nostr.Filters) int64 {
	return int64(len(b.Match(filters)))
}

// Has reports whether the buffer holds id.
func (b *Buffer) Has(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.Has(id)
}

// Get returns the buffered event holding a replaceable key.
func (b *Buffer) Get(key nostr.Key) (nostr.Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, ok := b.index.Holder(key)
	if !ok {
		return nostr.Event{}, false
	}
	for _, e := range b.entries {
		if e.ev.ID == id {
			return e.ev, true
		}
	}
	return nostr.Event{}, false
}
