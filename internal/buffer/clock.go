package buffer

import "sync/atomic"

// Clock stamps buffer entries with strictly increasing sequence numbers.
//
// Entries from one snapshot always form a prefix of the buffer, so draining
// "everything up to seq N" removes exactly the snapshotted entries even when
// replacements removed some of them in the meantime.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
