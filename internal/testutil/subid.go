package testutil

import (
	"fmt"
	"sync/atomic"
)

// SubIDs hands out predictable subscription ids: prefix-1, prefix-2, ...
// Replaying the same steps yields the same ids, which keeps recorded
// traces byte-identical.
//
// Thread-safety: Next is safe for concurrent use.
type SubIDs struct {
	prefix string
	n      atomic.Int64
}

// NewSubIDs creates a generator. An empty prefix defaults to "sub".
func NewSubIDs(prefix string) *SubIDs {
	if prefix == "" {
		prefix = "sub"
	}
	return &SubIDs{prefix: prefix}
}

// Next returns the next id.
func (g *SubIDs) Next() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.n.Add(1))
}
