package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/roach88/deck/internal/nostr"
)

// FakeCapsule is an in-memory capsule for engine, registry and rotation
// tests. It answers queries the way compiled capsules do: matching events
// newest first, truncated to the request's largest limit.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeCapsule struct {
	CapsuleName string
	Events      []nostr.Event
	// Err, when set, fails every query.
	Err error
	// InfoDoc, when set, is served by Info.
	InfoDoc json.RawMessage

	mu         sync.Mutex
	reqCalls   int
	probeCalls int
}

// NewFakeCapsule creates a fake capsule holding events.
func NewFakeCapsule(name string, events ...nostr.Event) *FakeCapsule {
	return &FakeCapsule{CapsuleName: name, Events: events}
}

// Name implements the capsule interface.
func (f *FakeCapsule) Name() string { return f.CapsuleName }

// Req implements the capsule interface.
func (f *FakeCapsule) Req(ctx context.Context, subID string, filters nostr.Filters) ([]nostr.Event, error) {
	f.mu.Lock()
	f.reqCalls++
	f.mu.Unlock()
	return f.match(filters)
}

// Count implements the capsule interface.
func (f *FakeCapsule) Count(ctx context.Context, subID string, filters nostr.Filters) (int64, error) {
	events, err := f.match(filters)
	return int64(len(events)), err
}

// HasID implements the capsule interface.
func (f *FakeCapsule) HasID(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	f.probeCalls++
	f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	for _, ev := range f.Events {
		if ev.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// HasInfo implements the capsule interface.
func (f *FakeCapsule) HasInfo() bool { return f.InfoDoc != nil }

// Info implements the capsule interface.
func (f *FakeCapsule) Info(ctx context.Context) (json.RawMessage, error) {
	if f.InfoDoc == nil {
		return nil, errors.New("no info export")
	}
	return f.InfoDoc, nil
}

// ReqCalls returns how many times Req was called.
func (f *FakeCapsule) ReqCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqCalls
}

// ProbeCalls returns how many times HasID was called.
func (f *FakeCapsule) ProbeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCalls
}

func (f *FakeCapsule) match(filters nostr.Filters) ([]nostr.Event, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	var out []nostr.Event
	for i := range f.Events {
		if filters.Match(&f.Events[i]) {
			out = append(out, f.Events[i].Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit, ok := filters.MaxLimit(); ok && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
