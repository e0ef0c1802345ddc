package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/deck/internal/buffer"
	"github.com/roach88/deck/internal/capsule"
	"github.com/roach88/deck/internal/metrics"
	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/registry"
	"github.com/roach88/deck/internal/store"
	"github.com/roach88/deck/internal/validate"
)

// DefaultQueryWorkers bounds how many capsules one query calls at once.
const DefaultQueryWorkers = 8

// Reasons used in OK replies. Validation and internal failures append
// their own text after the prefix.
const (
	ReasonDuplicate = "duplicate: already have this event"
	PrefixDuplicate = "duplicate: "
	PrefixInvalid   = "invalid: "
	PrefixError     = "error: "
)

// ErrNoInfo is returned by Info when neither a capsule nor the
// configuration provides a capability document.
var ErrNoInfo = errors.New("no relay information document")

// Catalog is the persistent capsule catalog. It lets Ingest answer id
// probes without calling into capsules.
type Catalog interface {
	HasEvent(ctx context.Context, id string) (bool, error)
	Covers(name string) bool
	RecordCapsule(ctx context.Context, rec store.CapsuleRecord, events []nostr.Event) error
}

// Listener receives every event accepted by Ingest.
type Listener func(ev nostr.Event)

// Engine is the merge-query engine.
//
// Thread-safety: all methods are safe for concurrent use. The engine holds
// no lock while calling capsules.
type Engine struct {
	buf       *buffer.Buffer
	reg       *registry.Registry
	validator validate.Validator
	catalog   Catalog
	metrics   *metrics.Metrics
	info      json.RawMessage
	maxLimit  int
	workers   int

	mu        sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithValidator sets the ingest validator. Default: validate.Signature.
func WithValidator(v validate.Validator) Option {
	return func(e *Engine) {
		e.validator = v
	}
}

// WithCatalog consults c for id probes.
func WithCatalog(c Catalog) Option {
	return func(e *Engine) {
		e.catalog = c
	}
}

// WithMetrics reports queries, ingests and capsule failures to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithInfo sets the capability document served when no capsule exports
// one.
func WithInfo(doc json.RawMessage) Option {
	return func(e *Engine) {
		e.info = doc
	}
}

// WithMaxLimit caps every filter's limit, and sets it on filters that have
// none. Zero disables the cap.
func WithMaxLimit(n int) Option {
	return func(e *Engine) {
		e.maxLimit = n
	}
}

// WithQueryWorkers bounds concurrent capsule calls per query.
func WithQueryWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// New creates an engine over buf and reg.
func New(buf *buffer.Buffer, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		buf:       buf,
		reg:       reg,
		validator: validate.Signature{},
		workers:   DefaultQueryWorkers,
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Req returns the merged, deduplicated and sorted result of a REQ. The
// only error is ctx's.
func (e *Engine) Req(ctx context.Context, subID string, filters nostr.Filters) ([]nostr.Event, error) {
	start := time.Now()
	defer func() { e.metrics.Query("REQ", time.Since(start)) }()

	filters = e.clamp(filters)
	limit, limited := filters.MaxLimit()
	if limited && limit == 0 {
		return []nostr.Event{}, nil
	}

	capsules := e.reg.Snapshot()
	sets := make([][]nostr.Event, len(capsules)+1)
	sets[0] = e.buf.Match(filters)

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, c := range capsules {
		g.Go(func() error {
			events, err := c.Req(ctx, subID, filters)
			if err != nil {
				e.capsuleFailed(c, "REQ", err)
				return nil
			}
			// Capsules are trusted to filter, but a stale capsule build may
			// not know every predicate.
			kept := events[:0]
			for j := range events {
				if filters.Match(&events[j]) {
					kept = append(kept, events[j])
				}
			}
			sets[i+1] = kept
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := buffer.Merge(sets...)
	if limited && limit < len(merged) {
		merged = merged[:limit]
	}

	slog.Debug("req served",
		"sub", subID,
		"capsules", len(capsules),
		"results", len(merged),
		"duration", time.Since(start),
	)
	return merged, nil
}

// Count sums matches across the buffer and every capsule. Events present
// in more than one source are counted once per source.
func (e *Engine) Count(ctx context.Context, subID string, filters nostr.Filters) (int64, error) {
	start := time.Now()
	defer func() { e.metrics.Query("COUNT", time.Since(start)) }()

	capsules := e.reg.Snapshot()
	counts := make([]int64, len(capsules))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, c := range capsules {
		g.Go(func() error {
			n, err := c.Count(ctx, subID, filters)
			if err != nil {
				e.capsuleFailed(c, "COUNT", err)
				return nil
			}
			counts[i] = n
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	total := e.buf.Count(filters)
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// clamp applies the configured limit cap to a copy of filters.
func (e *Engine) clamp(filters nostr.Filters) nostr.Filters {
	if e.maxLimit <= 0 {
		return filters
	}
	out := make(nostr.Filters, len(filters))
	copy(out, filters)
	for i := range out {
		if out[i].Limit == nil || *out[i].Limit > e.maxLimit {
			out[i].Limit = nostr.Int(e.maxLimit)
		}
	}
	return out
}

func (e *Engine) capsuleFailed(c registry.Capsule, op string, err error) {
	code := "OTHER"
	var ce *capsule.CallError
	if errors.As(err, &ce) {
		code = string(ce.Code)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code = "CANCELED"
	}
	slog.Warn("capsule skipped", "capsule", c.Name(), "op", op, "code", code, "error", err)
	e.metrics.CapsuleError(code)
}

// Info returns the capability document of the first capsule that exports
// one, or the configured document.
func (e *Engine) Info(ctx context.Context) (json.RawMessage, error) {
	for _, c := range e.reg.Snapshot() {
		if !c.HasInfo() {
			continue
		}
		doc, err := c.Info(ctx)
		if err != nil {
			e.capsuleFailed(c, "INFO", err)
			continue
		}
		if json.Valid(doc) {
			return doc, nil
		}
		slog.Warn("capsule info is not JSON", "capsule", c.Name())
	}
	if e.info != nil {
		return e.info, nil
	}
	return nil, ErrNoInfo
}

// Subscribe registers fn for every accepted event and returns a function
// that removes it.
func (e *Engine) Subscribe(fn Listener) (cancel func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Engine) notify(ev nostr.Event) {
	e.mu.RLock()
	fns := make([]Listener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
