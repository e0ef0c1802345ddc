package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/deck/internal/metrics"
	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/store"
)

// IngestResult is the outcome of offering one event.
type IngestResult struct {
	Accepted bool
	// ReplacedID is the id of the buffered event the new one replaced.
	ReplacedID string
	// Reason is the OK message: empty on plain acceptance.
	Reason string
}

// Duplicate reports whether the event was rejected only because it, or a
// newer version of it, is already held.
func (r IngestResult) Duplicate() bool {
	return !r.Accepted && strings.HasPrefix(r.Reason, PrefixDuplicate)
}

// Ingest validates ev, rejects ids already held anywhere and offers the
// event to the buffer. Accepted events are passed to every listener.
//
// Events missing an id or pubkey are rejected even by validate.None.
func (e *Engine) Ingest(ctx context.Context, ev nostr.Event) IngestResult {
	if err := ev.CheckRequired(); err != nil {
		e.metrics.Ingested(metrics.IngestInvalid)
		return IngestResult{Reason: PrefixInvalid + err.Error()}
	}
	if err := e.validator.Validate(&ev); err != nil {
		e.metrics.Ingested(metrics.IngestInvalid)
		return IngestResult{Reason: PrefixInvalid + err.Error()}
	}

	held, err := e.held(ctx, ev.ID)
	if err != nil {
		e.metrics.Ingested(metrics.IngestError)
		return IngestResult{Reason: PrefixError + err.Error()}
	}
	if held {
		e.metrics.Ingested(metrics.IngestDuplicate)
		return IngestResult{Reason: ReasonDuplicate}
	}

	res := e.buf.Ingest(ev)
	if !res.Accepted {
		e.metrics.Ingested(metrics.IngestDuplicate)
		return IngestResult{Reason: res.Reason}
	}
	e.metrics.Ingested(metrics.IngestAccepted)

	if res.ReplacedID != "" {
		slog.Debug("replaced buffered event", "event", ev.ID, "replaced", res.ReplacedID)
	}
	e.notify(ev)
	return IngestResult{Accepted: true, ReplacedID: res.ReplacedID}
}

// held reports whether id exists in the buffer, the catalog or any capsule
// the catalog does not cover. Capsule probe failures are skipped; only a
// cancelled ctx is an error.
func (e *Engine) held(ctx context.Context, id string) (bool, error) {
	if e.buf.Has(id) {
		return true, nil
	}

	if e.catalog != nil {
		found, err := e.catalog.HasEvent(ctx, id)
		if err != nil {
			slog.Warn("catalog probe failed", "event", id, "error", err)
		} else if found {
			return true, nil
		}
	}

	for _, c := range e.reg.Snapshot() {
		if e.catalog != nil && e.catalog.Covers(c.Name()) {
			continue
		}
		found, err := c.HasID(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return false, fmt.Errorf("probe cancelled: %w", ctx.Err())
			}
			e.capsuleFailed(c, "PROBE", err)
			continue
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// Backfill indexes every registered capsule the catalog does not cover yet
// by reading it in full. It returns the number of capsules indexed.
func (e *Engine) Backfill(ctx context.Context) (int, error) {
	if e.catalog == nil {
		return 0, nil
	}

	indexed := 0
	for _, c := range e.reg.Snapshot() {
		if e.catalog.Covers(c.Name()) {
			continue
		}
		events, err := c.Req(ctx, "backfill", nostr.Filters{{}})
		if err != nil {
			if ctx.Err() != nil {
				return indexed, ctx.Err()
			}
			e.capsuleFailed(c, "BACKFILL", err)
			continue
		}

		rec := store.CapsuleRecord{Name: c.Name()}
		if p, ok := c.(interface{ Path() string }); ok {
			rec.Path = p.Path()
		}
		if err := e.catalog.RecordCapsule(ctx, rec, events); err != nil {
			return indexed, fmt.Errorf("index capsule %s: %w", c.Name(), err)
		}
		slog.Info("capsule indexed", "capsule", c.Name(), "events", len(events))
		indexed++
	}
	return indexed, nil
}

// Stats summarizes what the engine is serving.
type Stats struct {
	Buffered int   `json:"buffered"`
	Bytes    int64 `json:"buffered_bytes"`
	Capsules int   `json:"capsules"`
}

// Stats returns the current buffer and registry sizes.
func (e *Engine) Stats() Stats {
	s := e.buf.Stats()
	return Stats{Buffered: s.Count, Bytes: s.Bytes, Capsules: e.reg.Len()}
}
