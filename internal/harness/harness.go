package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/roach88/deck/internal/buffer"
	"github.com/roach88/deck/internal/compiler"
	"github.com/roach88/deck/internal/engine"
	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/registry"
	"github.com/roach88/deck/internal/rotation"
	"github.com/roach88/deck/internal/store"
	"github.com/roach88/deck/internal/testutil"
	"github.com/roach88/deck/internal/validate"
)

// Epoch is the harness wall clock at the start of every scenario.
var Epoch = time.Unix(1_700_000_000, 0).UTC()

// Harness holds the wiring of one scenario run.
type Harness struct {
	buf     *buffer.Buffer
	reg     *registry.Registry
	store   *store.Store
	engine  *engine.Engine
	rotator *rotation.Controller
	comp    *memCompiler
	clock   *testutil.ManualClock
	subs    *testutil.SubIDs

	mu       sync.Mutex
	notified []string
}

// Run executes a scenario against a fresh engine with an in-memory
// catalog.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(ctx, scenario, st)
	if err != nil {
		return nil, err
	}
	cancel := h.engine.Subscribe(func(ev nostr.Event) {
		h.mu.Lock()
		h.notified = append(h.notified, ev.ID)
		h.mu.Unlock()
	})
	defer cancel()

	result := NewResult()
	for i := range scenario.Flow {
		if err := h.step(ctx, i, &scenario.Flow[i], result); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	h.mu.Lock()
	result.Notified = slices.Clone(h.notified)
	h.mu.Unlock()

	for _, msg := range EvaluateAssertions(ctx, h, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, s *Scenario, st *store.Store) (*Harness, error) {
	clock := testutil.NewManualClock(Epoch)
	h := &Harness{
		buf:   buffer.New(buffer.WithNow(clock.Now)),
		reg:   registry.New(),
		store: st,
		comp:  &memCompiler{},
		clock: clock,
		subs:  testutil.NewSubIDs("sub"),
	}

	for _, cs := range s.Capsules {
		events := make([]nostr.Event, len(cs.Events))
		for i, e := range cs.Events {
			events[i] = e.Event()
		}
		h.reg.Append(testutil.NewFakeCapsule(cs.Name, events...))
		if cs.Cataloged {
			rec := store.CapsuleRecord{Name: cs.Name, RotatedAt: Epoch}
			if err := st.RecordCapsule(ctx, rec, events); err != nil {
				return nil, fmt.Errorf("seed catalog: %w", err)
			}
		}
	}

	// Scenarios are about merge and replacement rules, not signatures.
	h.engine = engine.New(h.buf, h.reg,
		engine.WithValidator(validate.None{}),
		engine.WithCatalog(st),
		engine.WithMaxLimit(s.MaxLimit),
	)
	h.rotator = rotation.New(rotation.Config{}, h.buf, h.reg, h.comp, rotation.WithRecorder(st))
	return h, nil
}

func (h *Harness) step(ctx context.Context, i int, step *FlowStep, result *Result) error {
	switch step.Kind() {
	case StepIngest:
		ev := step.Ingest.Event()
		res := h.engine.Ingest(ctx, ev)
		tr := result.record(TraceEvent{
			Step:     StepIngest,
			EventID:  ev.ID,
			Accepted: &res.Accepted,
			Replaced: res.ReplacedID,
			Reason:   res.Reason,
		})
		checkExpect(i, step.Expect, tr, result)

	case StepReq, StepCount:
		filters, err := step.Filters()
		if err != nil {
			return err
		}
		sub := step.Sub
		if sub == "" {
			sub = h.subs.Next()
		}
		if step.Kind() == StepReq {
			events, err := h.engine.Req(ctx, sub, filters)
			if err != nil {
				return err
			}
			ids := make([]string, len(events))
			for j := range events {
				ids[j] = events[j].ID
			}
			tr := result.record(TraceEvent{Step: StepReq, Sub: sub, IDs: ids})
			checkExpect(i, step.Expect, tr, result)
		} else {
			n, err := h.engine.Count(ctx, sub, filters)
			if err != nil {
				return err
			}
			tr := result.record(TraceEvent{Step: StepCount, Sub: sub, Count: &n})
			checkExpect(i, step.Expect, tr, result)
		}

	case StepRotate:
		h.comp.fail = step.Rotate.Fail
		before := h.reg.Len()
		pending := h.buf.Len()
		err := h.rotator.Flush(ctx)
		tr := TraceEvent{Step: StepRotate}
		if err != nil {
			tr.Error = err.Error()
		} else if h.reg.Len() > before {
			caps := h.reg.Snapshot()
			tr.Capsule = caps[len(caps)-1].Name()
			tr.Events = pending
		}
		checkExpect(i, step.Expect, result.record(tr), result)

	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		result.record(TraceEvent{Step: StepAdvance, Age: h.buf.Stats().Age.String()})

	case StepBackfill:
		n, err := h.engine.Backfill(ctx)
		if err != nil {
			return err
		}
		count := int64(n)
		tr := result.record(TraceEvent{Step: StepBackfill, Count: &count})
		checkExpect(i, step.Expect, tr, result)

	default:
		return errors.New("step has no single action")
	}
	return nil
}

// memCompiler turns snapshots into fake capsules named rotation-1,
// rotation-2, ...
type memCompiler struct {
	n    int
	fail bool
}

// errCompileFailed is the failure injected by rotate steps with fail set.
var errCompileFailed = errors.New("compile failed")

func (c *memCompiler) Compile(ctx context.Context, events []nostr.Event, ext compiler.Extensions, meta compiler.Metadata) (*compiler.Result, error) {
	if c.fail {
		return nil, errCompileFailed
	}
	c.n++
	name := fmt.Sprintf("rotation-%d", c.n)
	var size int64
	for i := range events {
		size += int64(events[i].Size())
	}
	return &compiler.Result{
		Capsule: testutil.NewFakeCapsule(name, slices.Clone(events)...),
		Path:    "mem:" + name,
		Size:    size,
	}, nil
}
