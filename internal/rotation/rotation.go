// Package rotation moves the ingest buffer into new capsules.
//
// A Controller periodically checks the buffer against its thresholds. When
// one is crossed it snapshots the buffer and compiles the snapshot on a
// bounded worker pool, off the request path. The controller's run loop is
// the supervisor: on success it appends the capsule to the registry and
// then drains exactly the snapshotted events, so a query never sees an
// event in neither place. On failure the buffer is discarded so rotation
// cannot wedge.
//
// At most one rotation is in flight at a time.
package rotation

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/deck/internal/buffer"
	"github.com/roach88/deck/internal/compiler"
	"github.com/roach88/deck/internal/metrics"
	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/registry"
	"github.com/roach88/deck/internal/store"
)

// Default settings.
const (
	DefaultCheckInterval = time.Second
	DefaultWorkers       = 1
)

// Config holds rotation thresholds. A zero threshold is disabled.
type Config struct {
	MaxEvents     int
	MaxBytes      int64
	MaxAge        time.Duration
	CheckInterval time.Duration
	Workers       int
	Extensions    compiler.Extensions
	Metadata      compiler.Metadata
}

// Recorder persists successful rotations.
type Recorder interface {
	RecordCapsule(ctx context.Context, rec store.CapsuleRecord, events []nostr.Event) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithRecorder records every successful rotation in a catalog.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		c.recorder = r
	}
}

// WithMetrics reports rotations to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

type outcome struct {
	snap    buffer.Snapshot
	res     *compiler.Result
	err     error
	elapsed time.Duration
}

// Controller runs threshold checks and rotations.
//
// Thread-safety: Run owns the supervisor role. Flush must not be called
// while Run is active.
type Controller struct {
	cfg      Config
	buf      *buffer.Buffer
	reg      *registry.Registry
	compiler compiler.Compiler
	recorder Recorder
	metrics  *metrics.Metrics

	compiling atomic.Bool
	pool      errgroup.Group
	results   chan outcome
}

// New creates a controller.
func New(cfg Config, buf *buffer.Buffer, reg *registry.Registry, comp compiler.Compiler, opts ...Option) *Controller {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	c := &Controller{
		cfg:      cfg,
		buf:      buf,
		reg:      reg,
		compiler: comp,
		results:  make(chan outcome, 1),
	}
	c.pool.SetLimit(cfg.Workers)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compiling reports whether a rotation is in flight.
func (c *Controller) Compiling() bool {
	return c.compiling.Load()
}

// Run checks thresholds every CheckInterval and finalizes finished
// compiles until ctx is done. An in-flight compile keeps running after Run
// returns; Flush collects it.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	slog.Info("rotation controller started",
		"max_events", c.cfg.MaxEvents,
		"max_bytes", c.cfg.MaxBytes,
		"max_age", c.cfg.MaxAge,
		"interval", c.cfg.CheckInterval,
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.check(ctx)
		case o := <-c.results:
			c.finish(ctx, o)
		}
	}
}

// due returns the name of the first crossed threshold, or "".
func (c *Controller) due(s buffer.Stats) string {
	switch {
	case s.Count == 0:
		return ""
	case c.cfg.MaxEvents > 0 && s.Count >= c.cfg.MaxEvents:
		return "max_events"
	case c.cfg.MaxBytes > 0 && s.Bytes >= c.cfg.MaxBytes:
		return "max_bytes"
	case c.cfg.MaxAge > 0 && s.Age >= c.cfg.MaxAge:
		return "max_age"
	}
	return ""
}

// check starts a rotation when a threshold is crossed and none is running.
func (c *Controller) check(ctx context.Context) bool {
	reason := c.due(c.buf.Stats())
	if reason == "" {
		return false
	}
	if !c.compiling.CompareAndSwap(false, true) {
		return false
	}

	snap := c.buf.Snapshot()
	if snap.Len() == 0 {
		c.compiling.Store(false)
		return false
	}

	// Shutdown must not abort a compile; Flush waits for it instead.
	compileCtx := context.WithoutCancel(ctx)
	started := c.pool.TryGo(func() error {
		c.results <- c.compile(compileCtx, snap)
		return nil
	})
	if !started {
		c.compiling.Store(false)
		return false
	}

	slog.Info("rotation started", "reason", reason, "events", snap.Len(), "bytes", snap.Bytes)
	c.metrics.RotationStarted()
	return true
}

func (c *Controller) compile(ctx context.Context, snap buffer.Snapshot) outcome {
	start := time.Now()
	res, err := c.compiler.Compile(ctx, snap.Events, c.cfg.Extensions, c.cfg.Metadata)
	if err == nil && (res == nil || res.Capsule == nil) {
		err = errors.New("compiler returned no capsule")
	}
	return outcome{snap: snap, res: res, err: err, elapsed: time.Since(start)}
}

// finish applies a compile outcome: registry append before drain on
// success, wholesale discard on failure. The in-flight flag is cleared
// either way.
func (c *Controller) finish(ctx context.Context, o outcome) {
	defer c.compiling.Store(false)

	if o.err != nil {
		dropped := c.buf.Clear()
		slog.Error("rotation failed, buffer discarded",
			"error", o.err,
			"snapshot", o.snap.Len(),
			"dropped", dropped,
		)
		c.metrics.RotationFinished(false, o.elapsed, 0)
		c.metrics.EventsDropped(dropped)
		return
	}

	c.reg.Append(o.res.Capsule)
	drained := c.buf.Drain(o.snap.Through)

	if c.recorder != nil {
		rec := store.CapsuleRecord{Name: o.res.Capsule.Name(), Path: o.res.Path, ByteSize: o.res.Size}
		if err := c.recorder.RecordCapsule(context.WithoutCancel(ctx), rec, o.snap.Events); err != nil {
			slog.Warn("catalog record failed", "capsule", rec.Name, "error", err)
		}
	}

	slog.Info("rotation complete",
		"capsule", o.res.Capsule.Name(),
		"events", o.snap.Len(),
		"drained", drained,
		"remaining", c.buf.Len(),
		"duration", o.elapsed.Round(time.Millisecond),
	)
	c.metrics.RotationFinished(true, o.elapsed, o.snap.Len())
}

// Flush waits for an in-flight rotation, then synchronously rotates what
// is left in the buffer. It is the shutdown path and must be called after
// Run has returned.
func (c *Controller) Flush(ctx context.Context) error {
	if c.compiling.Load() {
		select {
		case o := <-c.results:
			c.finish(ctx, o)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	snap := c.buf.Snapshot()
	if snap.Len() == 0 {
		return nil
	}

	c.compiling.Store(true)
	slog.Info("flushing buffer", "events", snap.Len(), "bytes", snap.Bytes)
	c.metrics.RotationStarted()
	o := c.compile(ctx, snap)
	c.finish(ctx, o)
	return o.err
}
