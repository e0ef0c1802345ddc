// Package upstream captures events from other relays into the deck.
//
// One feed runs per configured relay. A feed subscribes with the
// configured filters, hands every event to the engine and tracks the
// highest created_at it has seen. After the relay's EOSE, a connection
// that stays silent past the idle timeout is dropped and reopened with
// that watermark as "since". Reconnects back off exponentially.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/deck/internal/engine"
	"github.com/roach88/deck/internal/metrics"
	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/wire"
)

// Defaults for Config fields left zero.
const (
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultPingInterval   = 30 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 2 * time.Minute
)

var errIdle = errors.New("upstream idle")

// Config describes the capture subscriptions.
type Config struct {
	Relays         []string
	Filters        nostr.Filters
	IdleTimeout    time.Duration
	PingInterval   time.Duration
	DialTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.Filters) == 0 {
		c.Filters = nostr.Filters{{}}
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

// Ingester accepts captured events.
type Ingester interface {
	Ingest(ctx context.Context, ev nostr.Event) engine.IngestResult
}

// Option configures a Capture.
type Option func(*Capture)

// WithMetrics reports connection state and event counts to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Capture) {
		c.metrics = m
	}
}

// WithWatermark seeds every feed's resume point, typically with the newest
// created_at already stored in capsules.
func WithWatermark(ts int64) Option {
	return func(c *Capture) {
		c.watermark = ts
	}
}

// Capture runs one feed per relay.
type Capture struct {
	cfg       Config
	sink      Ingester
	metrics   *metrics.Metrics
	watermark int64
}

// New creates a capture over cfg.Relays feeding sink.
func New(cfg Config, sink Ingester, opts ...Option) *Capture {
	cfg.applyDefaults()
	c := &Capture{cfg: cfg, sink: sink}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run captures until ctx is done. It returns ctx's error.
func (c *Capture) Run(ctx context.Context) error {
	if len(c.cfg.Relays) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, url := range c.cfg.Relays {
		f := &feed{capture: c, url: url}
		f.watermark.Store(c.watermark)
		g.Go(func() error { return f.run(ctx) })
	}
	return g.Wait()
}

// feed is the capture loop for one relay.
type feed struct {
	capture   *Capture
	url       string
	watermark atomic.Int64
	received  atomic.Int64
}

func (f *feed) run(ctx context.Context) error {
	cfg := f.capture.cfg
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.MaxInterval = cfg.MaxBackoff

	for {
		progressed, err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if progressed {
			bo.Reset()
		}

		delay := bo.NextBackOff()
		slog.Warn("upstream disconnected",
			"relay", f.url,
			"error", err,
			"watermark", f.watermark.Load(),
			"retry_in", delay.Round(time.Millisecond),
		)
		f.capture.metrics.UpstreamReconnect(f.url)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// filters returns the configured filters resumed from the watermark.
func (f *feed) filters() nostr.Filters {
	since := f.watermark.Load()
	out := make(nostr.Filters, len(f.capture.cfg.Filters))
	copy(out, f.capture.cfg.Filters)
	if since <= 0 {
		return out
	}
	for i := range out {
		if out[i].Since == nil || *out[i].Since < since {
			out[i].Since = nostr.Int64(since)
		}
	}
	return out
}

// session runs one connection. progressed reports whether the relay
// delivered anything before the session ended.
func (f *feed) session(ctx context.Context) (progressed bool, err error) {
	cfg := f.capture.cfg

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.url, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	subID := "deck-" + uuid.NewString()[:8]
	reqMsg, err := wire.Req(subID, f.filters())
	if err != nil {
		return false, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, reqMsg); err != nil {
		return false, fmt.Errorf("send REQ: %w", err)
	}

	f.capture.metrics.UpstreamConnected(f.url, true)
	defer f.capture.metrics.UpstreamConnected(f.url, false)
	slog.Info("upstream subscribed", "relay", f.url, "sub", subID, "since", f.watermark.Load())

	done := make(chan struct{})
	defer close(done)
	go f.keepalive(ctx, ws, done)

	before := f.received.Load()
	defer func() { progressed = f.received.Load() > before }()

	caughtUp := false
	for {
		_ = ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && caughtUp {
				return false, errIdle
			}
			return false, fmt.Errorf("read: %w", err)
		}

		msg, err := wire.ParseRelayMessage(data)
		if err != nil {
			slog.Debug("upstream sent malformed message", "relay", f.url, "error", err)
			continue
		}

		switch msg.Verb {
		case wire.VerbEvent:
			if msg.SubID != subID || msg.Event == nil {
				continue
			}
			f.received.Add(1)
			f.capture.metrics.UpstreamEvent(f.url)
			// Only events the deck holds move the resume point; an invalid
			// event's created_at is not trusted.
			res := f.capture.sink.Ingest(ctx, *msg.Event)
			if res.Accepted || res.Duplicate() {
				f.advance(msg.Event.CreatedAt)
			} else {
				slog.Debug("upstream event rejected", "relay", f.url, "event", msg.Event.ID, "reason", res.Reason)
			}
		case wire.VerbEOSE:
			if msg.SubID == subID && !caughtUp {
				caughtUp = true
				f.received.Add(1)
				slog.Info("upstream caught up", "relay", f.url, "watermark", f.watermark.Load())
			}
		case wire.VerbClosed:
			if msg.SubID == subID {
				return false, fmt.Errorf("subscription closed by relay: %s", msg.Message)
			}
		case wire.VerbNotice:
			slog.Info("upstream notice", "relay", f.url, "message", msg.Message)
		}
	}
}

func (f *feed) advance(ts int64) {
	for {
		cur := f.watermark.Load()
		if ts <= cur || f.watermark.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// keepalive pings the relay and closes the socket when ctx ends, which
// unblocks the session's read.
func (f *feed) keepalive(ctx context.Context, ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.capture.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = ws.Close()
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
