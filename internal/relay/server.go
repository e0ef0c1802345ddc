package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/deck/internal/engine"
	"github.com/roach88/deck/internal/metrics"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxMessageBytes  = 512 * 1024
	DefaultMaxSubscriptions = 32
	DefaultMaxFilters       = 16
	DefaultPingInterval     = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultOutboxLimit      = 4096
)

const infoMediaType = "application/nostr+json"

// Config holds per-connection limits.
type Config struct {
	MaxMessageBytes  int64
	MaxSubscriptions int
	MaxFilters       int
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	// OutboxLimit is the number of pending frames after which a live
	// event finding no room disconnects the client as too slow. Stored
	// REQ results wait for room instead.
	OutboxLimit int
}

func (c *Config) applyDefaults() {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if c.MaxFilters <= 0 {
		c.MaxFilters = DefaultMaxFilters
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = DefaultOutboxLimit
	}
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics reports connections and messages to m and serves m on
// /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server is the websocket relay.
//
// Thread-safety: safe for concurrent use. ServeHTTP runs one read loop
// and one writer goroutine per connection.
type Server struct {
	cfg      Config
	engine   *engine.Engine
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu      sync.Mutex
	conns   map[*conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New creates a relay server over eng.
func New(cfg Config, eng *engine.Engine, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:    cfg,
		engine: eng,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
	s.mux.HandleFunc("/", s.handleRoot)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	switch {
	case websocket.IsWebSocketUpgrade(r):
		s.handleUpgrade(w, r)
	case r.Method == http.MethodOptions:
		setCORS(w.Header())
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), infoMediaType):
		s.handleInfo(w, r)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Please use a Nostr client to connect.\n"))
	}
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())
	doc, err := s.engine.Info(r.Context())
	if err != nil {
		if errors.Is(err, engine.ErrNoInfo) {
			http.Error(w, "no relay information", http.StatusNotFound)
			return
		}
		slog.Warn("relay info failed", "error", err)
		http.Error(w, "relay information unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", infoMediaType)
	_, _ = w.Write(doc)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()

	body := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		engine.Stats
	}{Status: "ok", Connections: n, Stats: s.engine.Stats()}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(s, ws, uuid.Must(uuid.NewV7()).String(), r.RemoteAddr)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		c.closeNow(websocket.CloseGoingAway, "shutting down")
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.ConnectionOpened()
	slog.Debug("connection opened", "conn", c.id, "remote", c.remote)

	go func() {
		defer s.wg.Done()
		c.serve()

		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.metrics.ConnectionClosed()
		slog.Debug("connection closed", "conn", c.id)
	}()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting connections, closes open ones and waits for
// their goroutines, or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeNow(websocket.CloseGoingAway, "relay shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
