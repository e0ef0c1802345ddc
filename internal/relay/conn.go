package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/wire"
)

// subscription is one REQ held open by a connection. Until its stored
// results and EOSE are sent, newly accepted events are parked in pending
// and sent with the stored results, without duplicates.
type subscription struct {
	filters nostr.Filters
	live    bool
	pending []nostr.Event
}

// conn is the per-connection protocol state.
//
// Thread-safety: the read loop is the only caller of handle. onEvent is
// called from whichever goroutine ingested the event and takes mu.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	id     string
	remote string
	out    *outbox

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*subscription

	slow       atomic.Bool
	writerDone chan struct{}
}

func newConn(s *Server, ws *websocket.Conn, id, remote string) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		srv:        s,
		ws:         ws,
		id:         id,
		remote:     remote,
		out:        newOutbox(s.cfg.OutboxLimit),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string]*subscription),
		writerDone: make(chan struct{}),
	}
}

// serve runs the connection until the client goes away or the server
// closes it.
func (c *conn) serve() {
	unlisten := c.srv.engine.Subscribe(c.onEvent)
	go c.writeLoop()

	c.readLoop()

	unlisten()
	c.cancel()
	c.out.Close()
	<-c.writerDone
	_ = c.ws.Close()
}

func (c *conn) readLoop() {
	pongWait := 2 * c.srv.cfg.PingInterval
	c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Debug("connection read failed", "conn", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if mt != websocket.TextMessage {
			c.send(wire.Notice("only text frames are supported"))
			continue
		}
		c.handle(data)
	}
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)

	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case _, open := <-c.out.Wait():
			for {
				frame, ok := c.out.TryPop()
				if !ok {
					break
				}
				if err := c.write(frame); err != nil {
					c.abort(err)
					return
				}
			}
			if !open {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.srv.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.abort(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// abort tears the socket down so the read loop returns.
func (c *conn) abort(err error) {
	slog.Debug("connection write failed", "conn", c.id, "error", err)
	c.cancel()
	_ = c.ws.Close()
}

// closeNow sends a close frame and tears the connection down.
func (c *conn) closeNow(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.cancel()
	_ = c.ws.Close()
}

// send queues a frame. A client whose outbox is full is disconnected.
func (c *conn) send(frame []byte) {
	if c.out.Push(frame) {
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	if c.slow.CompareAndSwap(false, true) {
		slog.Warn("disconnecting slow client", "conn", c.id, "remote", c.remote, "pending", c.out.Len())
		go c.closeNow(websocket.ClosePolicyViolation, "too slow")
	}
}

func (c *conn) sendEvent(subID string, ev *nostr.Event) {
	frame, err := wire.Event(subID, ev)
	if err != nil {
		slog.Warn("encode event failed", "event", ev.ID, "error", err)
		return
	}
	c.send(frame)
}

func (c *conn) handle(data []byte) {
	msg, err := wire.ParseClientMessage(data)
	if err != nil {
		c.send(wire.Notice(err.Error()))
		return
	}
	c.srv.metrics.Message(msg.Verb)

	switch msg.Verb {
	case wire.VerbReq:
		c.handleReq(msg)
	case wire.VerbCount:
		c.handleCount(msg)
	case wire.VerbClose:
		c.mu.Lock()
		delete(c.subs, msg.SubID)
		c.mu.Unlock()
	case wire.VerbEvent:
		c.handleEvent(msg)
	}
}

func (c *conn) handleReq(msg *wire.ClientMessage) {
	if len(msg.Filters) > c.srv.cfg.MaxFilters {
		c.send(wire.Closed(msg.SubID, "error: too many filters"))
		return
	}

	sub := &subscription{filters: msg.Filters}
	c.mu.Lock()
	if _, exists := c.subs[msg.SubID]; !exists && len(c.subs) >= c.srv.cfg.MaxSubscriptions {
		c.mu.Unlock()
		c.send(wire.Closed(msg.SubID, "error: too many subscriptions"))
		return
	}
	c.subs[msg.SubID] = sub
	c.mu.Unlock()

	events, err := c.srv.engine.Req(c.ctx, msg.SubID, msg.Filters)
	if err != nil {
		return
	}

	// Stored results wait for outbox room, which pauses this read loop
	// instead of counting the client as slow.
	seen := make(map[string]struct{}, len(events))
	for i := range events {
		seen[events[i].ID] = struct{}{}
		if !c.sendStored(msg.SubID, &events[i]) {
			return
		}
	}

	// Events accepted meanwhile are flushed before EOSE; the subscription
	// turns live under mu so none fall between pending and live delivery.
	for {
		c.mu.Lock()
		if c.subs[msg.SubID] != sub {
			c.mu.Unlock()
			return
		}
		pending := sub.pending
		sub.pending = nil
		if len(pending) == 0 {
			sub.live = true
			c.out.Force(wire.EOSE(msg.SubID))
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		for i := range pending {
			if _, dup := seen[pending[i].ID]; dup {
				continue
			}
			seen[pending[i].ID] = struct{}{}
			if !c.sendStored(msg.SubID, &pending[i]) {
				return
			}
		}
	}
}

// sendStored queues a stored result, blocking while the outbox is full.
// It returns false once the connection is gone.
func (c *conn) sendStored(subID string, ev *nostr.Event) bool {
	frame, err := wire.Event(subID, ev)
	if err != nil {
		slog.Warn("encode event failed", "event", ev.ID, "error", err)
		return true
	}
	return c.out.PushWait(c.ctx, frame) == nil
}

func (c *conn) handleCount(msg *wire.ClientMessage) {
	n, err := c.srv.engine.Count(c.ctx, msg.SubID, msg.Filters)
	if err != nil {
		return
	}
	c.send(wire.CountResult(msg.SubID, n))
}

func (c *conn) handleEvent(msg *wire.ClientMessage) {
	res := c.srv.engine.Ingest(c.ctx, *msg.Event)
	c.send(wire.OK(msg.Event.ID, res.Accepted, res.Reason))
}

// onEvent pushes a newly accepted event to every matching subscription.
func (c *conn) onEvent(ev nostr.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subID, sub := range c.subs {
		if !sub.filters.Match(&ev) {
			continue
		}
		if !sub.live {
			if len(sub.pending) < c.srv.cfg.OutboxLimit {
				sub.pending = append(sub.pending, ev)
			}
			continue
		}
		c.sendEvent(subID, &ev)
	}
}
