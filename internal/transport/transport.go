// Package transport serves the rehearsal protocol over WebSocket. Each
// connection gets its own [protocol.Adapter], a read loop feeding it and a
// writer goroutine draining a bounded outbound queue.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/observe"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/protocol"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/session"
)

// Config tunes connection handling. Zero fields select defaults.
type Config struct {
	// OutboundQueue bounds the messages waiting to be written. A client
	// that lets it fill up is disconnected. Default 64.
	OutboundQueue int

	// WriteTimeout bounds a single frame write. Default 5s.
	WriteTimeout time.Duration

	// PingInterval is how often idle connections are pinged. Default 20s.
	PingInterval time.Duration

	// ReadLimit caps inbound frame size in bytes. Default 64 KiB.
	ReadLimit int64

	// OriginPatterns are passed to [websocket.AcceptOptions].
	OriginPatterns []string

	// AudioURL maps clip handles to client URLs.
	AudioURL func(handle string) string
}

func (c Config) withDefaults() Config {
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.AudioURL == nil {
		c.AudioURL = protocol.AudioURL("")
	}
	return c
}

// Handler accepts WebSocket connections and binds each to the session
// registry.
type Handler struct {
	reg     *session.Registry
	cfg     Config
	metrics *observe.Metrics
	logger  *slog.Logger
}

// NewHandler returns a WebSocket handler for reg. A nil metrics uses
// [observe.DefaultMetrics].
func NewHandler(reg *session.Registry, cfg Config, metrics *observe.Metrics, logger *slog.Logger) *Handler {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reg: reg, cfg: cfg.withDefaults(), metrics: metrics, logger: logger}
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it or the request context ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns})
	if err != nil {
		h.logger.Debug("transport: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.metrics.ConnectedClients.Add(ctx, 1)
	defer h.metrics.ConnectedClients.Add(context.WithoutCancel(ctx), -1)

	c := &conn{
		ws:     ws,
		out:    make(chan any, h.cfg.OutboundQueue),
		cancel: cancel,
	}
	logger := h.logger.With("remote", r.RemoteAddr)
	adapter := protocol.NewAdapter(h.reg, c, h.cfg.AudioURL, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, h.cfg.WriteTimeout, h.cfg.PingInterval)
	}()

	err = c.readLoop(ctx, adapter)
	adapter.Close()
	cancel()
	wg.Wait()

	switch {
	case c.overflowed():
		logger.Warn("transport: client too slow, disconnecting")
		ws.Close(websocket.StatusPolicyViolation, "outbound queue full")
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		ws.Close(websocket.StatusNormalClosure, "")
	case r.Context().Err() != nil:
		ws.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("transport: connection closed", "err", err)
		}
		ws.CloseNow()
	}
}

// conn is one client connection. It implements [protocol.Sender].
type conn struct {
	ws     *websocket.Conn
	out    chan any
	cancel context.CancelFunc

	overflow atomic.Bool
}

// Send queues msg without blocking. A full queue marks the connection as
// overflowed and tears it down.
func (c *conn) Send(msg any) bool {
	select {
	case c.out <- msg:
		return true
	default:
	}
	if c.overflow.CompareAndSwap(false, true) {
		c.cancel()
	}
	return false
}

func (c *conn) overflowed() bool { return c.overflow.Load() }

func (c *conn) readLoop(ctx context.Context, adapter *protocol.Adapter) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			c.Send(protocol.ErrorMessage{
				Type:    protocol.TypeError,
				Code:    session.CodeBadRequest,
				Message: "binary frames are not supported",
			})
			continue
		}
		adapter.Handle(ctx, data)
	}
}

func (c *conn) writeLoop(ctx context.Context, writeTimeout, pingInterval time.Duration) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush(writeTimeout)
			return
		case msg := <-c.out:
			if err := c.write(ctx, msg, writeTimeout); err != nil {
				c.cancel()
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *conn) write(ctx context.Context, msg any, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return wsjson.Write(wctx, c.ws, msg)
}

// flush writes whatever is still queued when the connection winds down, such
// as the ended notice of a session stopped during shutdown. It gives up after
// one write timeout in total.
func (c *conn) flush(timeout time.Duration) {
	if c.overflowed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		select {
		case msg := <-c.out:
			if err := wsjson.Write(ctx, c.ws, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
