// Package wsstream streams tracker events to WebSocket clients.
package wsstream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"dtesync/internal/events"
)

const (
	defaultBuffer       = 64
	defaultWriteTimeout = 5 * time.Second
)

// Hub is an events.Observer that broadcasts envelopes to every connected
// client. A client whose buffer is full is disconnected.
type Hub struct {
	events.Forwarder

	mu      sync.Mutex
	clients map[*client]struct{}

	buffer         int
	writeTimeout   time.Duration
	originPatterns []string
	logger         *slog.Logger
}

type client struct {
	send chan events.Envelope
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-client queue length.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin browsers matching the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) {
		h.originPatterns = patterns
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates a hub with no clients.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:      make(map[*client]struct{}),
		buffer:       defaultBuffer,
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.Forwarder = events.Forwarder{Handle: h.broadcast}
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(_ context.Context, env events.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- env:
		default:
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *Hub) register() *client {
	c := &client{send: make(chan events.Envelope, h.buffer), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// ServeHTTP upgrades the request and streams envelopes until the client
// goes away, falls behind, or the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// clients never send; CloseRead handles control frames and cancels on close
	ctx := conn.CloseRead(r.Context())
	c := h.register()
	defer h.unregister(c)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return
		case env := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(wctx, conn, env)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
