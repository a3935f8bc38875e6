// Package stream is the live progress surface: a WebSocket hub that fans
// produced bus envelopes out to connected clients, scoped to the tenant on
// the authenticated request. SSE delivery reuses the same bus subscription
// from the HTTP surface; this package owns only the socket side.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/events"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 256 // per-client outbound channel buffer
)

// DefaultPatterns is what connected clients receive: tenant-facing progress
// plus per-component outcomes and signal acknowledgements.
var DefaultPatterns = []string{"customer.#", "enrichment.component.*", "admin.workflow.*"}

// Hub tracks connected clients and relays matching envelopes to them.
// Producers publish to the in-process bus; the hub never touches the durable
// transport.
type Hub struct {
	bus      *events.MemoryBus
	logger   *slog.Logger
	patterns []string
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	hub       *Hub
	tenantID  string
	scopesAll bool
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	once      sync.Once
}

func NewHub(bus *events.MemoryBus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:      bus,
		logger:   logger.With("component", "stream-hub"),
		patterns: DefaultPatterns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(),
		},
		clients: make(map[*client]struct{}),
	}
}

// buildCheckOrigin validates the Origin header against ALLOWED_ORIGINS in
// production. Dev and staging accept everything.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("APP_ENV")
	allowedRaw := os.Getenv("ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	if env == "production" {
		slog.Warn("[Stream] ⚠️ ALLOWED_ORIGINS not set in production, accepting all origins")
	}
	return func(*http.Request) bool { return true }
}

// Run subscribes to the in-process bus and relays until ctx ends. Call once
// from the server main; HandleWebSocket may be mounted before Run starts.
func (h *Hub) Run(ctx context.Context) {
	ch, cancel := h.bus.Chan(h.patterns...)
	defer cancel()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			h.relay(env)
		}
	}
}

func (h *Hub) relay(env *events.Envelope) {
	frame, err := env.JSON()
	if err != nil {
		h.logger.Warn("envelope marshal failed", "routing_key", env.RoutingKey, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(env) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			// Slow consumer: drop the frame rather than stall the relay.
		}
	}
}

// wants applies the tenant filter. Envelopes without a tenant are platform
// news and go to everyone.
func (c *client) wants(env *events.Envelope) bool {
	return env.TenantID == "" || c.scopesAll || env.TenantID == c.tenantID
}

// HandleWebSocket upgrades the request and registers the caller as a live
// client. Auth middleware must already have attached the tenant context.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ac, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:       h,
		tenantID:  ac.OrgID,
		scopesAll: ac.ScopesAll(),
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("📡 Stream client connected", "org_id", ac.OrgID, "total", total)

	// writePump owns all writes (ping, data, close); readPump owns all reads.
	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		total := len(c.hub.clients)
		c.hub.mu.Unlock()
		c.conn.Close()
		c.hub.logger.Info("📡 Stream client disconnected", "org_id", c.tenantID, "total", total)
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			// Flush whatever queued behind this frame in the same pass.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump drains inbound frames. Clients have nothing to say; reading keeps
// pong handling alive and detects the peer going away.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
