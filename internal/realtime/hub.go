package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/victornm/partyquiz/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 64
)

// Hooks observe the lifecycle of connections.
type Hooks interface {
	OnConnectionEstablished(ctx context.Context, connectionID string) error
	OnConnectionLost(ctx context.Context, connectionID string) error
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// enqueue queues the payload without blocking. A client whose queue is full is closed.
func (c *client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub holds the websocket connections of this instance.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	upgrader websocket.Upgrader
	serving  sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and blocks until the connection closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, hooks Hooks) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.ErrorContext(r.Context(), "realtime: upgrade failed", "error", err)
		return
	}

	h.serving.Add(1)
	defer h.serving.Done()

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.register(c)
	ctx := context.WithoutCancel(r.Context())

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(c)
	}()

	if err := hooks.OnConnectionEstablished(ctx, c.id); err != nil {
		slog.ErrorContext(ctx, "realtime: connection established hook failed", "connection", c.id, "error", err)
	}

	h.readPump(c)

	h.unregister(c)
	<-done

	if err := hooks.OnConnectionLost(ctx, c.id); err != nil {
		slog.ErrorContext(ctx, "realtime: connection lost hook failed", "connection", c.id, "error", err)
	}
}

// Deliver queues the payload for the connection. A client too slow to drain its queue is dropped.
func (h *Hub) Deliver(connectionID string, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[connectionID]
	if !ok {
		return false
	}

	if !c.enqueue(payload) {
		slog.Warn("realtime: client closed or too slow, dropping message", "connection", connectionID)
	}

	return true
}

// Len returns the number of connections held.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Close disconnects every client and waits until their connection lost hooks have run.
func (h *Hub) Close() {
	h.mu.RLock()
	for _, c := range h.clients {
		c.close()
	}
	h.mu.RUnlock()

	h.serving.Wait()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.id] = c
	telemetry.ConnectionOpened()
	slog.Info("realtime: client registered", "connection", c.id)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		c.close()
		telemetry.ConnectionClosed()
	}

	slog.Info("realtime: client unregistered", "connection", c.id)
}

// readPump discards client frames; clients talk to the server over HTTP. It returns when the connection breaks.
func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("realtime: read failed", "connection", c.id, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Warn("realtime: write failed", "connection", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
