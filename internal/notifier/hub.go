package notifier

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mcpsentinel/proxy/internal/mcpevent"
)

// Time allowed to write a message to a peer before the connection is
// considered dead.
const writeWait = 10 * time.Second

// Send pings on this period to keep idle connections (and any intermediate
// proxies) from timing out the socket.
const pingPeriod = 30 * time.Second

// client is one subscriber to the /ws push channel.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is a gorilla/websocket-backed Notifier: it fans every pushed Finding
// out to all currently connected /ws clients, mirroring the
// register/unregister/broadcast channel loop idiom used for frontend push
// channels elsewhere in the stack this proxy was assembled from.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a Hub. Call Run in its own goroutine before accepting any
// /ws upgrades.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run drives the hub's event loop until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.log.Warn("ws client send buffer full, dropping connection")
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop closes the hub and every connected client's send channel.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// PushFinding serializes f and broadcasts it to every connected client. It
// never blocks: if the broadcast channel itself is full the finding is
// dropped and logged, matching the bus's "never slow the forwarding path"
// discipline.
func (h *Hub) PushFinding(f mcpevent.Finding) {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Warn("failed to marshal finding for ws push", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("ws broadcast channel full, dropping finding push", zap.String("detector", f.Detector))
	}
}

// Register upgrades conn into a tracked client and starts its write pump.
// The caller's HTTP handler owns the connection's read loop (if any); this
// proxy's /ws clients are receive-only, so Register only drives writes.
func (h *Hub) Register(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, 32)}
	h.register <- c
	go h.writePump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-h.ctx.Done():
			return
		}
	}
}

// ClientCount reports the number of currently connected /ws clients.
// Diagnostic/test helper.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
