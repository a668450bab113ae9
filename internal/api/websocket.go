package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/SimplyPrint/nfc-wedge/internal/monitor"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	clientBuffer   = 256
)


// WSMessage is the envelope for everything sent over /v1/ws.
type WSMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WSClient is one connected websocket peer.
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	closed bool // guarded by hub.mu
}

// Hub fans monitor events out to every connected websocket client.
type Hub struct {
	status     Status
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	once       sync.Once
	mu         sync.RWMutex
	origins    originPolicy // set before serving
}

// NewHub creates a hub. status may be nil.
func NewHub(status Status) *Hub {
	return &Hub{
		status:     status,
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
}

// Run services the hub until ctx is cancelled. Only the first call runs.
func (h *Hub) Run(ctx context.Context) {
	started := false
	h.once.Do(func() { started = true })
	if !started {
		return
	}
	defer logging.RecoverAndLog("WebSocket hub", false)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.drop(client)
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; its write pump sees the closed channel and hangs up.
					client.close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) drop(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.close()
	}
}

// close must be called with hub.mu held.
func (c *WSClient) close() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		client.close()
		delete(h.clients, client)
	}
	h.mu.Unlock()
	close(h.done)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish broadcasts a monitor event as {"type": ev.Name(), "payload": ev}.
// It never blocks; events are dropped when the hub is backed up or stopped.
func (h *Hub) Publish(ev monitor.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(WSMessage{Type: ev.Name(), Payload: payload})
	if err != nil {
		return err
	}
	h.enqueue(data)
	return nil
}

// BroadcastStatus pushes the current status snapshot to every client.
func (h *Hub) BroadcastStatus() {
	payload, _ := json.Marshal(buildStatus(h.status))
	data, _ := json.Marshal(WSMessage{Type: "status", Payload: payload})
	h.enqueue(data)
}

func (h *Hub) enqueue(data []byte) {
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		logging.Warn(logging.CatWebSocket, "Broadcast queue full, dropping message", nil)
	}
}

// ServeHTTP upgrades the request and registers the client. The first
// message a client receives is the current status.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: h.origins.allows}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan []byte, clientBuffer),
		hub:  h,
	}
	client.sendResponse("", "status", buildStatus(h.status))

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"remoteAddr": r.RemoteAddr,
	})

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	defer logging.RecoverAndLog("WebSocket readPump", false)
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "status":
		c.sendResponse(msg.ID, "status", buildStatus(c.hub.status))
	case "health":
		st := buildStatus(c.hub.status)
		c.sendResponse(msg.ID, "health", map[string]interface{}{
			"state":       st.State,
			"readerCount": len(st.Readers),
			"clients":     c.hub.ClientCount(),
		})
	case "version":
		c.sendResponse(msg.ID, "version", map[string]interface{}{
			"version":   Version,
			"buildTime": BuildTime,
			"gitCommit": GitCommit,
		})
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// sendResponse queues a reply for this client only. Replies are dropped
// when the client's buffer is full.
func (c *WSClient) sendResponse(id, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	c.queue(WSMessage{Type: msgType, ID: id, Payload: payloadBytes})
}

func (c *WSClient) sendError(id, errMsg string) {
	c.queue(WSMessage{Type: "error", ID: id, Error: errMsg})
}

func (c *WSClient) queue(msg WSMessage) {
	data, _ := json.Marshal(msg)

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
