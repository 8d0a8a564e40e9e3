// internal/web/websocket.go
package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"pagewatch/internal/metrics"
	"pagewatch/internal/monitoring"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type WSClient struct {
	conn *websocket.Conn
	send chan WSMessage
	hub  *Hub
}

// Hub fans event records out to websocket clients. It is an event sink, so
// Emit runs on the bus goroutine and never blocks: a client whose buffer is
// full is disconnected.
type Hub struct {
	mu      sync.Mutex
	clients map[*WSClient]bool
	closed  bool
	metrics *metrics.Collector
}

func NewHub(metricsCollector *metrics.Collector) *Hub {
	return &Hub{
		clients: make(map[*WSClient]bool),
		metrics: metricsCollector,
	}
}

func (h *Hub) Emit(record monitoring.EventRecord) {
	h.broadcast(WSMessage{Type: "event", Data: record})
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		h.removeLocked(client)
	}
}

func (h *Hub) register(client *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = true
	if h.metrics != nil {
		h.metrics.RecordWebSocketConnection(1)
	}
	return true
}

func (h *Hub) unregister(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *Hub) removeLocked(client *WSClient) {
	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if h.metrics != nil {
		h.metrics.RecordWebSocketConnection(-1)
	}
}

func (h *Hub) broadcast(message WSMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			logrus.Warn("Dropping slow websocket client")
			h.removeLocked(client)
		}
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to upgrade websocket")
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan WSMessage, 256),
		hub:  s.hub,
	}

	// Replay recent history. Must happen before register shares the channel.
	recent := s.engine.Events(20, "")
	for i := len(recent) - 1; i >= 0; i-- {
		client.send <- WSMessage{Type: "event", Data: recent[i]}
	}

	if !s.hub.register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
