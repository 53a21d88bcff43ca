// Package events streams fetch and task lifecycle events to websocket
// subscribers
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/gorilla/websocket"
)

const (
	MaxClients   = 100
	WriteTimeout = 10 * time.Second
	PongTimeout  = 60 * time.Second
	PingInterval = 30 * time.Second
	sendBuffer   = 256
)

// Message is what subscribers receive
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time string      `json:"time"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans published events out to every connected client
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Message
	register   chan *client
	unregister chan *client
	shutdown   chan struct{}
	once       sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        *logger.L
}

// NewHub creates a hub and starts its loop
func NewHub(log *logger.L) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Message, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log,
	}
	go h.run()
	return h
}

// Shutdown stops the loop and disconnects every client
func (h *Hub) Shutdown() {
	h.once.Do(func() {
		close(h.shutdown)
	})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an event for broadcast. Events are dropped when the hub
// is saturated or shut down.
func (h *Hub) Publish(eventType string, data interface{}) {
	msg := Message{
		Type: eventType,
		Data: data,
		Time: time.Now().UTC().Format(time.RFC3339),
	}
	select {
	case <-h.shutdown:
	case h.broadcast <- msg:
	default:
		h.log.Warnf("Warning: event buffer full, dropping %s", eventType)
	}
}

func (h *Hub) run() {
	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= MaxClients {
				h.mu.Unlock()
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server at capacity"))
				c.conn.Close()
				h.log.Warnf("Warning: websocket client rejected: max clients reached (%d)", MaxClients)
				continue
			}
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Infof("websocket client connected, total clients: %d", count)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Infof("websocket client disconnected, total clients: %d", count)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.log.Errorf("ERROR: marshal event %s: %v", msg.Type, err)
				continue
			}

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// slow consumer
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades the request and subscribes the connection
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.ClientCount() >= MaxClients {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("Warning: websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	select {
	case h.register <- c:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only handles control frames; subscribers do not send data
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debugf("websocket read error: %v", err)
			}
			return
		}
	}
}
