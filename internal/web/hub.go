package web

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	sendBuffer   = 64
)

// Event is pushed to websocket subscribers of a session.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      any    `json:"data,omitempty"`
	Time      int64  `json:"time"`
}

// Client is one websocket subscriber
type Client struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *Hub
	mu        sync.Mutex
	closed    bool
}

type envelope struct {
	sessionID string
	data      []byte
}

// Hub fans session events out to the websocket clients watching them
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan envelope
	done       chan struct{}
	logger     zerolog.Logger
	mu         sync.RWMutex
}

// NewHub creates a new hub. Call Run to start delivering.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan envelope, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is done, disconnecting
// every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case env := <-h.broadcast:
			h.deliver(env)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	h.logger.Debug().Str("client", client.ID).Str("session", client.SessionID).Int("total", len(h.clients)).Msg("client connected")

	go client.writePump(h.logger)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		h.logger.Debug().Str("client", client.ID).Int("total", len(h.clients)).Msg("client disconnected")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.Send)
	}
}

func (h *Hub) deliver(env envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if client.SessionID != env.sessionID {
			continue
		}
		select {
		case client.Send <- env.data:
		default:
			h.logger.Warn().Str("client", client.ID).Msg("client send buffer full")
		}
	}
}

// Publish queues an event for the subscribers of sessionID. Events are
// dropped when the hub is saturated.
func (h *Hub) Publish(sessionID, eventType string, data any) {
	payload, err := json.Marshal(Event{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
		Time:      time.Now().Unix(),
	})
	if err != nil {
		h.logger.Error().Err(err).Str("type", eventType).Msg("failed to marshal event")
		return
	}
	select {
	case h.broadcast <- envelope{sessionID: sessionID, data: payload}:
	default:
		h.logger.Warn().Str("type", eventType).Msg("broadcast channel full, dropping event")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) writePump(logger zerolog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.mu.Lock()
			if !ok {
				c.closed = true
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug().Err(err).Str("client", c.ID).Msg("websocket write failed")
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.Conn.Close()
}

// readPump drains the connection so control frames are handled, and
// unregisters the client once the peer goes away.
func (c *Client) readPump(logger zerolog.Logger) {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Close()
	}()

	c.Conn.SetReadLimit(512)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug().Err(err).Str("client", c.ID).Msg("unexpected websocket close")
			}
			return
		}
	}
}
