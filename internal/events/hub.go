// Package events streams session lifecycle and payment events to websocket subscribers
package events

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yegors/sessionpay/pkg/logger"
)

// Event types
const (
	TypeSessionCreated   = "session_created"
	TypeSessionActivated = "session_activated"
	TypeSessionRevoked   = "session_revoked"
	TypeSessionExpired   = "session_expired"
	TypeSessionDebited   = "session_debited"
	TypePaymentPartial   = "payment_partial"

	// Client to server: {"type":"filter_update","data":{"ownerWallet":"0x..."}}
	TypeFilterUpdate = "filter_update"
	// Server to client acknowledgement of a filter update
	TypeFilterApplied = "filter_applied"
)

// Message is a websocket message
type Message struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
	Time time.Time      `json:"time"`

	owner string
}

// Publisher accepts events for delivery. Publishing never blocks the caller.
type Publisher interface {
	Publish(eventType, ownerWallet string, data map[string]any)
}

// Discard drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, string, map[string]any) {}

// Client is one websocket subscriber
type Client struct {
	conn *websocket.Conn
	send chan *Message
	hub  *Hub

	mu     sync.Mutex
	closed bool
	owner  string // empty: every owner
}

// Hub fans events out to subscribers
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}
	stopOnce   sync.Once
	upgrader   websocket.Upgrader
	logger     *logger.Logger
	mu         sync.RWMutex
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a new event hub. Run must be called for events to flow.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: log.Named("events"),
	}
}

// Run delivers events until Stop is called
func (h *Hub) Run() {
	h.logger.Info("Starting event hub")
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client registered", logger.Int("client_count", count))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", logger.Int("client_count", count))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg) {
					continue
				}
				select {
				case client.send <- msg:
				default:
					// slow subscriber
					delete(h.clients, client)
					client.close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop ends Run and disconnects every client
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an event for every subscriber interested in ownerWallet. Events are
// dropped when the queue is full.
func (h *Hub) Publish(eventType, ownerWallet string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	if ownerWallet != "" {
		data["ownerWallet"] = ownerWallet
	}
	msg := &Message{Type: eventType, Data: data, Time: time.Now().UTC(), owner: strings.ToLower(ownerWallet)}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Event queue full, dropping event", logger.String("type", eventType))
	}
}

// HandleConnection upgrades a request to a websocket subscription. The optional
// ownerWallet query parameter sets the initial filter.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}
	client := &Client{
		conn:  conn,
		send:  make(chan *Message, 64),
		hub:   h,
		owner: strings.ToLower(r.URL.Query().Get("ownerWallet")),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.readPump()
	go client.writePump()
}

func (c *Client) wants(msg *Message) bool {
	if msg.Type == TypeFilterApplied {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner == "" || c.owner == msg.owner
}

// close is only called from Run
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("WebSocket read error", logger.Error(err))
			}
			return
		}
		var msg struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.logger.Debug("Ignoring malformed client message", logger.Error(err))
			continue
		}
		if msg.Type != TypeFilterUpdate {
			continue
		}
		owner, _ := msg.Data["ownerWallet"].(string)
		c.mu.Lock()
		c.owner = strings.ToLower(owner)
		if !c.closed {
			select {
			case c.send <- &Message{Type: TypeFilterApplied, Data: map[string]any{"ownerWallet": c.owner}, Time: time.Now().UTC()}:
			default:
			}
		}
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(msg); err != nil {
			c.hub.logger.Debug("WebSocket write failed", logger.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
