package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wricardo/mcp-training/envserver/env/service"
	"github.com/wricardo/mcp-training/envserver/env/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	broadcastBuffer = 256
)

// Event names sent to clients.
const (
	EventStep   = "step"
	EventReset  = "reset"
	EventClosed = "closed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is one update pushed to the watchers of a session.
type Message struct {
	Handle      session.Handle       `json:"handle"`
	Event       string               `json:"event"`
	Observation *service.Observation `json:"observation,omitempty"`
	Data        any                  `json:"data,omitempty"`
}

// Client is one websocket connection watching a session.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	handle session.Handle
}

// Hub fans session updates out to websocket watchers. All client
// bookkeeping happens on the Run goroutine.
type Hub struct {
	log *zap.Logger

	// Registered clients by handle
	sessions map[session.Handle]map[*Client]bool

	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	// done is closed when Run returns.
	done chan struct{}
}

// NewHub creates a new hub. log may be nil.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:        log,
		sessions:   make(map[session.Handle]map[*Client]bool),
		broadcast:  make(chan *Message, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.sessions {
				for client := range clients {
					h.unregisterClient(client)
				}
			}
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// ServeWS upgrades the request and registers the connection as a watcher of
// handle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, handle session.Handle) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		handle: handle,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// BroadcastObservation sends the result of a step or reset to the watchers
// of obs.Handle.
func (h *Hub) BroadcastObservation(event string, obs *service.Observation) {
	if obs == nil {
		return
	}
	h.enqueue(&Message{Handle: obs.Handle, Event: event, Observation: obs})
}

// BroadcastEvent sends a custom event to the watchers of handle.
func (h *Hub) BroadcastEvent(handle session.Handle, event string, data any) {
	h.enqueue(&Message{Handle: handle, Event: event, Data: data})
}

// enqueue never blocks the caller; updates are dropped when the hub falls
// behind.
func (h *Hub) enqueue(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("websocket broadcast dropped", zap.Stringer("handle", message.Handle), zap.String("event", message.Event))
	}
}

func (h *Hub) registerClient(client *Client) {
	if h.sessions[client.handle] == nil {
		h.sessions[client.handle] = make(map[*Client]bool)
	}
	h.sessions[client.handle][client] = true

	h.log.Debug("websocket client registered",
		zap.Stringer("handle", client.handle), zap.Int("clients", len(h.sessions[client.handle])))
}

func (h *Hub) unregisterClient(client *Client) {
	if clients, ok := h.sessions[client.handle]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			close(client.send)

			if len(clients) == 0 {
				delete(h.sessions, client.handle)
			}

			h.log.Debug("websocket client unregistered",
				zap.Stringer("handle", client.handle), zap.Int("clients", len(clients)))
		}
	}
}

func (h *Hub) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("failed to marshal websocket message", zap.Error(err))
		return
	}

	if clients, ok := h.sessions[message.Handle]; ok {
		for client := range clients {
			select {
			case client.send <- data:
			default:
				h.unregisterClient(client)
			}
		}
	}
}

// readPump keeps the connection alive and unregisters the client when the
// peer goes away. Incoming messages are ignored.
func (c *Client) readPump() {
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
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read failed", zap.Stringer("handle", c.handle), zap.Error(err))
			}
			break
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
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
