package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeWait = 5 * time.Second

type wsEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

func (c *client) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

type room struct {
	clients map[*client]bool
	mu      sync.RWMutex
}

// Hub pushes events to websocket viewers of a conversation or product on
// this instance.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		rooms: make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With("component", "hub"),
	}
}

func (h *Hub) broadcast(topic string, evt wsEvent) {
	h.mu.RLock()
	r, ok := h.rooms[topic]
	h.mu.RUnlock()
	if !ok {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("marshal ws event", "error", err)
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		if err := c.write(payload); err != nil {
			h.log.Debug("ws write failed", "topic", topic, "error", err)
		}
	}
}

// register and unregister hold h.mu so a room is never dropped while a
// client is being added to it.
func (h *Hub) register(topic string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[topic]
	if !ok {
		r = &room{clients: make(map[*client]bool)}
		h.rooms[topic] = r
	}
	r.mu.Lock()
	r.clients[c] = true
	r.mu.Unlock()
}

func (h *Hub) unregister(topic string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[topic]
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.clients, c)
	empty := len(r.clients) == 0
	r.mu.Unlock()
	if empty {
		delete(h.rooms, topic)
	}
}

// Clients returns how many viewers are subscribed to topic.
func (h *Hub) Clients(topic string) int {
	h.mu.RLock()
	r, ok := h.rooms[topic]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Publish delivers evt to local subscribers of each of its topics.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	for _, topic := range evt.Topics() {
		h.broadcast(topic, wsEvent{Type: evt.Type, Data: evt})
	}
	return nil
}

// Serve upgrades the request and streams events for topic until the client
// goes away. Callers must have authorized userID for topic already.
func (h *Hub) Serve(c echo.Context, topic, userID string) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	cl := &client{conn: ws}
	h.register(topic, cl)
	h.broadcast(topic, wsEvent{Type: "presence_join", Data: echo.Map{"user_id": userID}})

	// Read loop (discard client messages; protocol is server push)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			h.unregister(topic, cl)
			_ = ws.Close()
			h.broadcast(topic, wsEvent{Type: "presence_leave", Data: echo.Map{"user_id": userID}})
			return nil
		}
	}
}
