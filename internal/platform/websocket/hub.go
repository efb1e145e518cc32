// Package websocket pushes appointment events to connected staff and patient
// sessions. Each connection is bound to the topics its caller may see when it
// is opened; clients cannot subscribe to anything else.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Message is the frame written to clients.
type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Routable payloads name the topics they are delivered to.
type Routable interface {
	Topics() []string
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is a single live connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	conn   Conn
}

// NewClient returns a client bound to topics. conn may be nil for clients
// driven directly through Send.
func NewClient(conn Conn, topics []string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		Topics: topics,
		Send:   make(chan []byte, sendBuffer),
		conn:   conn,
	}
}

// Hub tracks clients by topic. It implements the appointment event publisher,
// so it can sit beside the webhook publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	closed  bool
	now     func() time.Time
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		now:     time.Now,
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

// ErrHubClosed is returned when registering against a closed hub.
var ErrHubClosed = errors.New("websocket: hub closed")

// Register adds a client under each of its topics.
func (h *Hub) Register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
	return nil
}

// Unregister removes a client and closes its Send channel. Safe to call twice.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Publish delivers payload to every topic it routes to. Payloads that do not
// implement Routable are dropped. A client whose buffer is full misses the
// event rather than stalling the publisher.
func (h *Hub) Publish(_ context.Context, eventType string, payload any) error {
	r, ok := payload.(Routable)
	if !ok {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	// A client subscribed to several matching topics receives the event once.
	delivered := make(map[*Client]struct{})
	for _, topic := range r.Topics() {
		subscribers := h.clients[topic]
		if len(subscribers) == 0 {
			continue
		}
		frame, err := json.Marshal(Message{Type: eventType, Topic: topic, Timestamp: h.now().UTC(), Data: data})
		if err != nil {
			return err
		}
		for client := range subscribers {
			if _, seen := delivered[client]; seen {
				continue
			}
			delivered[client] = struct{}{}
			select {
			case client.Send <- frame:
			default:
				h.logger.Warn().Str("client_id", client.ID).Str("event", eventType).Msg("client buffer full, event dropped")
			}
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients bound to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.all {
		h.removeLocked(client)
	}
	return nil
}

// TopicsFunc resolves the topics a request may listen to.
type TopicsFunc func(c echo.Context) ([]string, error)

// Handler upgrades authenticated requests to event streams.
type Handler struct {
	hub      *Hub
	topics   TopicsFunc
	upgrader gorillawebsocket.Upgrader
}

// NewHandler binds a handler to hub. allowedOrigins of nil or containing "*"
// accepts any origin.
func NewHandler(hub *Hub, topics TopicsFunc, allowedOrigins []string) *Handler {
	return &Handler{
		hub:    hub,
		topics: topics,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set[origin]
	}
}

// RegisterRoutes mounts the event stream on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/events", h.Connect)
}

// Connect resolves the caller's topics before upgrading, so authorization
// failures are plain HTTP errors.
func (h *Handler) Connect(c echo.Context) error {
	topics, err := h.topics(c)
	if err != nil {
		return err
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		return nil
	}

	client := NewClient(ws, topics)
	if err := h.hub.Register(client); err != nil {
		_ = ws.WriteControl(gorillawebsocket.CloseMessage,
			gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		return ws.Close()
	}
	h.hub.logger.Debug().Str("client_id", client.ID).Strs("topics", topics).Msg("client connected")

	go h.hub.writePump(client)
	go h.hub.readPump(client)
	return nil
}

// readPump discards inbound frames and keeps the read deadline alive on pongs.
// It unregisters the client when the peer goes away.
func (h *Hub) readPump(client *Client) {
	defer h.Unregister(client)

	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains Send and pings the peer. It closes the connection when Send
// is closed or a write fails.
func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-client.Send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
