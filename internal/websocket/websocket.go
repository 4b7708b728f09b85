// Package websocket streams broker events to dashboard clients.
package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/homerelay/internal/broker"
	"github.com/homerelay/internal/mqttclient"
	"github.com/homerelay/internal/registry"
	"github.com/homerelay/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	KindRegistered  = "session_registered"
	KindRemoved     = "session_removed"
	KindRelay       = "relay_routed"
	KindDeviceState = "device_state"
)

// Event is one broker occurrence as sent to clients.
type Event struct {
	Kind    string    `json:"kind"`
	Time    time.Time `json:"time"`
	Key     string    `json:"key,omitempty"`
	Role    string    `json:"role,omitempty"`
	Remote  string    `json:"remote,omitempty"`
	FromKey string    `json:"from_key,omitempty"`
	ToKey   string    `json:"to_key,omitempty"`
	Info    string    `json:"info,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
	Code    int       `json:"code,omitempty"`
	Topic   string    `json:"topic,omitempty"`
	Payload string    `json:"payload,omitempty"`
}

// Hub fans events out to every connected client. It observes the registry
// and the router.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	done       chan struct{}
	logger     *zap.Logger
}

var (
	_ registry.Observer    = (*Hub)(nil)
	_ broker.RouteObserver = (*Hub)(nil)
)

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Event
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		logger:     logger.Named("websocket"),
	}
}

// Run delivers events until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", zap.Int("clients", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", zap.Int("clients", n))

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- event:
				default:
					// slow client
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues e for every client. Events are dropped when the queue is
// full.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("broadcast channel full, dropping event", zap.String("kind", e.Kind))
	}
}

func (h *Hub) SessionRegistered(e registry.Entry) {
	h.Publish(sessionEvent(KindRegistered, e))
}

func (h *Hub) SessionRemoved(e registry.Entry) {
	h.Publish(sessionEvent(KindRemoved, e))
}

func sessionEvent(kind string, e registry.Entry) Event {
	ev := Event{Kind: kind, Key: e.Key, Role: e.Role.String()}
	if e.Session != nil {
		ev.Remote = e.Session.RemoteAddr()
	}
	return ev
}

func (h *Hub) RelayRouted(r protocol.Relay, res broker.RouteResult) {
	ev := Event{
		Kind:    KindRelay,
		FromKey: r.FromKey,
		ToKey:   r.ToKey,
		Info:    r.Info,
		Outcome: res.Final.String(),
	}
	if res.Code != protocol.CodeNone {
		ev.Code = int(res.Code)
	}
	h.Publish(ev)
}

// WatchMQTT forwards device state messages matching topic, e.g.
// "home/+/state", as device_state events.
func (h *Hub) WatchMQTT(client *mqttclient.Client, topic string) error {
	if err := client.Subscribe(topic, 0, h.handleMQTTMessage); err != nil {
		return err
	}
	h.logger.Info("subscribed to device states", zap.String("topic", topic))
	return nil
}

func (h *Hub) handleMQTTMessage(topic string, payload []byte) {
	h.Publish(Event{Kind: KindDeviceState, Topic: topic, Payload: string(payload)})
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan Event, 256),
	}
	select {
	case client.hub.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

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
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
	}
}

// writePump writes queued events, several per frame separated by newlines
// when they pile up.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			if err := enc.Encode(event); err != nil {
				c.hub.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := enc.Encode(<-c.send); err != nil {
					continue
				}
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(buf.Bytes(), "\n")); err != nil {
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

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
