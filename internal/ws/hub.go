// Package ws pushes engine events to browser clients over a websocket.
// The hub fans one event stream out to every connected client; a slow
// client is dropped rather than allowed to stall the broadcast.
package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foundrylabs/foundry/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	sendBuffer = 32
)

// Event is the wire envelope for every broadcast.
type Event struct {
	Event string    `json:"event"`
	Data  any       `json:"data"`
	At    time.Time `json:"at"`
}

type Config struct {
	Logger *slog.Logger

	// CheckOrigin overrides the upgrade origin policy. Nil allows all
	// origins, matching a public read-only event stream.
	CheckOrigin func(r *http.Request) bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Hub owns the client set and the broadcast loop.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(cfg Config) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
	}, nil
}

// Run owns the client set until Stop. Call it in its own goroutine.
func (h *Hub) Run() {
	clients := make(map[*client]struct{})
	for {
		select {
		case c := <-h.register:
			clients[c] = struct{}{}
			metrics.WSClients.Set(float64(len(clients)))
		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
				metrics.WSClients.Set(float64(len(clients)))
			}
		case message := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- message:
				default:
					// Slow client: drop it.
					delete(clients, c)
					close(c.send)
				}
			}
			metrics.WSClients.Set(float64(len(clients)))
		case <-h.done:
			for c := range clients {
				close(c.send)
			}
			metrics.WSClients.Set(0)
			return
		}
	}
}

// Stop shuts down the broadcast loop and disconnects every client.
func (h *Hub) Stop() {
	close(h.done)
}

// Publish broadcasts one event to all connected clients. Never blocks
// the caller: when the broadcast queue is full the event is dropped,
// since every event is a hint to refetch, not a source of truth.
func (h *Hub) Publish(event string, payload any) {
	message, err := json.Marshal(Event{Event: event, Data: payload, At: time.Now().UTC()})
	if err != nil {
		h.log.Error("ws: failed to encode event", "event", event, "error", err)
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("ws: broadcast queue full, dropping event", "event", event)
	}
}

// ServeHTTP upgrades the request and attaches the client to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws: upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		// Hub already stopped: refuse the client instead of blocking.
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one-way. It exists to
// process pongs and notice the peer going away.
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
