package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/tvbill/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const sendBuffer = 256

// Client is one websocket connection joined to a set of rooms.
type Client struct {
	ID    uint64
	Rooms []string
	Send  chan []byte
}

// Hub delivers events to the websocket clients of this instance.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]struct{}
	clients  map[*Client]struct{}
	nextID   atomic.Uint64
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHub creates an empty hub. checkOrigin may be nil to allow every origin.
func NewHub(checkOrigin func(origin string) bool, logger zerolog.Logger) *Hub {
	h := &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024 * 4,
		},
	}
	if checkOrigin != nil {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || checkOrigin(origin)
		}
	} else {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return h
}

// Register joins a new client to rooms and returns a cleanup function.
func (h *Hub) Register(rooms ...string) (*Client, func()) {
	c := &Client{
		ID:    h.nextID.Add(1),
		Rooms: rooms,
		Send:  make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	for _, room := range rooms {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*Client]struct{})
		}
		h.rooms[room][c] = struct{}{}
	}
	h.mu.Unlock()

	metrics.ConnectedClients.Inc()
	h.logger.Debug().Uint64("client", c.ID).Strs("rooms", rooms).Msg("Client registered")

	var once sync.Once
	return c, func() {
		once.Do(func() { h.unregister(c) })
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	for _, room := range c.Rooms {
		if m, ok := h.rooms[room]; ok {
			delete(m, c)
			if len(m) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	close(c.Send)
	h.mu.Unlock()

	metrics.ConnectedClients.Dec()
	h.logger.Debug().Uint64("client", c.ID).Msg("Client unregistered")
}

// Publish implements Publisher. Clients whose buffer is full miss the event.
func (h *Hub) Publish(_ context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.Name, err)
	}

	h.mu.RLock()
	targets := h.targets(e.Rooms)
	// Sends happen under the read lock so unregister cannot close a channel mid-send.
	for _, c := range targets {
		select {
		case c.Send <- data:
		default:
			metrics.EventsDropped.WithLabelValues(e.Name).Inc()
			h.logger.Warn().Uint64("client", c.ID).Str("event", e.Name).Msg("Client send buffer full")
		}
	}
	h.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(e.Name).Inc()
	return nil
}

// targets must be called with h.mu held.
func (h *Hub) targets(rooms []string) []*Client {
	if len(rooms) == 0 {
		out := make([]*Client, 0, len(h.clients))
		for c := range h.clients {
			out = append(out, c)
		}
		return out
	}
	seen := make(map[*Client]struct{})
	var out []*Client
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// RoomSize returns the number of clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Upgrader returns the WebSocket upgrader for HTTP handlers.
func (h *Hub) Upgrader() *websocket.Upgrader {
	return &h.upgrader
}
