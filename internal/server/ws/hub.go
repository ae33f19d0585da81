// Package ws pushes episode and session status events from the signal bus to
// websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	historyLimit   = 500
)

// Channels are the bus channels the hub relays.
var Channels = []string{domain.ChannelEpisode, domain.ChannelStatus}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Envelope wraps every frame sent to a client.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// request is a client control frame.
//
//	{"action":"subscribe","channels":["ch:episode"],"sessions":["<id>"]}
//	{"action":"unsubscribe","channels":["ch:status"]}
//	{"action":"history","after":"0","count":100}
type request struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	Sessions []string `json:"sessions"`
	After    string   `json:"after"`
	Count    int      `json:"count"`
}

type historyEntry struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type broadcastMsg struct {
	channel string
	session string
	data    []byte
}

// Hub fans bus messages out to connected clients.
type Hub struct {
	bus       domain.SignalBus
	mode      string
	startedAt time.Time
	logger    *slog.Logger

	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, mode string, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		mode:       mode,
		startedAt:  time.Now().UTC(),
		logger:     logger.With(slog.String("component", "ws_hub")),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run subscribes to every relayed channel, then serves clients until ctx is
// done. Clients are only accepted once the subscriptions are in place.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for _, ch := range Channels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			return err
		}
		go h.forward(ctx, ch, msgs)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.closeSend()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.closeSend()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("clients", n))

		case msg := <-h.broadcast:
			frame, err := json.Marshal(Envelope{Type: "event", Channel: msg.channel, Payload: msg.data})
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.channel, msg.session) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) forward(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				return
			}
			var head struct {
				SessionID string `json:"session_id"`
			}
			_ = json.Unmarshal(data, &head)
			select {
			case h.broadcast <- broadcastMsg{channel: channel, session: head.SessionID, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		channels: map[string]bool{},
		sessions: map[string]bool{},
	}
	for _, ch := range Channels {
		c.channels[ch] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.reply("hello", map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"channels":       Channels,
	})

	go c.writePump()
	go c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	closed   bool
	channels map[string]bool
	sessions map[string]bool // empty means every session
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) wants(channel, session string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.channels[channel] {
		return false
	}
	return len(c.sessions) == 0 || session == "" || c.sessions[session]
}

func (c *client) reply(kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := json.Marshal(Envelope{Type: kind, Payload: data})
	if err != nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply("error", map[string]string{"error": "invalid request"})
			continue
		}
		c.handle(ctx, req)
	}
}

func (c *client) handle(ctx context.Context, req request) {
	switch req.Action {
	case "subscribe", "unsubscribe":
		on := req.Action == "subscribe"
		c.mu.Lock()
		for _, ch := range req.Channels {
			if !slices.Contains(Channels, ch) {
				continue
			}
			if on {
				c.channels[ch] = true
			} else {
				delete(c.channels, ch)
			}
		}
		for _, id := range req.Sessions {
			if on {
				c.sessions[id] = true
			} else {
				delete(c.sessions, id)
			}
		}
		chans := make([]string, 0, len(c.channels))
		for ch := range c.channels {
			chans = append(chans, ch)
		}
		sessions := make([]string, 0, len(c.sessions))
		for id := range c.sessions {
			sessions = append(sessions, id)
		}
		c.mu.Unlock()
		slices.Sort(chans)
		slices.Sort(sessions)
		c.reply("subscribed", map[string]any{"channels": chans, "sessions": sessions})

	case "history":
		after := req.After
		if after == "" {
			after = "0"
		}
		count := req.Count
		if count <= 0 || count > historyLimit {
			count = historyLimit
		}
		msgs, err := c.hub.bus.StreamRead(ctx, domain.StreamEpisode, after, count)
		if err != nil {
			c.hub.logger.Warn("read episode history failed", slog.String("error", err.Error()))
			c.reply("error", map[string]string{"error": "history unavailable"})
			return
		}
		entries := make([]historyEntry, 0, len(msgs))
		for _, m := range msgs {
			entries = append(entries, historyEntry{ID: m.ID, Payload: m.Payload})
		}
		c.reply("history", map[string]any{"messages": entries})

	default:
		c.reply("error", map[string]string{"error": "unknown action " + req.Action})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
