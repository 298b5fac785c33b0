package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Envelope is the frame written to clients for every relayed bus message.
type Envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool // subscribed channels; a trailing * matches a prefix
	mu   sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to change its channels.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// StatusFunc returns the snapshot sent to clients right after they connect.
type StatusFunc func(ctx context.Context) any

// Config lists the bus channels the hub relays and the channels new clients
// are subscribed to before they send any subscription message.
type Config struct {
	Channels        []string
	DefaultChannels []string
	Status          StatusFunc
}

// Hub relays round ticks, candles and round results from the signal bus to
// connected WebSocket clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	cfg        Config
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a hub relaying cfg.Channels from bus.
func NewHub(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Hub {
	if cfg.DefaultChannels == nil {
		cfg.DefaultChannels = cfg.Channels
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run subscribes to the bus and serves client registration and broadcasts
// until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for _, ch := range h.cfg.Channels {
		go h.subscribeToChannel(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			frame, err := json.Marshal(msg)
			if err != nil {
				h.logger.Warn("ws: drop unencodable message",
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(msg.Channel) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("ws: dropping message for slow client", slog.String("channel", msg.Channel))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribeToChannel forwards one bus channel into the broadcast loop.
func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", channel))
				return
			}
			if !json.Valid(data) {
				data, _ = json.Marshal(string(data))
			}
			select {
			case h.broadcast <- Envelope{Channel: channel, Data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	for _, ch := range h.cfg.DefaultChannels {
		c.subs[ch] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendInitialStatus(r.Context())

	go c.writePump()
	go c.readPump()
}

// readPump reads subscription changes from the client until it disconnects.
func (c *client) readPump() {
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
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch strings.ToLower(msg.Action) {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

// sendInitialStatus pushes the engine snapshot so clients can render the
// current round before the next tick arrives.
func (c *client) sendInitialStatus(ctx context.Context) {
	if c.hub.cfg.Status == nil {
		return
	}
	payload, err := json.Marshal(c.hub.cfg.Status(ctx))
	if err != nil {
		return
	}
	frame, err := json.Marshal(Envelope{Channel: "status", Data: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// isSubscribed checks whether the client is subscribed to the given channel.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// writePump writes hub frames and keepalive pings to the connection.
func (c *client) writePump() {
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
