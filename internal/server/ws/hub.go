// Package ws streams committed marketplace events to websocket clients.
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

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// replayCount is how many recent stream entries a new client receives.
	replayCount = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ClientObserver is told about connects and disconnects.
type ClientObserver interface {
	ClientConnected()
	ClientDisconnected()
}

// filterMsg is what a client sends to narrow its feed. Empty lists match
// everything.
type filterMsg struct {
	Kinds       []domain.EventKind `json:"kinds"`
	Collections []string           `json:"collections"`
	Accounts    []string           `json:"accounts"`
}

type filter struct {
	kinds       map[domain.EventKind]bool
	collections map[string]bool
	accounts    map[string]bool
}

func newFilter(m filterMsg) filter {
	f := filter{
		kinds:       make(map[domain.EventKind]bool, len(m.Kinds)),
		collections: make(map[string]bool, len(m.Collections)),
		accounts:    make(map[string]bool, len(m.Accounts)),
	}
	for _, k := range m.Kinds {
		f.kinds[k] = true
	}
	for _, c := range m.Collections {
		f.collections[strings.ToLower(c)] = true
	}
	for _, a := range m.Accounts {
		f.accounts[strings.ToLower(a)] = true
	}
	return f
}

func (f filter) match(ev domain.Event) bool {
	if len(f.kinds) > 0 && !f.kinds[ev.Kind] {
		return false
	}
	if len(f.collections) > 0 && !f.collections[strings.ToLower(ev.Collection.Hex())] {
		return false
	}
	if len(f.accounts) > 0 && !f.accounts[strings.ToLower(ev.Account.Hex())] {
		return false
	}
	return true
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	filter filter
}

func (c *client) wants(ev domain.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.match(ev)
}

type broadcastMsg struct {
	event domain.Event
	data  []byte
}

// Hub bridges the event bus to connected clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	observer   ClientObserver
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub reading from bus. observer may be nil.
func NewHub(bus domain.SignalBus, observer ClientObserver, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		observer:   observer,
		logger:     logger.With(slog.String("component", "ws")),
	}
}

// Run subscribes to the market event channel and dispatches until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	msgs, err := h.bus.Subscribe(ctx, domain.ChannelMarketEvents)
	if err != nil {
		return err
	}
	h.logger.Info("ws: subscribed", slog.String("channel", domain.ChannelMarketEvents))

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
			h.mu.Unlock()
			if h.observer != nil {
				h.observer.ClientConnected()
			}
			h.logger.Info("ws: client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				if h.observer != nil {
					h.observer.ClientDisconnected()
				}
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", h.clientCount()))

		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: subscription closed")
				return nil
			}
			var ev domain.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				h.logger.Warn("ws: dropping undecodable event", slog.String("error", err.Error()))
				continue
			}
			h.fanOut(broadcastMsg{event: ev, data: data})
		}
	}
}

func (h *Hub) fanOut(msg broadcastMsg) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(msg.event) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

// HandleWS upgrades the request, replays recent events from the stream,
// and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.replay(r.Context(), c)
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// replay queues the most recent stream entries for c. A stream error only
// costs the client its history.
func (h *Hub) replay(ctx context.Context, c *client) {
	msgs, err := h.bus.StreamRead(ctx, domain.StreamMarketEvents, "0", 0)
	if err != nil {
		h.logger.Warn("ws: replay failed", slog.String("error", err.Error()))
		return
	}
	if len(msgs) > replayCount {
		msgs = msgs[len(msgs)-replayCount:]
	}
	for _, m := range msgs {
		select {
		case c.send <- m.Payload:
		default:
			return
		}
	}
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump applies filter messages until the connection closes.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
		var m filterMsg
		if err := json.Unmarshal(message, &m); err != nil {
			continue
		}
		c.mu.Lock()
		c.filter = newFilter(m)
		c.mu.Unlock()
	}
}

// writePump sends queued events as text frames and keeps the connection
// alive with pings.
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
