package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"parley/internal/apperr"
	"parley/internal/messaging"
	mw "parley/internal/middleware"
	"parley/internal/realtime"
)

const (
	sendBuffer   = 256
	maxFrameSize = 64 * 1024
	writeWait    = 10 * time.Second
	opTimeout    = 5 * time.Second
)

// WSEvent is the envelope for control frames. Realtime events are sent
// as realtime.Event, which shares the type field.
type WSEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type rawClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type channelRef struct {
	ChannelID string `json:"channel_id"`
}

// Client is one WebSocket connection and its bus subscriptions.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]func()
	closed bool
}

// Hub tracks live clients and bridges their subscriptions to the bus.
type Hub struct {
	svc *messaging.Service
	bus *realtime.Bus
	log zerolog.Logger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub(svc *messaging.Service, bus *realtime.Bus, logger zerolog.Logger) *Hub {
	return &Hub{
		svc:        svc,
		bus:        bus,
		log:        logger.With().Str("component", "ws").Logger(),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run owns client registration until ctx is done, then disconnects
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.drop(client)

		case <-ctx.Done():
			h.mu.RLock()
			all := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				all = append(all, c)
			}
			h.mu.RUnlock()
			for _, c := range all {
				h.drop(c)
			}
			return
		}
	}
}

// drop releases a client's subscriptions and stops its writer.
func (h *Hub) drop(c *Client) {
	c.shutdown()
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		c.shutdown()
	}
}

// --- WebSocket handler ---

func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	userID := mw.CallerID(r)
	if userID == "" {
		errResp(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:    h.hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]func()),
	}
	if !h.hub.add(client) {
		cancel()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// shutdown cancels every subscription. It is idempotent.
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	c.cancel()
	for _, unsub := range subs {
		unsub()
	}
}

// enqueue queues a frame without blocking. Frames for a client that is
// gone or too slow to drain its queue are dropped.
func (c *Client) enqueue(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.hub.log.Warn().Str("user_id", c.userID).Msg("client send queue full, frame dropped")
	}
}

func (c *Client) sendEvent(evt WSEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		c.hub.log.Error().Err(err).Str("type", evt.Type).Msg("ws marshal error")
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(channelID string, err error) {
	msg := "internal error"
	var ae *apperr.AppError
	if errors.As(err, &ae) && ae.Code != apperr.CodeInternal {
		msg = ae.Message
	}
	c.sendEvent(WSEvent{Type: "error", Data: map[string]string{
		"channel_id": channelID,
		"code":       string(apperr.CodeOf(err)),
		"message":    msg,
	}})
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var evt rawClientMessage
		if err := json.Unmarshal(msg, &evt); err != nil {
			c.sendError("", apperr.Validation("malformed frame"))
			continue
		}
		c.handleMessage(evt)
	}
}

func (c *Client) handleMessage(evt rawClientMessage) {
	var d channelRef
	if json.Unmarshal(evt.Data, &d) != nil || d.ChannelID == "" {
		c.sendError("", apperr.Validation("channel_id required"))
		return
	}

	switch evt.Type {
	case "subscribe":
		c.subscribe(d.ChannelID)

	case "unsubscribe":
		c.mu.Lock()
		unsub := c.subs[d.ChannelID]
		delete(c.subs, d.ChannelID)
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		c.sendEvent(WSEvent{Type: "unsubscribed", Data: d})

	case "typing":
		ctx, cancel := context.WithTimeout(c.ctx, opTimeout)
		defer cancel()
		if _, err := c.hub.svc.StartTyping(ctx, c.userID, d.ChannelID); err != nil {
			c.sendError(d.ChannelID, err)
		}

	default:
		c.sendError(d.ChannelID, apperr.Validation("unknown message type"))
	}
}

func (c *Client) subscribe(channelID string) {
	ctx, cancel := context.WithTimeout(c.ctx, opTimeout)
	defer cancel()
	if err := c.hub.svc.CanSubscribe(ctx, c.userID, channelID); err != nil {
		c.sendError(channelID, err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, dup := c.subs[channelID]; !dup {
		c.subs[channelID] = c.hub.bus.Subscribe(channelID, c.forward)
	}
	c.mu.Unlock()
	c.sendEvent(WSEvent{Type: "subscribed", Data: channelRef{ChannelID: channelID}})
}

// forward is the bus listener for every subscription of c.
func (c *Client) forward(ev realtime.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.hub.log.Error().Err(err).Str("channel_id", ev.ChannelID).Msg("ws marshal error")
		return
	}
	c.enqueue(data)
}
