package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/events"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	// Server -> Client messages
	MsgTypeEvent     MessageType = "event"
	MsgTypeAck       MessageType = "ack"
	MsgTypeError     MessageType = "error"
	MsgTypeHeartbeat MessageType = "heartbeat"

	// Client -> Server messages
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
	MsgTypeCommand     MessageType = "command"
)

const (
	// ChannelAllRuns receives the events of every run
	ChannelAllRuns = "runs"

	heartbeatInterval = 30 * time.Second
	pingInterval      = 54 * time.Second
	pongWait          = 60 * time.Second
	writeWait         = 10 * time.Second
	sendBuffer        = 256
	eventBuffer       = 256
)

// RunChannel is the channel carrying one run's events
func RunChannel(runID string) string {
	return ChannelAllRuns + ":" + runID
}

// WSMessage is a WebSocket message.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Command is the payload of a command message
type Command struct {
	Action string `json:"action"`
	RunID  string `json:"run_id"`
}

// RunController applies run control commands
type RunController interface {
	TogglePause(runID string) (bool, error)
	Step(runID string) (bool, error)
	Cancel(runID string) error
}

// Client is a WebSocket client connection.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub fans run events out to WebSocket clients.
type Hub struct {
	logger     *zap.Logger
	control    RunController
	upgrader   websocket.Upgrader
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	channels   map[string]map[*Client]bool
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. control may be nil, in which case commands are
// rejected.
func NewHub(logger *zap.Logger, control RunController) *Hub {
	return &Hub{
		logger:  logger,
		control: control,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		channels:   make(map[string]map[*Client]bool),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and heartbeats until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("id", client.id))

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
				}
			}
			h.mu.RUnlock()

		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	for client := range h.clients {
		h.removeLocked(client)
	}
	h.mu.Unlock()
	close(h.done)
}

// removeLocked drops a client and closes its send queue. Callers hold h.mu.
func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	client.mu.RLock()
	for channel := range client.subscriptions {
		if clients, ok := h.channels[channel]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	client.mu.RUnlock()
}

// sendHeartbeat sends heartbeat to all clients.
func (h *Hub) sendHeartbeat() {
	msg, err := encodeMessage(MsgTypeHeartbeat, "", nil)
	if err != nil {
		return
	}

	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
		}
	}
	h.mu.RUnlock()
}

// ForwardEvents relays bus events to the run's channel and to the
// all-runs channel until ctx is done or the bus closes.
func (h *Hub) ForwardEvents(ctx context.Context, bus *events.Bus) error {
	ch, cancel := bus.Subscribe(eventBuffer, nil)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			h.PublishToChannel(RunChannel(event.RunID), MsgTypeEvent, event)
			h.PublishToChannel(ChannelAllRuns, MsgTypeEvent, event)
		}
	}
}

// Subscribe subscribes a client to a channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true

	client.mu.Lock()
	client.subscriptions[channel] = true
	client.mu.Unlock()

	h.logger.Debug("Client subscribed to channel",
		zap.String("client", client.id),
		zap.String("channel", channel))
}

// Unsubscribe unsubscribes a client from a channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}

	client.mu.Lock()
	delete(client.subscriptions, channel)
	client.mu.Unlock()
}

// PublishToChannel publishes a message to a channel. Slow clients miss it.
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data any) {
	msg, err := encodeMessage(msgType, channel, data)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.channels[channel] {
		select {
		case client.send <- msg:
		default:
		}
	}
}

// Broadcast sends a message to all clients.
func (h *Hub) Broadcast(msgType MessageType, data any) {
	msg, err := encodeMessage(msgType, "", data)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:            uuid.NewString(),
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// reply queues a message for one client if it is still registered
func (h *Hub) reply(client *Client, msgType MessageType, channel string, data any) {
	msg, err := encodeMessage(msgType, channel, data)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	select {
	case client.send <- msg:
	default:
	}
}

func encodeMessage(msgType MessageType, channel string, data any) ([]byte, error) {
	msg := WSMessage{
		Type:      msgType,
		Channel:   channel,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// ReadPump pumps messages from the WebSocket to the hub.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Warn("Invalid WebSocket message", zap.Error(err))
			c.hub.reply(c, MsgTypeError, "", map[string]string{"error": "invalid message"})
			continue
		}

		switch msg.Type {
		case MsgTypeSubscribe:
			c.hub.Subscribe(c, msg.Channel)
			c.hub.reply(c, MsgTypeAck, msg.Channel, map[string]string{"action": string(MsgTypeSubscribe)})
		case MsgTypeUnsubscribe:
			c.hub.Unsubscribe(c, msg.Channel)
			c.hub.reply(c, MsgTypeAck, msg.Channel, map[string]string{"action": string(MsgTypeUnsubscribe)})
		case MsgTypeCommand:
			c.handleCommand(msg)
		default:
			c.hub.reply(c, MsgTypeError, msg.Channel, map[string]string{"error": "unknown message type"})
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
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

// handleCommand applies pause, step and cancel commands
func (c *Client) handleCommand(msg WSMessage) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil || cmd.RunID == "" {
		c.hub.reply(c, MsgTypeError, msg.Channel, map[string]string{"error": "command needs action and run_id"})
		return
	}
	c.hub.logger.Debug("Received command",
		zap.String("client", c.id),
		zap.String("action", cmd.Action),
		zap.String("run_id", cmd.RunID))

	result, err := c.hub.applyCommand(cmd)
	if err != nil {
		c.hub.reply(c, MsgTypeError, msg.Channel, map[string]string{"error": err.Error(), "run_id": cmd.RunID})
		return
	}
	result["action"] = cmd.Action
	result["run_id"] = cmd.RunID
	c.hub.reply(c, MsgTypeAck, msg.Channel, result)
}

func (h *Hub) applyCommand(cmd Command) (map[string]any, error) {
	if h.control == nil {
		return nil, errors.New("run control unavailable")
	}
	switch cmd.Action {
	case "pause":
		paused, err := h.control.TogglePause(cmd.RunID)
		return map[string]any{"paused": paused}, err
	case "step":
		stepped, err := h.control.Step(cmd.RunID)
		return map[string]any{"stepped": stepped}, err
	case "cancel":
		return map[string]any{}, h.control.Cancel(cmd.RunID)
	default:
		return nil, errors.New("unknown command " + cmd.Action)
	}
}
