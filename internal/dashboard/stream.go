package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StrategyController is the pull-model half of the control API (§6.4):
// the narrow set of orchestrator operations a dashboard client is allowed
// to trigger remotely. Declared locally, the way orchestrator.Reporter is,
// so this package doesn't need to import internal/orchestrator.
type StrategyController interface {
	Pause()
	Resume()
	CloseManual(ctx context.Context, positionID string) error
}

// pushEnvelope wraps every broadcast message with a type tag so a client
// can dispatch without inspecting the payload shape first. Adapted from
// the teacher's DashboardEvent, which played the same role for both
// domain events and snapshots.
type pushEnvelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// command is one inbound control-API request (§6.4): pause_strategy,
// resume_strategy, close_position, or ping. PositionID is only read for
// close_position.
type command struct {
	Type       string `json:"type"`
	PositionID string `json:"position_id,omitempty"`
}

// commandReply is written back to the requesting client only — control
// replies are never broadcast to the rest of the hub.
type commandReply struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Hub manages websocket clients and broadcasts snapshots/events to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex
	logger     *slog.Logger

	controllerMu sync.RWMutex
	controller   StrategyController
}

// NewHub creates a hub. controller may be nil, in which case every
// pause_strategy, resume_strategy, and close_position command is rejected
// with "control api disabled"; ping is still answered.
func NewHub(controller StrategyController, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     logger.With("component", "dashboard-hub"),
		controller: controller,
	}
}

// SetController wires (or rewires) the hub's control-API target. Used when
// the orchestrator is constructed after the Hub, since the Hub is owned by
// the Reporter, which the orchestrator itself depends on.
func (h *Hub) SetController(controller StrategyController) {
	h.controllerMu.Lock()
	h.controller = controller
	h.controllerMu.Unlock()
}

func (h *Hub) getController() StrategyController {
	h.controllerMu.RLock()
	defer h.controllerMu.RUnlock()
	return h.controller
}

// Run is the hub's main loop; call it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("client connected", "count", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", "count", len(h.clients))

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastEvent sends a TimelineEvent to every connected client.
func (h *Hub) BroadcastEvent(evt TimelineEvent) {
	h.broadcastEnvelope("event", evt)
}

// BroadcastSnapshot sends a DashboardSnapshot to every connected client.
func (h *Hub) BroadcastSnapshot(snapshot DashboardSnapshot) {
	h.broadcastEnvelope("snapshot", snapshot)
}

func (h *Hub) broadcastEnvelope(kind string, data interface{}) {
	data2, err := json.Marshal(pushEnvelope{Type: kind, Timestamp: time.Now(), Data: data})
	if err != nil {
		h.logger.Error("failed to marshal push", "type", kind, "error", err)
		return
	}
	select {
	case h.broadcast <- data2:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", kind)
	}
}

// dispatch runs one inbound command against the hub's controller and
// returns the reply to write back to the requesting client.
func (h *Hub) dispatch(ctx context.Context, cmd command) commandReply {
	controller := h.getController()

	switch cmd.Type {
	case "ping":
		return commandReply{OK: true, Message: "pong"}

	case "pause_strategy":
		if controller == nil {
			return commandReply{OK: false, Error: "control api disabled"}
		}
		controller.Pause()
		return commandReply{OK: true, Message: "strategy paused"}

	case "resume_strategy":
		if controller == nil {
			return commandReply{OK: false, Error: "control api disabled"}
		}
		controller.Resume()
		return commandReply{OK: true, Message: "strategy resumed"}

	case "close_position":
		if controller == nil {
			return commandReply{OK: false, Error: "control api disabled"}
		}
		if cmd.PositionID == "" {
			return commandReply{OK: false, Error: "position_id is required"}
		}
		if err := controller.CloseManual(ctx, cmd.PositionID); err != nil {
			return commandReply{OK: false, Error: err.Error()}
		}
		return commandReply{OK: true, Message: "position closed"}

	default:
		return commandReply{OK: false, Error: "unknown command: " + cmd.Type}
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is one connected websocket client.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
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

// readPump reads commands from the websocket connection and dispatches
// them against the hub's controller, writing each reply directly to this
// client's own connection. Unlike the teacher's read-only dashboard, every inbound message
// here is a control-API request (§6.4), never discarded.
func (c *Client) readPump() {
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
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			return
		}

		var cmd command
		reply := commandReply{}
		if err := json.Unmarshal(raw, &cmd); err != nil {
			reply = commandReply{OK: false, Error: "malformed command: " + err.Error()}
		} else {
			reply = c.hub.dispatch(context.Background(), cmd)
		}

		data, err := json.Marshal(reply)
		if err != nil {
			c.hub.logger.Error("failed to marshal command reply", "error", err)
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// NewClient registers a client with the hub and starts its pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	return client
}
