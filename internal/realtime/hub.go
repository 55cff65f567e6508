// Package realtime is the socket transport: a WebSocket hub with named
// rooms, fire-and-forget events and request/ack calls.
//
// Every frame is a JSON envelope {"event": name, "data": payload}. A client
// that wants a reply adds "ack": n and receives {"event": "ack", "ack": n,
// "data": result}.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 16 * 1024
	sendBuffer     = 256
)

// AckEvent names the reply frame of an acknowledged call.
const AckEvent = "ack"

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *int64          `json:"ack,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Ack   *int64 `json:"ack,omitempty"`
}

// Handler processes one inbound event. Its return value is sent back when
// the client asked for an ack and ignored otherwise.
type Handler func(ctx context.Context, c *Conn, event string, data json.RawMessage) any

type Conn struct {
	id     string
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	rooms  map[string]struct{}
}

func (c *Conn) ID() string { return c.id }

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) Emit(event string, data any) {
	b, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		c.hub.logger.Error("marshal event", "event", event, "error", err)
		return
	}
	c.enqueue(b)
}

func (c *Conn) enqueue(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		observability.SocketDropsTotal.Inc()
		c.hub.logger.Warn("send buffer full, dropping message", "conn_id", c.id)
	}
}

type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	rooms   map[string]map[string]*Conn
	handler Handler
	onClose func(*Conn)
	logger  *slog.Logger

	upgrader websocket.Upgrader
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[string]*Conn),
		logger: logger.With("component", "realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetHandler must be called before the hub serves connections.
func (h *Hub) SetHandler(fn Handler) { h.handler = fn }

// OnClose registers a callback run after a connection has left all rooms.
func (h *Hub) OnClose(fn func(*Conn)) { h.onClose = fn }

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:     uuid.NewString(),
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	observability.SocketConnections.Inc()
	h.logger.Debug("connection opened", "conn_id", c.id, "remote_addr", r.RemoteAddr)

	c.Emit("connected", map[string]string{"id": c.id})
	go c.writePump()
	go c.readPump()
}

func (h *Hub) Join(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[connID] = c
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, room)
}

func (h *Hub) leaveLocked(connID, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if c, ok := h.conns[connID]; ok {
		c.mu.Lock()
		delete(c.rooms, room)
		c.mu.Unlock()
	}
}

func (h *Hub) EmitToConn(connID, event string, data any) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if ok {
		c.Emit(event, data)
	}
}

func (h *Hub) EmitTo(room, event string, data any) {
	h.EmitToExcept(room, "", event, data)
}

// EmitToExcept sends to every member of room but exceptConnID.
func (h *Hub) EmitToExcept(room, exceptConnID, event string, data any) {
	b, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		h.logger.Error("marshal event", "event", event, "error", err)
		return
	}
	for _, c := range h.members(room) {
		if c.id != exceptConnID {
			c.enqueue(b)
		}
	}
}

func (h *Hub) members(room string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close drops every connection. Close callbacks still run.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()
	for _, room := range rooms {
		h.leaveLocked(c.id, room)
	}
	delete(h.conns, c.id)
	h.mu.Unlock()

	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	c.cancel()
	observability.SocketConnections.Dec()
	h.logger.Debug("connection closed", "conn_id", c.id)

	if h.onClose != nil {
		h.onClose(c)
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Event == "" {
			c.hub.logger.Debug("malformed frame", "conn_id", c.id, "error", err)
			continue
		}
		result := c.dispatch(env)
		if env.Ack != nil {
			if result == nil {
				result = struct{}{}
			}
			b, err := json.Marshal(outbound{Event: AckEvent, Data: result, Ack: env.Ack})
			if err != nil {
				c.hub.logger.Error("marshal ack", "event", env.Event, "error", err)
				continue
			}
			c.enqueue(b)
		}
	}
}

// dispatch runs the handler and turns a panic into a failure result so one
// bad frame never takes the connection down.
func (c *Conn) dispatch(env Envelope) (result any) {
	if c.hub.handler == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			c.hub.logger.Error("panic in socket handler",
				"event", env.Event, "conn_id", c.id, "error", fmt.Sprint(rec), "stack", string(debug.Stack()))
			observability.SocketEventsTotal.WithLabelValues(env.Event, "panic").Inc()
			result = map[string]any{"success": false, "message": "internal error"}
		}
	}()
	return c.hub.handler(c.ctx, c, env.Event, env.Data)
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
