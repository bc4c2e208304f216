// Package ws implements the transport half of message routing: the
// WebSocket connection registry that replaces a per-connection session
// with a single process-wide client list, a send-queue-per-client
// fan-out for broadcast pushes, and a read loop that hands each inbound
// frame to the router for dispatch. Grounded on the Upgrader config,
// read-deadline refresh, and message-size enforcement of a prior
// connection handler, and on the SendQueue/sendLoop/circuit-breaker
// idiom of a prior session manager.
package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"meterengine/config"
	"meterengine/internal/logger"
	"meterengine/internal/meter"
	"meterengine/internal/protocol"

	"github.com/gorilla/websocket"
)

// Dispatcher routes one inbound IPC message to its reply, per
// router.Router's signature. Declared as an interface here so ws never
// imports the router package directly (router already imports protocol
// and the domain packages; ws only needs this one method).
type Dispatcher interface {
	Dispatch(ctx context.Context, msg protocol.Message) protocol.Message
}

// client is one connected browser's send queue and liveness state.
type client struct {
	id           string
	conn         *websocket.Conn
	sendQueue    chan protocol.Message
	sendDone     chan struct{}
	sendErrCount int32
	closed       int32
	cancel       context.CancelFunc
}

// Hub is the process-wide WebSocket connection registry. Unlike the
// teacher's per-connection session.Manager, a Hub client carries no
// domain state of its own — the one active orchestrator.Session lives in
// the Router, not here.
type Hub struct {
	cfg      *config.Config
	upgrader websocket.Upgrader
	dispatch Dispatcher

	mu      sync.RWMutex
	clients map[string]*client

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub constructs a Hub bound to cfg's WebSocket settings and the
// router it hands inbound frames to.
func NewHub(cfg *config.Config, dispatch Dispatcher) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:      cfg,
		dispatch: dispatch,
		clients:  make(map[string]*client),
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			ReadBufferSize:    cfg.Server.WebSocket.ReadBufferSize,
			WriteBufferSize:   cfg.Server.WebSocket.WriteBufferSize,
			EnableCompression: cfg.Server.WebSocket.EnableCompression,
		},
	}
}

// SetDispatcher wires the Hub's inbound frames to dispatch. Used when the
// Hub and its Dispatcher are mutually referential at construction time
// (the Dispatcher needs the Hub's Broadcast/BroadcastEvent methods, and
// the Hub needs the Dispatcher) — call before ServeHTTP handles its first
// connection.
func (h *Hub) SetDispatcher(dispatch Dispatcher) {
	h.dispatch = dispatch
}

// generateClientID mints a random per-connection id.
func generateClientID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// ServeHTTP upgrades the request and runs the connection's read loop
// until the client disconnects or a protocol violation closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("ws: upgrade failed", "error", err)
		return
	}

	wsCfg := h.cfg.Server.WebSocket
	if wsCfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.ReadTimeout) * time.Second))
	}

	id := generateClientID()
	clientCtx, cancel := context.WithCancel(h.ctx)
	c := &client{
		id:        id,
		conn:      conn,
		sendQueue: make(chan protocol.Message, h.cfg.Session.SendQueueSize),
		sendDone:  make(chan struct{}),
		cancel:    cancel,
	}

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	go c.sendLoop(h.cfg.Session.MaxSendErrors)

	logger.Info("ws: connection established", "client_id", id)
	defer func() {
		h.removeClient(id)
		logger.Info("ws: connection closed", "client_id", id)
	}()

	initMsg, err := protocol.InitMessage("1.0", nil)
	if err == nil {
		c.enqueue(initMsg)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.Warn("ws: read error", "client_id", id, "error", err)
			return
		}
		if wsCfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.ReadTimeout) * time.Second))
		}
		if wsCfg.MaxMessageSize > 0 && len(raw) > wsCfg.MaxMessageSize {
			logger.Warn("ws: message too large", "client_id", id, "size", len(raw))
			return
		}

		msg, err := protocol.ParseMessage(raw)
		if err != nil {
			c.enqueue(protocol.ErrorMessage("malformed message", ""))
			continue
		}

		reply := h.dispatch.Dispatch(clientCtx, msg)
		if reply.Type != "" {
			c.enqueue(reply)
		}
	}
}

func (h *Hub) removeClient(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (c *client) enqueue(msg protocol.Message) {
	select {
	case c.sendQueue <- msg:
	default:
		logger.Warn("ws: send queue full, dropping message", "client_id", c.id, "type", msg.Type)
	}
}

func (c *client) close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.cancel()
		close(c.sendDone)
		for len(c.sendQueue) > 0 {
			<-c.sendQueue
		}
		c.conn.Close()
	}
}

// sendLoop drains the client's queue onto the wire, closing the
// connection after maxSendErrors consecutive write failures.
func (c *client) sendLoop(maxSendErrors int) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("ws: send loop panicked", "client_id", c.id, "recover", rec)
		}
	}()

	for {
		select {
		case msg := <-c.sendQueue:
			if atomic.LoadInt32(&c.closed) == 1 {
				return
			}
			raw, err := msg.Marshal()
			if err != nil {
				logger.Error("ws: failed to marshal outbound message", "client_id", c.id, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				atomic.AddInt32(&c.sendErrCount, 1)
				logger.Error("ws: failed to send message", "client_id", c.id, "error", err)
				if int(atomic.LoadInt32(&c.sendErrCount)) > maxSendErrors {
					logger.Error("ws: too many send errors, closing connection", "client_id", c.id)
					atomic.StoreInt32(&c.closed, 1)
					return
				}
			} else {
				atomic.StoreInt32(&c.sendErrCount, 0)
			}
		case <-c.sendDone:
			return
		}
	}
}

// Broadcast fans a router-originated message (chat replies, state
// changes, transcript updates) out to every connected client. Satisfies
// orchestrator.BroadcastFunc.
func (h *Hub) Broadcast(msg protocol.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.enqueue(msg)
	}
}

// BroadcastEvent fans out a classified meter reading. Satisfies
// broadcaster.EventSink.
func (h *Hub) BroadcastEvent(ev meter.MeterEvent, extra map[string]any) {
	payload := map[string]any{
		"timestamp":     ev.Timestamp,
		"needleAction":  ev.NeedleAction,
		"position":      ev.Position,
		"toneArm":       ev.ToneArm,
		"sensitivity":   ev.Sensitivity,
		"sessionId":     ev.SessionID,
		"taTrend":       ev.TATrend,
		"isInstantRead": ev.IsInstantRead,
		"confidence":    ev.Confidence,
	}
	for k, v := range extra {
		payload[k] = v
	}
	msg, err := protocol.NewMessage(protocol.MessageTypeMeterEvent, payload, "")
	if err != nil {
		logger.Error("ws: failed to build meter event message", "error", err)
		return
	}
	h.Broadcast(msg)
}

// Close stops accepting broadcasts and tears down every connected client.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.removeClient(id)
	}
}

// ClientCount reports the number of currently connected clients, used by
// the stats handler.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
