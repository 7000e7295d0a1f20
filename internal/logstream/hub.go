// Package logstream is the optional live-log WebSocket tap (design doc
// Section 4.17): a hub adapted line-for-line from the teacher's
// internal/dashboard/websocket.go wsHub/wsConn (single hub goroutine,
// register/unregister/broadcast channels, slow-client-drops-not-blocks
// semantics), but broadcasting reqlog.RequestLog JSON instead of
// audit.Entry JSON. It subscribes to events.AfterRequestLog on the shared
// bus and is only started when a live-log port is configured.
package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/reqlog"
)

// Hub manages the set of active WebSocket connections and broadcasts
// flushed request-log records to all of them.
type Hub struct {
	connections map[*conn]bool

	broadcastCh  chan []byte
	registerCh   chan *conn
	unregisterCh chan *conn

	logger *slog.Logger
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub creates a Hub and starts its goroutine.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		connections:  make(map[*conn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *conn),
		unregisterCh: make(chan *conn),
		logger:       logger,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.registerCh:
			h.connections[c] = true
			h.logger.Debug("logstream client connected", "total", len(h.connections))

		case c := <-h.unregisterCh:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
				h.logger.Debug("logstream client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for c := range h.connections {
				select {
				case c.send <- msg:
				default:
					delete(h.connections, c)
					close(c.send)
				}
			}
		}
	}
}

func (h *Hub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// OnFlush serializes rl and broadcasts it to every connected client.
func (h *Hub) OnFlush(rl reqlog.RequestLog) {
	msg, err := json.Marshal(rl)
	if err != nil {
		h.logger.Error("logstream: marshaling request log failed", "error", err)
		return
	}
	h.broadcast(msg)
}

// HandleAfterRequestLog is the events.Handler this hub registers for
// events.AfterRequestLog (fired once per buffered reqlog.RequestLog flush),
// so the live WebSocket feed is a genuine bus subscriber rather than a
// private callback threaded through reqlog's constructor.
func (h *Hub) HandleAfterRequestLog(ctx context.Context, rawArgs any) error {
	args, ok := rawArgs.(*events.RequestLogArgs)
	if !ok {
		return fmt.Errorf("logstream: unexpected args type %T", rawArgs)
	}
	rl, ok := args.Log.(reqlog.RequestLog)
	if !ok {
		return fmt.Errorf("logstream: unexpected log type %T", args.Log)
	}
	h.OnFlush(rl)
	return nil
}

// HandleWebSocket upgrades an HTTP connection and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("logstream: websocket upgrade failed", "error", err)
		return
	}

	c := &conn{ws: ws, send: make(chan []byte, 64)}
	h.registerCh <- c

	go c.writePump()
	go c.readPump(h)
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		c.mu.Lock()
		err := c.ws.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *conn) readPump(h *Hub) {
	defer func() {
		h.unregisterCh <- c
		c.ws.Close()
	}()
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}
