// Package ws implements the WebSocket adapter for real-time client
// streaming on /stream.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/TraceForge/internal/port/broadcast"
	"github.com/Strob0t/TraceForge/internal/port/database"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusProvider produces the reply to a get_terminal_status request.
type StatusProvider func(ctx context.Context) (any, error)

// sendQueueSize bounds the per-connection broadcast buffer. A
// subscriber that falls further behind loses messages instead of
// stalling the hub.
const sendQueueSize = 64

// conn wraps a single WebSocket connection. Writes are serialized per
// connection so broadcasts and request replies do not interleave;
// broadcasts go through out so a stalled peer never blocks the sender.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	out    chan []byte
	mu     sync.Mutex
}

// Hub manages all active WebSocket connections and broadcasts messages.
// Each subscriber drains its own buffered queue; a slow one drops
// messages on overflow and a dead one is removed after the write
// timeout, so neither the other subscribers nor the ingestion path
// ever wait on it.
type Hub struct {
	store        database.Store
	status       StatusProvider
	backlog      int
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a hub. store supplies the initial backlog for new
// subscribers; status answers terminal status requests and may be nil.
func NewHub(store database.Store, status StatusProvider, backlog int, writeTimeout time.Duration) *Hub {
	return &Hub{
		store:        store,
		status:       status,
		backlog:      backlog,
		writeTimeout: writeTimeout,
		conns:        make(map[*conn]struct{}),
	}
}

// HandleWS upgrades the connection, replays the recent-event backlog
// and serves client requests until disconnect.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{ws: ws, cancel: cancel, out: make(chan []byte, sendQueueSize)}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr)

	if err := h.sendInitial(ctx, c); err != nil {
		slog.Debug("websocket initial send failed", "error", err)
		h.remove(c)
		return
	}

	go h.writeLoop(ctx, c)
	go h.readLoop(ctx, c)
}

// sendInitial replays the most recent events so a new dashboard starts
// with state instead of an empty screen.
func (h *Hub) sendInitial(ctx context.Context, c *conn) error {
	events, err := h.store.RecentEvents(ctx, h.backlog)
	if err != nil {
		return err
	}
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return h.send(ctx, c, Message{Type: broadcast.TypeInitial, Data: data})
}

// readLoop consumes client messages until the connection drops.
func (h *Hub) readLoop(ctx context.Context, c *conn) {
	defer func() {
		h.remove(c)
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		_, raw, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Debug("websocket bad client message", "error", err)
			continue
		}
		h.handleClientMessage(ctx, c, msg)
	}
}

func (h *Hub) handleClientMessage(ctx context.Context, c *conn, msg Message) {
	switch msg.Type {
	case "ping":
		if err := h.send(ctx, c, Message{Type: broadcast.TypePong}); err != nil {
			slog.Debug("websocket pong failed", "error", err)
		}
	case "get_terminal_status":
		if h.status == nil {
			return
		}
		status, err := h.status(ctx)
		if err != nil {
			slog.Error("terminal status request failed", "error", err)
			return
		}
		data, err := json.Marshal(status)
		if err != nil {
			slog.Error("marshal terminal status", "error", err)
			return
		}
		if err := h.send(ctx, c, Message{Type: broadcast.TypeTerminalStatus, Data: data}); err != nil {
			slog.Debug("websocket terminal status send failed", "error", err)
		}
	default:
		slog.Debug("websocket unknown client message", "type", msg.Type)
	}
}

// Broadcast marshals a typed payload and enqueues it on every
// subscriber's send queue. It never blocks: a subscriber whose queue
// is full loses this message. Implements the broadcaster port.
func (h *Hub) Broadcast(_ context.Context, msgType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("marshal ws event payload", "type", msgType, "error", err)
		return
	}
	frame, err := json.Marshal(Message{Type: msgType, Data: payload})
	if err != nil {
		slog.Error("marshal ws envelope", "type", msgType, "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		select {
		case c.out <- frame:
		default:
			slog.Debug("websocket subscriber lagging, message dropped", "type", msgType)
		}
	}
}

// writeLoop drains the connection's send queue. A write error means
// the peer is gone or too slow to keep its socket alive; the
// connection is dropped.
func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.out:
			if err := h.write(ctx, c, frame); err != nil {
				slog.Debug("websocket write failed, dropping subscriber", "error", err)
				h.remove(c)
				return
			}
		}
	}
}

// send writes one message to one connection under the write timeout.
func (h *Hub) send(ctx context.Context, c *conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.write(ctx, c, data)
}

func (h *Hub) write(ctx context.Context, c *conn, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(writeCtx, websocket.MessageText, frame)
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected")
	}
}
