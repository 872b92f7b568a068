package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/TraceForge/internal/adapter/sqlite"
	"github.com/Strob0t/TraceForge/internal/config"
	"github.com/Strob0t/TraceForge/internal/domain/event"
	"github.com/Strob0t/TraceForge/internal/port/broadcast"
	"github.com/Strob0t/TraceForge/internal/port/database"
)

func setupStore(t *testing.T) database.Store {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, config.SQLite{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.RunMigrations(ctx, db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return sqlite.NewStore(db)
}

func newTestHub(t *testing.T, store database.Store) *Hub {
	t.Helper()
	status := func(context.Context) (any, error) {
		return map[string]any{"active_agents": []any{}}, nil
	}
	return NewHub(store, status, 10, time.Second)
}

func TestNewHub(t *testing.T) {
	hub := newTestHub(t, setupStore(t))
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestBroadcastNoConnections(t *testing.T) {
	hub := newTestHub(t, setupStore(t))

	// Broadcast with no connections should not panic.
	hub.Broadcast(context.Background(), broadcast.TypeEvent, map[string]string{"key": "value"})
}

func TestBroadcastMarshalError(t *testing.T) {
	hub := newTestHub(t, setupStore(t))

	// A channel cannot be marshaled to JSON; should log, not panic.
	hub.Broadcast(context.Background(), "bad", make(chan int))
}

func TestRemoveNonexistent(t *testing.T) {
	hub := newTestHub(t, setupStore(t))

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.remove(&conn{ws: nil, cancel: cancel})
}

func readEnvelope(t *testing.T, ctx context.Context, c *websocket.Conn) Message {
	t.Helper()
	_, raw, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return msg
}

func TestStreamRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := setupStore(t)
	seed := &event.HookEvent{
		SourceApp: "test-app",
		SessionID: "s1",
		Type:      event.TypeSessionStart,
		Timestamp: 1000,
	}
	if err := store.InsertEvent(ctx, seed); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	hub := newTestHub(t, store)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })

	// New subscriber gets the backlog first.
	initial := readEnvelope(t, ctx, c)
	if initial.Type != broadcast.TypeInitial {
		t.Fatalf("first message type = %q, want initial", initial.Type)
	}
	var backlog []event.HookEvent
	if err := json.Unmarshal(initial.Data, &backlog); err != nil {
		t.Fatalf("unmarshal backlog: %v", err)
	}
	if len(backlog) != 1 || backlog[0].SessionID != "s1" {
		t.Fatalf("backlog = %+v", backlog)
	}

	// Ping request/reply.
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readEnvelope(t, ctx, c); msg.Type != broadcast.TypePong {
		t.Fatalf("reply type = %q, want pong", msg.Type)
	}

	// Terminal status request/reply.
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"get_terminal_status"}`)); err != nil {
		t.Fatalf("write status request: %v", err)
	}
	if msg := readEnvelope(t, ctx, c); msg.Type != broadcast.TypeTerminalStatus {
		t.Fatalf("reply type = %q, want terminal_status", msg.Type)
	}

	// Broadcast fan-out.
	hub.Broadcast(ctx, broadcast.TypeEvent, seed)
	msg := readEnvelope(t, ctx, c)
	if msg.Type != broadcast.TypeEvent {
		t.Fatalf("broadcast type = %q, want event", msg.Type)
	}
	var got event.HookEvent
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("unmarshal broadcast event: %v", err)
	}
	if got.SessionID != "s1" {
		t.Fatalf("broadcast session = %q, want s1", got.SessionID)
	}
}

func TestBroadcastSkipsStalledSubscriber(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub := newTestHub(t, setupStore(t))
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	if msg := readEnvelope(t, ctx, c); msg.Type != broadcast.TypeInitial {
		t.Fatalf("first message type = %q, want initial", msg.Type)
	}

	// A subscriber whose send queue is full and never drains.
	_, stalledCancel := context.WithCancel(context.Background())
	stalled := &conn{cancel: stalledCancel, out: make(chan []byte)}
	hub.mu.Lock()
	hub.conns[stalled] = struct{}{}
	hub.mu.Unlock()
	t.Cleanup(func() { hub.remove(stalled) })

	start := time.Now()
	hub.Broadcast(ctx, broadcast.TypeEvent, map[string]string{"key": "value"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("broadcast blocked for %v on a stalled subscriber", elapsed)
	}

	// The healthy subscriber still receives the message.
	if msg := readEnvelope(t, ctx, c); msg.Type != broadcast.TypeEvent {
		t.Fatalf("broadcast type = %q, want event", msg.Type)
	}
}
