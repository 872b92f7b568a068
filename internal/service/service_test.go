package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/TraceForge/internal/adapter/sqlite"
	"github.com/Strob0t/TraceForge/internal/config"
	"github.com/Strob0t/TraceForge/internal/domain"
	"github.com/Strob0t/TraceForge/internal/domain/event"
	"github.com/Strob0t/TraceForge/internal/domain/session"
	"github.com/Strob0t/TraceForge/internal/fallback"
	"github.com/Strob0t/TraceForge/internal/port/broadcast"
	"github.com/Strob0t/TraceForge/internal/service"
)

// memCache is an in-memory cache that can simulate an outage.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	down bool
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}}
}

func (c *memCache) setDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return nil, false, errors.New("cache unreachable")
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errors.New("cache unreachable")
	}
	c.data[key] = append([]byte(nil), value...)
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errors.New("cache unreachable")
	}
	delete(c.data, key)
	return nil
}

func (c *memCache) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errors.New("cache unreachable")
	}
	return nil
}

// memHub records broadcast messages for assertions.
type memHub struct {
	mu   sync.Mutex
	msgs []hubMsg
}

type hubMsg struct {
	typ  string
	data any
}

func (h *memHub) Broadcast(_ context.Context, msgType string, data any) {
	h.mu.Lock()
	h.msgs = append(h.msgs, hubMsg{typ: msgType, data: data})
	h.mu.Unlock()
}

func (h *memHub) byType(msgType string) []hubMsg {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hubMsg
	for _, m := range h.msgs {
		if m.typ == msgType {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	store   *sqlite.Store
	cache   *memCache
	queue   *fallback.Queue
	monitor *fallback.Monitor
	hub     *memHub
	ingest  *service.IngestService
}

func newFixture(t *testing.T) *fixture {
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
	store := sqlite.NewStore(db)

	queue, err := fallback.OpenQueue(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = queue.Close() })

	c := newMemCache()
	monitor := fallback.NewMonitor(c, 1, time.Second)
	hub := &memHub{}
	engine := service.NewRelationshipEngine(store)
	ingest := service.NewIngestService(store, c, queue, monitor, engine, hub,
		time.Second, 10, nil)

	return &fixture{store: store, cache: c, queue: queue, monitor: monitor, hub: hub, ingest: ingest}
}

func (f *fixture) record(t *testing.T, ev *event.HookEvent) *event.HookEvent {
	t.Helper()
	out, err := f.ingest.Record(context.Background(), ev)
	if err != nil {
		t.Fatalf("record %s/%s: %v", ev.SessionID, ev.Type, err)
	}
	return out
}

func mkEvent(sessionID string, typ event.Type, ts int64, payload string) *event.HookEvent {
	ev := &event.HookEvent{
		SourceApp: "test-app",
		SessionID: sessionID,
		Type:      typ,
		Timestamp: ts,
	}
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	return ev
}

func TestRecordValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		ev   *event.HookEvent
	}{
		{"missing source app", &event.HookEvent{SessionID: "s", Type: event.TypeStop}},
		{"missing session id", &event.HookEvent{SourceApp: "a", Type: event.TypeStop}},
		{"missing type", &event.HookEvent{SourceApp: "a", SessionID: "s"}},
		{"unknown type", &event.HookEvent{SourceApp: "a", SessionID: "s", Type: "Bogus"}},
		{"bad payload", &event.HookEvent{SourceApp: "a", SessionID: "s", Type: event.TypeStop, Payload: json.RawMessage("{oops")}},
	}
	for _, tc := range cases {
		if _, err := f.ingest.Record(ctx, tc.ev); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("%s: want ErrValidation, got %v", tc.name, err)
		}
	}
}

func TestRecordAssignsTimestampAndID(t *testing.T) {
	f := newFixture(t)

	ev := f.record(t, mkEvent("s-1", event.TypeSessionStart, 0, ""))
	if ev.ID == 0 {
		t.Error("want assigned id")
	}
	if ev.Timestamp == 0 {
		t.Error("want assigned timestamp")
	}
}

func TestSubagentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, mkEvent("s1", event.TypeSessionStart, 1000, ""))

	child := mkEvent("s2", event.TypeSubagentStart, 2000, `{"agent_name":"code-reviewer"}`)
	child.ParentSessionID = "s1"
	f.record(t, child)

	parent, err := f.store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if parent.AgentCount != 1 {
		t.Errorf("parent agent_count = %d, want 1", parent.AgentCount)
	}

	spawns := f.hub.byType(broadcast.TypeSessionSpawn)
	if len(spawns) != 1 {
		t.Fatalf("session_spawn broadcasts = %d, want 1", len(spawns))
	}
	notice := spawns[0].data.(service.SpawnNotice)
	if notice.ParentSessionID != "s1" || notice.ChildSessionID != "s2" {
		t.Errorf("spawn notice = %+v", notice)
	}
	if notice.SessionPath != "s1.s2" || notice.DepthLevel != 1 {
		t.Errorf("path/depth = %q/%d, want s1.s2/1", notice.SessionPath, notice.DepthLevel)
	}

	stop := mkEvent("s2", event.TypeSubagentStop, 5000, `{"status":"failed","error":"boom"}`)
	stop.ParentSessionID = "s1"
	f.record(t, stop)

	sess, err := f.store.GetSession(ctx, "s2")
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if sess.Status != session.StatusFailed {
		t.Errorf("child status = %s, want failed", sess.Status)
	}
	if sess.DurationMS != 3000 {
		t.Errorf("duration = %d, want 3000", sess.DurationMS)
	}

	rel, err := f.store.GetRelationship(ctx, "s1", "s2")
	if err != nil {
		t.Fatalf("get relationship: %v", err)
	}
	if rel.DepthLevel != 1 {
		t.Errorf("depth_level = %d, want 1", rel.DepthLevel)
	}
	if rel.CompletedAt == nil {
		t.Error("want completed_at set after stop")
	}

	if got := f.hub.byType(broadcast.TypeSessionFailed); len(got) != 1 {
		t.Fatalf("session_failed broadcasts = %d, want 1", len(got))
	}
}

func TestNestedSpawnDepthAndPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, mkEvent("a", event.TypeSessionStart, 1000, ""))
	b := mkEvent("b", event.TypeSubagentStart, 2000, `{"agent_name":"researcher"}`)
	b.ParentSessionID = "a"
	f.record(t, b)
	c := mkEvent("c", event.TypeSubagentStart, 3000, `{"agent_name":"tester"}`)
	c.ParentSessionID = "b"
	f.record(t, c)

	rel, err := f.store.GetRelationship(ctx, "b", "c")
	if err != nil {
		t.Fatalf("get relationship: %v", err)
	}
	if rel.DepthLevel != 2 {
		t.Errorf("depth_level = %d, want 2", rel.DepthLevel)
	}
	if rel.SessionPath != "a.b.c" {
		t.Errorf("session_path = %q, want a.b.c", rel.SessionPath)
	}
}

func TestRetroactiveLinkFromCompositeID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parentID := "550e8400-e29b-41d4-a716-446655440000"
	f.record(t, mkEvent(parentID, event.TypeSessionStart, 1000, ""))

	childID := parentID + "_1_1700000000"
	// Stop arrives with no prior start and no explicit parent.
	f.record(t, mkEvent(childID, event.TypeSubagentStop, 5000, `{"status":"ok"}`))

	rel, err := f.store.RelationshipByChild(ctx, childID)
	if err != nil {
		t.Fatalf("relationship by child: %v", err)
	}
	if rel.ParentSessionID != parentID {
		t.Errorf("parent = %q, want %q", rel.ParentSessionID, parentID)
	}

	// A malformed id stays unparented.
	f.record(t, mkEvent("not_a_composite", event.TypeSubagentStop, 6000, ""))
	if _, err := f.store.RelationshipByChild(ctx, "not_a_composite"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("want ErrNotFound for unparented session, got %v", err)
	}
}

func TestTokenAccumulation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, mkEvent("s1", event.TypeSessionStart, 1000, ""))
	f.record(t, mkEvent("s1", event.TypePostToolUse, 2000, `{"total_tokens":120}`))
	f.record(t, mkEvent("s1", event.TypePostToolUse, 3000, `{"tokens_used":30}`))

	sess, err := f.store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.TotalTokens != 150 {
		t.Errorf("total_tokens = %d, want 150", sess.TotalTokens)
	}
}

func TestDuplicateStopIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, mkEvent("s1", event.TypeSessionStart, 1000, ""))
	f.record(t, mkEvent("s1", event.TypeStop, 5000, ""))
	f.record(t, mkEvent("s1", event.TypeStop, 9000, ""))

	sess, err := f.store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != session.StatusCompleted {
		t.Errorf("status = %s, want completed", sess.Status)
	}
	if sess.EndTime != 5000 {
		t.Errorf("end_time = %d, want first stop to win", sess.EndTime)
	}
}

func TestCacheMirrorOnRecord(t *testing.T) {
	f := newFixture(t)

	f.record(t, mkEvent("s1", event.TypeSessionStart, 1000, ""))

	f.cache.mu.Lock()
	recent, haveRecent := f.cache.data[service.KeyRecentEvents]
	_, haveSession := f.cache.data[service.KeySessionPrefix+"s1"]
	f.cache.mu.Unlock()

	if !haveRecent || !haveSession {
		t.Fatalf("mirror keys missing: recent=%v session=%v", haveRecent, haveSession)
	}
	var events []event.HookEvent
	if err := json.Unmarshal(recent, &events); err != nil {
		t.Fatalf("unmarshal recent snapshot: %v", err)
	}
	if len(events) != 1 || events[0].SessionID != "s1" {
		t.Errorf("recent snapshot = %+v", events)
	}
}

func TestOutageNoEventLoss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cache.setDown(true)
	for i := 0; i < 5; i++ {
		f.record(t, mkEvent("s1", event.TypePostToolUse, int64(1000+i), `{"tool":"bash"}`))
	}
	if f.monitor.Connected() {
		t.Error("monitor should be disconnected after cache failures")
	}

	// Every event reached the durable store regardless.
	events, err := f.store.EventsBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("events by session: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("durable events = %d, want 5", len(events))
	}

	depth, err := f.queue.Depth(ctx)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth == 0 {
		t.Fatal("want queued cache operations during outage")
	}

	// Recovery: drain the queue and the cache converges.
	f.cache.setDown(false)
	f.monitor.ReportSuccess()
	syncer := fallback.NewSyncService(f.queue, f.cache, f.monitor, fallback.SyncConfig{
		Interval:   time.Hour,
		BatchSize:  10,
		MaxRetries: 3,
	})
	syncer.ForceDrain(ctx)

	depth, err = f.queue.Depth(ctx)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth after drain = %d, want 0", depth)
	}

	f.cache.mu.Lock()
	recent := f.cache.data[service.KeyRecentEvents]
	f.cache.mu.Unlock()
	var cached []event.HookEvent
	if err := json.Unmarshal(recent, &cached); err != nil {
		t.Fatalf("unmarshal recent snapshot: %v", err)
	}
	if len(cached) != 5 {
		t.Errorf("cached recent events = %d, want 5", len(cached))
	}
}

func TestTimeoutSweeper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, mkEvent("old", event.TypeSessionStart, 1000, ""))
	f.record(t, mkEvent("done", event.TypeSessionStart, 1000, ""))
	f.record(t, mkEvent("done", event.TypeStop, 2000, ""))

	hub := &memHub{}
	sweeper := service.NewTimeoutSweeper(f.store, hub, time.Nanosecond, time.Hour)
	// Let the idle cutoff pass.
	time.Sleep(2 * time.Millisecond)

	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}

	sess, err := f.store.GetSession(ctx, "old")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != session.StatusTimeout {
		t.Errorf("status = %s, want timeout", sess.Status)
	}
	if got := hub.byType(broadcast.TypeSessionTimeout); len(got) != 1 {
		t.Errorf("session_timeout broadcasts = %d, want 1", len(got))
	}

	// Re-sweeping finds nothing new.
	n, err = sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep = %d, want 0", n)
	}
}

func TestTerminalStatusSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, mkEvent("s1", event.TypeSessionStart, 1000, ""))
	sub := mkEvent("s2", event.TypeSubagentStart, 2000, `{"agent_name":"debug-helper"}`)
	sub.ParentSessionID = "s1"
	f.record(t, sub)
	f.record(t, mkEvent("s3", event.TypeSessionStart, 1000, ""))
	f.record(t, mkEvent("s3", event.TypeStop, 3000, ""))

	status, err := service.NewTerminalStatusService(f.store).Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(status.ActiveAgents) != 2 {
		t.Fatalf("active agents = %d, want 2", len(status.ActiveAgents))
	}
	byID := map[string]service.AgentStatus{}
	for _, a := range status.ActiveAgents {
		byID[a.SessionID] = a
	}
	if _, ok := byID["s3"]; ok {
		t.Error("completed session listed as active")
	}
	if a := byID["s2"]; a.AgentName != "debug-helper" {
		t.Errorf("agent_name = %q, want debug-helper", a.AgentName)
	}
}

func TestDrainAfterRecoveryKeepsNewestSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Outage: the recent-events snapshots land in the queue.
	f.cache.setDown(true)
	f.record(t, mkEvent("s1", event.TypePostToolUse, 1000, `{"tool":"bash"}`))
	f.record(t, mkEvent("s1", event.TypePostToolUse, 2000, `{"tool":"grep"}`))
	if f.monitor.Connected() {
		t.Fatal("monitor should be disconnected after cache failures")
	}

	// Recovery, then a fresh event mirrors directly before the queue
	// is drained.
	f.cache.setDown(false)
	f.monitor.ReportSuccess()
	f.record(t, mkEvent("s2", event.TypePostToolUse, 3000, `{"tool":"ls"}`))

	syncer := fallback.NewSyncService(f.queue, f.cache, f.monitor, fallback.SyncConfig{
		Interval:   time.Hour,
		BatchSize:  10,
		MaxRetries: 3,
	})
	syncer.ForceDrain(ctx)

	depth, _ := f.queue.Depth(ctx)
	if depth != 0 {
		t.Errorf("queue depth after drain = %d, want 0", depth)
	}

	// The drain must not roll the snapshot back to the outage-era
	// value that misses the s2 event.
	f.cache.mu.Lock()
	recent := f.cache.data[service.KeyRecentEvents]
	sessionS1 := f.cache.data[service.KeySessionPrefix+"s1"]
	f.cache.mu.Unlock()

	var cached []event.HookEvent
	if err := json.Unmarshal(recent, &cached); err != nil {
		t.Fatalf("unmarshal recent snapshot: %v", err)
	}
	if len(cached) != 3 {
		t.Fatalf("cached recent events = %d, want 3", len(cached))
	}
	if len(sessionS1) == 0 {
		t.Error("want session:s1 snapshot replayed from the queue")
	}
}

func TestAgentStatusBroadcasts(t *testing.T) {
	f := newFixture(t)

	f.record(t, mkEvent("s1", event.TypeSessionStart, 1000, ""))
	start := mkEvent("s2", event.TypeSubagentStart, 2000, `{"agent_name":"code-reviewer"}`)
	start.ParentSessionID = "s1"
	f.record(t, start)

	updates := f.hub.byType(broadcast.TypeAgentStatusUpdate)
	if len(updates) != 1 {
		t.Fatalf("agent_status_update broadcasts = %d, want 1", len(updates))
	}
	notice := updates[0].data.(service.AgentStatusNotice)
	if notice.SessionID != "s2" || notice.AgentName != "code-reviewer" {
		t.Errorf("start notice = %+v", notice)
	}
	if notice.Status != session.StatusActive {
		t.Errorf("start status = %s, want active", notice.Status)
	}

	stop := mkEvent("s2", event.TypeSubagentStop, 5000, `{"status":"ok"}`)
	stop.ParentSessionID = "s1"
	f.record(t, stop)

	updates = f.hub.byType(broadcast.TypeAgentStatusUpdate)
	if len(updates) != 2 {
		t.Fatalf("agent_status_update broadcasts = %d, want 2", len(updates))
	}
	notice = updates[1].data.(service.AgentStatusNotice)
	if notice.Status != session.StatusCompleted {
		t.Errorf("stop status = %s, want completed", notice.Status)
	}
	if notice.AgentClass != session.ClassReviewer {
		t.Errorf("stop class = %s, want reviewer", notice.AgentClass)
	}
}
