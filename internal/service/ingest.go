package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Strob0t/TraceForge/internal/domain"
	"github.com/Strob0t/TraceForge/internal/domain/event"
	"github.com/Strob0t/TraceForge/internal/fallback"
	"github.com/Strob0t/TraceForge/internal/port/broadcast"
	"github.com/Strob0t/TraceForge/internal/port/cache"
	"github.com/Strob0t/TraceForge/internal/port/database"
)

// Cache keys mirrored by the coordinator. Values are full JSON
// snapshots so replaying a queued write is idempotent.
const (
	KeyRecentEvents  = "events:recent"
	KeySessionPrefix = "session:"
)

// DefaultRecentWindow is the size of the mirrored recent-events
// snapshot and the default page size of the recent-events endpoint.
const DefaultRecentWindow = 100

// TxStore is the durable store plus transaction scoping. The event
// insert and the relationship updates it triggers commit atomically.
type TxStore interface {
	database.Store
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// IngestMetrics receives coordinator counters; implemented by the otel
// adapter. A nil IngestMetrics disables recording.
type IngestMetrics interface {
	EventIngested(ctx context.Context)
	CacheFallback(ctx context.Context)
}

// IngestService is the dual-write coordinator: the single entry point
// for persisting an event. The durable write is synchronous and fatal
// on failure; the cache mirror is best-effort with a short timeout, and
// failures route to the fallback queue. Cache tier unavailability is
// never fatal for the caller.
type IngestService struct {
	store   TxStore
	cache   cache.Cache
	queue   *fallback.Queue
	monitor *fallback.Monitor
	engine  *RelationshipEngine
	hub     broadcast.Broadcaster
	metrics IngestMetrics

	cacheTimeout    time.Duration
	recentWindow    int
	fallbackEnabled bool
}

// NewIngestService wires the coordinator. queue may be nil when the
// fallback mechanism is disabled; cache failures are then dropped after
// logging.
func NewIngestService(store TxStore, c cache.Cache, queue *fallback.Queue,
	monitor *fallback.Monitor, engine *RelationshipEngine, hub broadcast.Broadcaster,
	cacheTimeout time.Duration, recentWindow int, metrics IngestMetrics) *IngestService {
	return &IngestService{
		store:           store,
		cache:           c,
		queue:           queue,
		monitor:         monitor,
		engine:          engine,
		hub:             hub,
		metrics:         metrics,
		cacheTimeout:    cacheTimeout,
		recentWindow:    recentWindow,
		fallbackEnabled: queue != nil,
	}
}

// Record validates, persists and fans out one inbound event. It fails
// only when the durable store write fails.
func (s *IngestService) Record(ctx context.Context, ev *event.HookEvent) (*event.HookEvent, error) {
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	var notes []Notification
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.InsertEvent(ctx, ev); err != nil {
			return err
		}
		var procErr error
		notes, procErr = s.engine.Process(ctx, ev)
		return procErr
	})
	if err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}

	if s.metrics != nil {
		s.metrics.EventIngested(ctx)
	}

	// Best-effort cache mirror; never fatal.
	s.mirror(ctx, ev)

	// State is committed and visible; broadcast is fire-and-forget.
	if s.hub != nil {
		s.hub.Broadcast(ctx, broadcast.TypeEvent, ev)
		for _, n := range notes {
			s.hub.Broadcast(ctx, n.Type, n.Data)
		}
	}

	return ev, nil
}

// validateEvent rejects malformed events at the boundary.
func validateEvent(ev *event.HookEvent) error {
	switch {
	case strings.TrimSpace(ev.SourceApp) == "":
		return fmt.Errorf("source_app is required: %w", domain.ErrValidation)
	case strings.TrimSpace(ev.SessionID) == "":
		return fmt.Errorf("session_id is required: %w", domain.ErrValidation)
	case ev.Type == "":
		return fmt.Errorf("hook_event_type is required: %w", domain.ErrValidation)
	case !ev.Type.Known():
		return fmt.Errorf("unknown hook_event_type %q: %w", ev.Type, domain.ErrValidation)
	}
	if len(ev.Payload) > 0 && !json.Valid(ev.Payload) {
		return fmt.Errorf("payload is not valid JSON: %w", domain.ErrValidation)
	}
	return nil
}

// mirror refreshes the cache snapshots touched by this event: the
// recent-events window and the session row. While disconnected the
// writes go straight to the fallback queue without a doomed round trip.
func (s *IngestService) mirror(ctx context.Context, ev *event.HookEvent) {
	recent, err := s.store.RecentEvents(ctx, s.recentWindow)
	if err == nil {
		if data, mErr := json.Marshal(recent); mErr == nil {
			s.writeThrough(ctx, KeyRecentEvents, data)
		}
	} else {
		slog.Error("mirror recent events", "error", err)
	}

	sess, err := s.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("mirror session", "session_id", ev.SessionID, "error", err)
		}
		return
	}
	if data, mErr := json.Marshal(sess); mErr == nil {
		s.writeThrough(ctx, KeySessionPrefix+ev.SessionID, data)
	}
}

// writeThrough attempts the cache write with a short timeout, queueing
// the operation on failure and feeding the connectivity monitor either
// way.
func (s *IngestService) writeThrough(ctx context.Context, key string, value []byte) {
	if !s.monitor.Connected() {
		s.enqueue(ctx, key, value, nil)
		return
	}

	cacheCtx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	err := s.cache.Set(cacheCtx, key, value, 0)
	cancel()
	if err != nil {
		s.monitor.ReportFailure(err)
		s.enqueue(ctx, key, value, err)
		return
	}
	s.monitor.ReportSuccess()

	// The cache now holds the freshest snapshot for this key. Any
	// operation still queued from the outage is older; draining it
	// later would roll the key back, so drop it now.
	if s.fallbackEnabled {
		if _, err := s.queue.Supersede(ctx, key); err != nil {
			slog.Error("fallback supersede failed", "key", key, "error", err)
		}
	}
}

func (s *IngestService) enqueue(ctx context.Context, key string, value []byte, cause error) {
	if s.metrics != nil {
		s.metrics.CacheFallback(ctx)
	}
	if !s.fallbackEnabled {
		slog.Warn("cache write dropped, fallback disabled", "key", key, "error", cause)
		return
	}
	if err := s.queue.Enqueue(ctx, fallback.OpSet, key, value); err != nil {
		// The queue is on local disk; failure here is unexpected and
		// leaves the cache stale until the next mirror of this key.
		slog.Error("fallback enqueue failed", "key", key, "error", err)
	}
}
