package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/TraceForge/internal/fallback"
	"github.com/Strob0t/TraceForge/internal/port/cache"
)

const maxQueueListLimit = 500

// FallbackHandlers serves the ops endpoints around the cache fallback
// mechanism: status, probes, manual drains and queue administration.
type FallbackHandlers struct {
	cache      cache.Cache
	queue      *fallback.Queue
	monitor    *fallback.Monitor
	syncer     *fallback.SyncService
	probeLimit time.Duration
}

func NewFallbackHandlers(c cache.Cache, queue *fallback.Queue, monitor *fallback.Monitor,
	syncer *fallback.SyncService, probeLimit time.Duration) *FallbackHandlers {
	return &FallbackHandlers{
		cache:      c,
		queue:      queue,
		monitor:    monitor,
		syncer:     syncer,
		probeLimit: probeLimit,
	}
}

// Status handles GET /fallback/status.
func (h *FallbackHandlers) Status(w http.ResponseWriter, r *http.Request) {
	monitorStats := h.monitor.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":        monitorStats.State,
		"monitor":     monitorStats,
		"sync":        h.syncer.Stats(r.Context()),
		"sync_config": h.syncer.Config(),
	})
}

// TestCache handles POST /fallback/test-redis: an on-demand
// connectivity and operations probe against the cache tier. The result
// feeds the monitor like any other probe.
func (h *FallbackHandlers) TestCache(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.probeLimit)
	defer cancel()

	start := time.Now()
	result := map[string]any{"tested_at": start.UnixMilli()}

	err := h.monitor.Probe(ctx)
	result["ping"] = err == nil
	if err != nil {
		result["error"] = err.Error()
		writeJSON(w, http.StatusOK, result)
		return
	}

	// Ping succeeded; verify a full set/get/delete round trip.
	key := "fallback:probe:" + uuid.NewString()
	value := []byte(fmt.Sprintf(`{"probe_at":%d}`, start.UnixMilli()))
	opsErr := func() error {
		if err := h.cache.Set(ctx, key, value, time.Minute); err != nil {
			return fmt.Errorf("set: %w", err)
		}
		got, ok, err := h.cache.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		if !ok || string(got) != string(value) {
			return fmt.Errorf("get: probe value mismatch")
		}
		return h.cache.Delete(ctx, key)
	}()
	result["operations"] = opsErr == nil
	if opsErr != nil {
		result["error"] = opsErr.Error()
		h.monitor.ReportFailure(opsErr)
	} else {
		h.monitor.ReportSuccess()
	}
	result["latency_ms"] = time.Since(start).Milliseconds()

	writeJSON(w, http.StatusOK, result)
}

// ForceSync handles POST /fallback/sync: a blocking full queue drain.
func (h *FallbackHandlers) ForceSync(w http.ResponseWriter, r *http.Request) {
	stats := h.syncer.ForceDrain(r.Context())
	writeJSON(w, http.StatusOK, stats)
}

// ListQueue handles GET /fallback/sync-queue.
func (h *FallbackHandlers) ListQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := h.queue.List(r.Context(), maxQueueListLimit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(ops),
		"operations": ops,
	})
}

// PurgeQueue handles DELETE /fallback/sync-queue. Purged operations
// are gone for good; the cache converges again on the next ingest of
// each affected key.
func (h *FallbackHandlers) PurgeQueue(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.Purge(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

type syncConfigRequest struct {
	IntervalSeconds int `json:"interval_seconds"`
	BatchSize       int `json:"batch_size"`
	MaxRetries      int `json:"max_retries"`
}

// UpdateSyncConfig handles PUT /fallback/sync-config. Absent or zero
// fields keep their current value.
func (h *FallbackHandlers) UpdateSyncConfig(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[syncConfigRequest](w, r)
	if !ok {
		return
	}
	if req.IntervalSeconds < 0 || req.BatchSize < 0 || req.MaxRetries < 0 {
		writeError(w, http.StatusBadRequest, "sync settings must not be negative")
		return
	}

	cfg := h.syncer.UpdateConfig(fallback.SyncConfig{
		Interval:   time.Duration(req.IntervalSeconds) * time.Second,
		BatchSize:  req.BatchSize,
		MaxRetries: req.MaxRetries,
	})
	writeJSON(w, http.StatusOK, cfg)
}

// FallbackHealth handles GET /fallback/health: healthy while either
// the cache tier is reachable or the fallback queue can accept writes.
func (h *FallbackHandlers) FallbackHealth(w http.ResponseWriter, r *http.Request) {
	cacheUp := h.monitor.Connected()
	_, queueErr := h.queue.Depth(r.Context())
	queueUp := queueErr == nil

	status := http.StatusOK
	overall := "healthy"
	switch {
	case !cacheUp && !queueUp:
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	case !cacheUp:
		overall = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":         overall,
		"cache":          cacheUp,
		"fallback_queue": queueUp,
	})
}
