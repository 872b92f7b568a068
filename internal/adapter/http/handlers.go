// Package http provides the REST intake and query adapters.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/TraceForge/internal/domain/event"
	"github.com/Strob0t/TraceForge/internal/port/cache"
	"github.com/Strob0t/TraceForge/internal/port/database"
	"github.com/Strob0t/TraceForge/internal/service"
)

// Handlers bundles the dependencies of the REST endpoints.
type Handlers struct {
	ingest        *service.IngestService
	store         database.Store
	cache         cache.Cache
	schemaVersion int64

	// Collapses concurrent identical store reads during a cache outage,
	// when every dashboard poll falls through to the durable store.
	reads singleflight.Group
}

// NewHandlers creates the handler set. cache may be nil; reads then go
// straight to the store. schemaVersion is the applied migration
// version, reported on /health.
func NewHandlers(ingest *service.IngestService, store database.Store, c cache.Cache, schemaVersion int64) *Handlers {
	return &Handlers{ingest: ingest, store: store, cache: c, schemaVersion: schemaVersion}
}

// CreateEvent handles POST /events: the single ingestion entry point.
func (h *Handlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := readJSON[*event.HookEvent](w, r)
	if !ok {
		return
	}

	persisted, err := h.ingest.Record(r.Context(), ev)
	if err != nil {
		writeDomainError(w, err, "event rejected")
		return
	}
	writeJSON(w, http.StatusCreated, persisted)
}

// RecentEvents handles GET /events/recent. The cached snapshot is
// served when present; otherwise the store answers and the cache stays
// untouched (the next ingest refreshes it).
func (h *Handlers) RecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := service.DefaultRecentWindow
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if h.cache != nil && limit == service.DefaultRecentWindow {
		if data, ok, err := h.cache.Get(r.Context(), service.KeyRecentEvents); err == nil && ok {
			var events []event.HookEvent
			if json.Unmarshal(data, &events) == nil {
				writeJSON(w, http.StatusOK, events)
				return
			}
			slog.Warn("discarding corrupt cache snapshot", "key", service.KeyRecentEvents)
		}
	}

	events, err, _ := h.reads.Do("recent:"+strconv.Itoa(limit), func() (any, error) {
		return h.store.RecentEvents(r.Context(), limit)
	})
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// FilterOptions handles GET /events/filter-options.
func (h *Handlers) FilterOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := h.store.FilterOptions(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

// EventsBySession handles GET /events/session/{id}.
func (h *Handlers) EventsBySession(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.EventsBySession(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// GetSession handles GET /sessions/{id}, trying the cached session
// snapshot before the store.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	if h.cache != nil {
		if data, ok, err := h.cache.Get(r.Context(), service.KeySessionPrefix+id); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}
	}

	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// SessionRelationships handles GET /sessions/{id}/relationships:
// the session's child edges plus its own parent edge when present.
func (h *Handlers) SessionRelationships(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	ctx := r.Context()

	children, err := h.store.RelationshipsByParent(ctx, id)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	resp := map[string]any{"children": children}
	if parent, err := h.store.RelationshipByChild(ctx, id); err == nil {
		resp["parent"] = parent
	}
	writeJSON(w, http.StatusOK, resp)
}

// SessionTree handles GET /sessions/{id}/tree.
func (h *Handlers) SessionTree(w http.ResponseWriter, r *http.Request) {
	tree, err := h.store.SessionTree(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// Health handles GET /health: process liveness only. Cache health is
// reported separately by the fallback endpoints.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"schema_version": h.schemaVersion,
	})
}
