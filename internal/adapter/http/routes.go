package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. stream
// is the websocket upgrade handler for /stream.
func MountRoutes(r chi.Router, h *Handlers, fb *FallbackHandlers, stream http.HandlerFunc) {
	r.Get("/health", h.Health)

	// Ingestion and dashboard reads
	r.Post("/events", h.CreateEvent)
	r.Get("/events/recent", h.RecentEvents)
	r.Get("/events/filter-options", h.FilterOptions)
	r.Get("/events/session/{id}", h.EventsBySession)

	// Session hierarchy
	r.Get("/sessions/{id}", h.GetSession)
	r.Get("/sessions/{id}/relationships", h.SessionRelationships)
	r.Get("/sessions/{id}/tree", h.SessionTree)

	// Live updates
	r.Get("/stream", stream)

	// Fallback administration (ops tooling)
	r.Route("/fallback", func(r chi.Router) {
		r.Get("/status", fb.Status)
		r.Post("/test-redis", fb.TestCache)
		r.Post("/sync", fb.ForceSync)
		r.Get("/sync-queue", fb.ListQueue)
		r.Delete("/sync-queue", fb.PurgeQueue)
		r.Put("/sync-config", fb.UpdateSyncConfig)
		r.Get("/health", fb.FallbackHealth)
	})
}
