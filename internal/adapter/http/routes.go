package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers Wisp's HTTP surface (spec.md §6) on r.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)
	r.Get("/keys", h.Keys)
	r.Get("/search", h.Search)
	r.Get("/servers/*", h.ServerTools)
	r.Post("/call", h.Call)
}
