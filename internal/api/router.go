package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/memvault/internal/memory"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *memory.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)
	th := NewTransferHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/memories", h.SearchMemories)
	r.Post("/memories", h.CreateMemory)
	r.Route("/memories/{id}", func(r chi.Router) {
		r.Get("/", h.GetMemory)
		r.Patch("/", h.UpdateMemory)
		r.Delete("/", h.DeleteMemory)
		r.Post("/permissions", h.GrantPermission)
		r.Delete("/permissions/{grantee}", h.RevokePermission)
	})

	r.Get("/stats", h.Stats)

	r.Get("/session", h.Session)
	r.Post("/session/unlock", h.Unlock)
	r.Post("/session/lock", h.Lock)

	r.Post("/resync", h.Resync)

	r.Get("/export", th.Export)
	r.Post("/import", th.Import)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
