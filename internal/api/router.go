package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/modelshift/internal/change"
)

// NewRouter creates a chi router with all API routes mounted.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(engine *change.Engine, branches BranchLookup, auth AuthConfig, sseHandler http.Handler) chi.Router {
	h := NewHandler(engine, branches)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(auth))

	r.Route("/projects/{projectId}/branches/{branchId}", func(r chi.Router) {
		r.Get("/", h.CheckBranch)
		r.Post("/change", h.ApplyChange)
		r.Get("/context", h.PreviewContext)
	})

	r.Get("/types", h.ListTypes)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
