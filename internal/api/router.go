package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"trip-replay/internal/engine"
)

// NewRouter wires the renderer-facing endpoints onto e.
func NewRouter(e *engine.Engine) http.Handler {
	h := &Handler{Engine: e}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)

	r.Get("/state", h.State)
	r.Get("/trips", h.Trips)
	r.Get("/trips.geojson", h.TripsGeoJSON)
	r.Get("/nodes", h.Nodes)
	r.Get("/filter-options", h.FilterOptions)
	r.Get("/to-locations", h.ToLocations)

	r.Post("/dataset", h.SetDataset)
	r.Post("/initialize", h.Initialize)
	r.Post("/tab", h.SetTab)
	r.Post("/filters", h.ApplyFilters)
	r.Post("/load-more", h.LoadMore)
	r.Post("/select", h.Select)
	r.Post("/anomaly-filter", h.SetAnomalyFilter)
	r.Post("/epc-target", h.SetEPCTarget)
	r.Put("/view", h.SetView)

	return r
}
