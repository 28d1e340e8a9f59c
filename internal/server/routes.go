package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RoomsPath prefixes the upgrade path. Room ids live in their own namespace so
// that no id collides with the operational endpoints.
const RoomsPath = "/rooms/"

// roomPattern constrains room ids accepted in the upgrade path.
const roomPattern = "{roomID:[A-Za-z0-9_-]{1,64}}"

// NewRouter configures the chi router with all application routes.
func NewRouter(s *Server) *chi.Mux {
	r := chi.NewRouter()

	r.Use(requestMetrics)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.HealthHandler)
	r.Get(RoomsPath+roomPattern, s.RoomHandler)

	return r
}
