package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/easysmart/iot-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket or bearer, validated in handler)
		r.Get(s.wsPath(), s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.With(s.require(auth.PermDeviceRead)).Get("/templates", s.handleListTemplates)
			r.With(s.require(auth.PermDeviceRead)).Get("/quota", s.handleQuota)
			r.With(s.require(auth.PermDeviceRead)).Get("/audit", s.handleListAuditLogs)

			r.Route("/devices", func(r chi.Router) {
				r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleListDevices)
				r.With(s.require(auth.PermDeviceProvision)).Post("/", s.handleCreateDevice)

				r.Route("/{id}", func(r chi.Router) {
					r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleGetDevice)
					r.With(s.require(auth.PermDeviceProvision)).Patch("/", s.handleUpdateDevice)
					r.With(s.require(auth.PermDeviceProvision)).Delete("/", s.handleDeleteDevice)

					r.Route("/entities", func(r chi.Router) {
						r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleListEntities)
						r.With(s.require(auth.PermEntityConfigure)).Post("/", s.handleCreateEntity)
						r.With(s.require(auth.PermEntityConfigure)).Post("/bulk", s.handleBulkCreateEntities)
						r.With(s.require(auth.PermEntityCommand)).Patch("/{entityID}/value", s.handleSetEntityValue)
					})
				})
			})

			r.Route("/entities/{id}", func(r chi.Router) {
				r.With(s.require(auth.PermEntityConfigure)).Put("/", s.handleUpdateEntity)
				r.With(s.require(auth.PermEntityConfigure)).Delete("/", s.handleDeleteEntity)
			})
		})
	})

	return r
}

// wsPath returns the configured WebSocket path under /api/v1.
func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"clients": s.hub.ClientCount(),
	})
}
