/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request
  4. Tracing:    OpenTelemetry server span per request
  5. CORS:       Cross-origin requests for the register frontend
  6. Auth:       /api only; resolves the caller identity (scope.go)

ROUTE GROUPS:
  /healthz              Liveness and store ping
  /metrics              Prometheus scrape endpoint
  /api/terminals/*      Terminal registry
  /api/tills/*          Till sessions, movements, close, reconciliation

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/till-engine/observability/metrics"
	"github.com/warp/till-engine/observability/tracing"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	// JWTSecret verifies bearer tokens. Empty enables development headers.
	JWTSecret string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(tracing.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			HeaderTerminalID, HeaderIdempotencyKey,
			HeaderTenantID, HeaderUserID, HeaderRole,
		},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	auth := Authenticator{Secret: []byte(opts.JWTSecret)}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		// Terminal routes
		r.Route("/terminals", func(r chi.Router) {
			r.Get("/", h.ListTerminals)
			r.With(RequireRole(RoleManager)).Post("/", h.RegisterTerminal)
		})

		// Till routes
		r.Route("/tills", func(r chi.Router) {
			r.Get("/", h.ListTills)
			r.Post("/", h.OpenTill)
			r.Get("/active", h.GetActiveTill)
			r.Get("/{id}", h.GetTill)
			r.Get("/{id}/summary", h.GetSummary)
			r.Get("/{id}/movements", h.ListMovements)
			r.Post("/{id}/movements", h.RecordMovement)
			r.Post("/{id}/close", h.CloseTill)
			r.Get("/{id}/reconciliation", h.GetReconciliation)
		})
	})

	return r
}
