/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from the proxy headers
  3. Logger:     Structured request logging (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the app

ROUTE GROUPS:
  /healthcheck                  Liveness and store reachability
  /api/system-events            Internal services
  /api/rewards/*                App-facing events and the catalog
  /api/webhooks/rewards/*       FHIR server notifications

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Request logger
  - cmd/reward-engine/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type RouterOptions struct {
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = h.Logger
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", DefaultUserHeader, EventHeader},
		MaxAge:         300,
	}))

	r.Get("/healthcheck", h.Healthcheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/system-events", h.SystemEvent)

		r.Route("/rewards", func(r chi.Router) {
			// Catalog routes
			r.Get("/", h.ListRewards)
			r.Post("/", h.CreateReward)

			// Events raised by the calling user
			r.Post("/allocate", h.Allocate)
			r.Get("/daily-checkin", h.DailyCheckin)
			r.Post("/daily-checkin", h.DailyCheckin)
			r.Get("/claims/history", h.ClaimHistory)

			r.Get("/{event}", h.GetReward)
			r.Patch("/{event}", h.UpdateReward)
			r.Delete("/{event}/conditions", h.DeleteCondition)
		})

		r.Route("/webhooks/rewards", func(r chi.Router) {
			r.Post("/fhir", h.FHIRWebhook)
		})
	})

	return r
}
