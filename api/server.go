/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the preparer UI

ROUTE GROUPS:
  /api/business-years/{id}/*  Calculation, QRE lock, ledger overrides
  /api/states/*               Formula registry
  /api/diagnostics/*          State cache
  /api/scenarios/*            Demo scenarios
  /metrics                    Prometheus

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAllowedOrigins is used when NewRouter gets no origins.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/business-years/{id}", func(r chi.Router) {
			r.Get("/calculation", h.GetCalculation)
			r.Post("/calculation", h.PostCalculation)
			r.Post("/calculation/save", h.SaveCalculation)
			r.Get("/calculation/latest", h.GetLatestCalculation)

			r.Get("/qre", h.GetQRE)
			r.Post("/lock", h.LockQRE)
			r.Delete("/lock", h.UnlockQRE)

			r.Get("/ledger", h.GetLedger)
			r.Delete("/ledger/{section}", h.ResetSection)
			r.Put("/ledger/{section}/{line}", h.SetOverride)
			r.Delete("/ledger/{section}/{line}", h.ResetOverride)
		})

		r.Route("/states", func(r chi.Router) {
			r.Get("/", h.ListStates)
			r.Get("/{code}/{method}", h.GetState)
		})

		r.Route("/diagnostics", func(r chi.Router) {
			r.Get("/cache", h.GetCacheStats)
			r.Post("/cache/clear", h.ClearCache)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>R&amp;D Credit Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>R&amp;D Credit Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/scenarios">/api/scenarios</a> - List demo scenarios</li>
<li><a href="/api/states">/api/states</a> - State credit registry</li>
<li><a href="/api/diagnostics/cache">/api/diagnostics/cache</a> - State cache stats</li>
<li><a href="/metrics">/metrics</a> - Prometheus metrics</li>
</ul>
<p>Load a scenario, then open <code>/api/business-years/{id}/calculation</code>.</p>
</body>
</html>`))
	})

	return r
}
