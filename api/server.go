/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RequestLogger: zap request logging
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. CORS:          Cross-origin requests for frontend
  5. Timeout:       Cancels the request context after RequestTimeout

ROUTE GROUPS:
  /healthz              Liveness, no tenant
  /api/disbursements/*  Advances (acconti)
  /api/records/*        Pay-records (giornate)
  /api/workers/*        Worker roster and summaries
  /api/harvests/*       Harvests (raccolte)

TENANCY:
  Every /api route requires the X-Organization-ID header.

SECURITY NOTE:
  No authentication middleware. Deploy behind a gateway that authenticates
  callers and sets the organization header.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type RouterOptions struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", OrganizationHeader},
		ExposedHeaders: []string{"X-Request-Id"},
	}))
	r.Use(middleware.Timeout(timeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireOrganization)

		// Advance routes
		r.Route("/disbursements", func(r chi.Router) {
			r.Get("/", h.ListDisbursements)
			r.Post("/", h.Disburse)
			r.Post("/preview", h.PreviewDisbursement)
			r.Patch("/{id}", h.UpdateDisbursement)
			r.Delete("/{id}", h.DeleteDisbursement)
		})

		// Pay-record routes
		r.Route("/records", func(r chi.Router) {
			r.Get("/", h.ListRecords)
			r.Post("/", h.LogWorkDays)
			r.Get("/recent", h.RecentRecords)
			r.Put("/{id}", h.EditRecord)
			r.Delete("/{id}", h.DeleteRecord)
			r.Post("/{id}/payments", h.PayRecord)
		})

		// Worker routes
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", h.ListWorkers)
			r.Get("/summary", h.WorkerSummaries)
			r.Put("/{name}/active", h.SetWorkerActive)
		})

		// Harvest routes
		r.Route("/harvests", func(r chi.Router) {
			r.Get("/", h.ListHarvests)
			r.Post("/", h.CreateHarvest)
			r.Delete("/", h.DeleteHarvests)
			r.Get("/years", h.HarvestYears)
			r.Get("/distinct/{field}", h.DistinctHarvestValues)
			r.Get("/{id}", h.GetHarvest)
			r.Put("/{id}", h.UpdateHarvest)
		})
	})

	return r
}
