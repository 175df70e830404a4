/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the mobile/web client

ROUTE GROUPS:
  /api/slots, /api/bookings   Booking engine
  /api/students/*             Registration, balance, payment queries
  /api/charges, /api/payments Charges, confirmations, receipts
  /api/webhooks/*             Provider webhooks
  /api/admin/*                Refill
  /health, /metrics           Liveness and Prometheus scrape

SEE ALSO:
  - handlers.go: Handler implementations
  - cli/serve.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", WebhookSecretHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/slots", h.ListSlots)

		r.Route("/bookings", func(r chi.Router) {
			r.Get("/", h.ListBookings)
			r.Post("/", h.Reserve)
			r.Delete("/", h.Cancel)
			r.Delete("/{id}", h.CancelByID)
		})

		r.Route("/students", func(r chi.Router) {
			r.Post("/", h.CreateStudent)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetStudent)
				r.Get("/bookings", h.GetStudentBookings)
				r.Get("/periods/{year}/{month}", h.IsPeriodPaid)
				r.Get("/enrollment/{year}", h.IsEnrollmentPaid)
				r.Get("/paid-months", h.PaidMonths)
				r.Get("/payment-status", h.PaymentStatus)
			})
		})

		r.Post("/charges", h.CreateCharge)

		r.Route("/payments", func(r chi.Router) {
			r.Post("/confirmed", h.PaymentConfirmed)
			r.Get("/{ref}/receipt", h.Receipt)
		})

		r.Post("/webhooks/omise", h.OmiseWebhook)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/refill", h.TriggerRefill)
			r.Get("/refill/runs", h.ListRefillRuns)
		})
	})

	return r
}
