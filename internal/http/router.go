package httpx

import (
	"encoding/json"
	"net/http"

	"pesaflow/internal/config"
	"pesaflow/internal/coordinator"
	"pesaflow/internal/http/handlers"
	middlewarex "pesaflow/internal/http/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func NewRouter(cfg config.Cfg, coord *coordinator.Coordinator) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	// Payment API (protected by API key)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middlewarex.APIKeyAuth(cfg.Sec.APIKey))

		r.Post("/payments", handlers.CreatePayment(coord))
		r.Get("/payments", handlers.ListPayments(coord))
		r.Get("/payments/{reference}", handlers.GetPayment(coord))
		r.Delete("/payments/{reference}", handlers.CancelPayment(coord))
	})

	// Webhook endpoints (public; Daraja sends no auth headers)
	r.Route("/hooks", func(r chi.Router) {
		r.Post("/mpesa", handlers.MpesaCallback(coord))
	})

	return r
}
