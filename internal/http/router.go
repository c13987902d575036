package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schoolpay/internal/config"
	"schoolpay/internal/http/handlers"
	middlewarex "schoolpay/internal/http/middleware"
	"schoolpay/internal/payments"
	"schoolpay/internal/store"
)

func NewRouter(cfg config.Cfg, svc *payments.Service, verifier *payments.Verifier, st store.Store) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/payments", func(r chi.Router) {
		r.Post("/initiate", handlers.InitiatePayment(svc))
		// Public but self-validating: unmatched payloads are stored as
		// orphans and mutate nothing.
		r.Post("/callback", handlers.ProviderCallback(svc))
		r.Get("/{id}", handlers.GetPayment(svc))
	})

	r.Get("/students/{id}/balance", handlers.GetStudentBalance(svc))

	r.Route("/admin", func(r chi.Router) {
		r.Use(middlewarex.AdminAuth(cfg))
		r.Post("/payments/{id}/verify", handlers.VerifyPayment(svc, verifier))
		r.Get("/payments/unknown", handlers.ListUnknownPayments(st))
	})

	return r
}
