package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"schoolpay/internal/payments"
	"schoolpay/internal/store"
)

// VerifyPayment triggers one manual verification round for an attempt;
// an already-resolved attempt is returned as-is.
func VerifyPayment(svc *payments.Service, verifier *payments.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		att, err := svc.Attempt(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "payment not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 35*time.Second)
		defer cancel()

		updated, err := verifier.VerifyAttempt(ctx, att)
		if err != nil {
			http.Error(w, "verification failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(viewOf(updated))
	}
}

// ListUnknownPayments lists attempts flagged for manual resolution.
func ListUnknownPayments(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atts, err := st.UnknownAttempts(r.Context(), 200)
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		views := make([]attemptView, 0, len(atts))
		for _, a := range atts {
			views = append(views, viewOf(a))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": views})
	}
}
