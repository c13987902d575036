package handlers

import (
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"schoolpay/internal/payments"
)

const maxCallbackBytes = 1 << 20

// ProviderCallback receives Daraja's asynchronous result delivery.
// Anything short of a transport failure is acknowledged with a success
// status: the provider retries non-2xx responses, and a genuinely
// unprocessable payload never becomes processable. Redeliveries are
// duplicate-safe downstream.
func ProviderCallback(svc *payments.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}

		if err := svc.HandleCallback(r.Context(), body); err != nil {
			// Acknowledge anyway; the verification sweep covers any
			// resolution this delivery failed to persist.
			log.Error().Err(err).Msg("callback processing failed")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ResultCode":0,"ResultDesc":"Accepted"}`))
	}
}
