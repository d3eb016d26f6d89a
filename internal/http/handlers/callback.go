package handlers

import (
	"io"
	"net/http"

	"pesaflow/internal/coordinator"
	"pesaflow/internal/daraja"

	"github.com/rs/zerolog/log"
)

// ack is the body Daraja expects. Anything else makes the provider retry
// delivery indefinitely, so the webhook acknowledges no matter what happened
// internally.
const ack = `{"ResultCode":0,"ResultDesc":"Accepted"}`

func MpesaCallback(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(ack))
		}()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Error().Err(err).Msg("mpesa callback: read failed")
			return
		}
		cb, err := daraja.ParseCallback(body)
		if err != nil {
			log.Error().Err(err).Str("body", string(body)).Msg("mpesa callback: bad payload")
			return
		}
		if err := coord.HandleCallback(r.Context(), cb); err != nil {
			log.Error().Err(err).
				Str("checkout_request_id", cb.CheckoutRequestID).
				Msg("mpesa callback: processing failed")
		}
	}
}
