package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"pesaflow/internal/coordinator"
	"pesaflow/internal/domain/transaction"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type paymentReq struct {
	Reference   string `json:"reference"`
	Phone       string `json:"phone"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func CreatePayment(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in paymentReq
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		tx, err := coord.RequestPayment(r.Context(), in.Reference, in.Phone, in.Amount, in.Description)
		if err != nil {
			log.Error().Err(err).
				Str("reference", in.Reference).
				Int64("amount", in.Amount).
				Msg("payment request failed")
			// A rejected/unreachable submission still produced a FAILED
			// transaction the caller can inspect via GET.
			writeError(w, err)
			return
		}

		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, tx)
	}
}

func GetPayment(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reference := chi.URLParam(r, "reference")
		tx, err := coord.GetStatus(r.Context(), reference)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, tx)
	}
}

func ListPayments(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		txs, err := coord.List(r.Context(), limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		if txs == nil {
			txs = []*transaction.Transaction{}
		}
		writeJSON(w, txs)
	}
}

func CancelPayment(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reference := chi.URLParam(r, "reference")
		tx, err := coord.Cancel(r.Context(), reference)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, tx)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := transaction.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case transaction.ErrInvalidPhone, transaction.ErrInvalidAmount, transaction.ErrInvalidReference:
		status = http.StatusBadRequest
	case transaction.ErrDuplicatePendingReference, transaction.ErrCancelNotAllowed:
		status = http.StatusConflict
	case transaction.ErrNotFound:
		status = http.StatusNotFound
	case transaction.ErrProviderRejected, transaction.ErrProviderUnreachable,
		transaction.ErrMaxRetriesExceeded, transaction.ErrAuthFailed:
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": err.Error(),
	})
}
