package events

import (
	"context"

	"pesaflow/internal/domain/transaction"

	"github.com/rs/zerolog/log"
)

// Kind classifies a transaction lifecycle event.
type Kind string

const (
	KindCreated             Kind = "created"
	KindAwaitingCallback    Kind = "awaiting_callback"
	KindSucceeded           Kind = "succeeded"
	KindFailed              Kind = "failed"
	KindTimedOut            Kind = "timed_out"
	KindCancelled           Kind = "cancelled"
	KindUnknownCallback     Kind = "unknown_callback"
	KindDuplicateCallback   Kind = "duplicate_callback"
	KindDuplicateResolution Kind = "duplicate_resolution"
)

// Listener receives transaction lifecycle events. tx is nil only for
// unknown_callback, where no transaction could be correlated. Listeners must
// not block the caller for long and must never panic the host.
type Listener interface {
	OnTransactionEvent(ctx context.Context, tx *transaction.Transaction, kind Kind)
}

// Multi fans one event out to several listeners.
type Multi []Listener

func (m Multi) OnTransactionEvent(ctx context.Context, tx *transaction.Transaction, kind Kind) {
	for _, l := range m {
		l.OnTransactionEvent(ctx, tx, kind)
	}
}

// LogEmitter writes every transaction event to the structured log.
type LogEmitter struct{}

func (LogEmitter) OnTransactionEvent(ctx context.Context, tx *transaction.Transaction, kind Kind) {
	ev := log.Info().Str("event", string(kind))
	if tx != nil {
		ev = ev.
			Str("transaction_id", tx.ID).
			Str("reference", tx.Reference).
			Str("state", string(tx.State)).
			Int64("amount", tx.Amount)
		if tx.CheckoutRequestID != "" {
			ev = ev.Str("checkout_request_id", tx.CheckoutRequestID)
		}
		if tx.ResultCode != "" {
			ev = ev.Str("result_code", tx.ResultCode)
		}
	}
	ev.Msg("transaction event")
}
