package store

import (
	"context"
	"time"

	"pesaflow/internal/domain/transaction"
)

// TransactionStore is the durable record of every payment attempt. Reads and
// writes are atomic per transaction id; Create atomically enforces the
// one-non-terminal-transaction-per-reference invariant, and Transition is a
// compare-and-set against the current state so racing resolvers cannot both
// win. Backends: memory (tests/dev) and postgres (production).
type TransactionStore interface {
	// Create validates and persists a CREATED transaction. Fails with
	// duplicate_pending_reference if a non-terminal transaction already
	// exists for reference.
	Create(ctx context.Context, reference, phone string, amount int64, description string) (*transaction.Transaction, error)

	// MarkSubmitted records the provider-issued identifiers and advances
	// the transaction from CREATED through SUBMITTED to AWAITING_CALLBACK
	// as one atomic step, so a callback correlating by CheckoutRequestID
	// can never observe a state that refuses resolution.
	// CheckoutRequestID is globally unique.
	MarkSubmitted(ctx context.Context, id, merchantRequestID, checkoutRequestID string) (*transaction.Transaction, error)

	// RecordAttempt increments the submission attempt counter and stamps
	// submittedAt on the first attempt. Returns the new attempt count.
	RecordAttempt(ctx context.Context, id string) (int, error)

	// Transition moves the transaction forward. Fails with
	// invalid_state_transition when the move is not a legal forward
	// transition from the transaction's current state (including any
	// attempt to leave a terminal state). The result is applied only on
	// terminal transitions.
	Transition(ctx context.Context, id string, next transaction.State, res transaction.Result) (*transaction.Transaction, error)

	// FindByReference returns the most recent transaction for reference.
	FindByReference(ctx context.Context, reference string) (*transaction.Transaction, error)

	// FindByCheckoutID correlates a provider callback to its transaction.
	FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*transaction.Transaction, error)

	// ListAwaitingCallback returns AWAITING_CALLBACK transactions whose
	// submission is older than the cutoff, oldest first.
	ListAwaitingCallback(ctx context.Context, olderThan time.Time, limit int) ([]*transaction.Transaction, error)

	// List returns transactions for audit, newest first.
	List(ctx context.Context, limit, offset int) ([]*transaction.Transaction, error)
}
