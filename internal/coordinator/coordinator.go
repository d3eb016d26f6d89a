package coordinator

import (
	"context"
	"strconv"
	"time"

	"pesaflow/internal/daraja"
	"pesaflow/internal/domain/transaction"
	"pesaflow/internal/events"
	"pesaflow/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// ProviderClient is the slice of the Daraja client the coordinator needs.
type ProviderClient interface {
	STKPush(ctx context.Context, req daraja.STKPushRequest) (*daraja.STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*daraja.StatusResult, error)
}

type Config struct {
	MaxAttempts    int           // push submission attempt cap, default 3
	InitialBackoff time.Duration // first retry delay, default 500ms
}

// Coordinator owns the transaction state machine. It accepts payment
// requests synchronously, drives push submission with bounded retries, and
// resolves transactions from callbacks or status queries with
// compare-and-set semantics so exactly one resolver wins.
type Coordinator struct {
	store    store.TransactionStore
	provider ProviderClient
	listener events.Listener
	cfg      Config
}

func New(st store.TransactionStore, pc ProviderClient, ln events.Listener, cfg Config) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	return &Coordinator{store: st, provider: pc, listener: ln, cfg: cfg}
}

// RequestPayment validates input, creates the transaction and submits the
// push. Validation and idempotency failures return before any provider call.
// The returned transaction reflects the submission outcome: AWAITING_CALLBACK
// on success, FAILED on rejection or exhausted retries (err is also set).
func (c *Coordinator) RequestPayment(ctx context.Context, reference, phone string, amount int64, description string) (*transaction.Transaction, error) {
	normalized, err := daraja.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	tx, err := c.store.Create(ctx, reference, normalized, amount, description)
	if err != nil {
		return nil, err
	}
	c.emit(ctx, tx, events.KindCreated)

	return c.initiate(ctx, tx)
}

// initiate submits the push with exponential backoff. Only transport
// failures are retried; provider rejections and auth failures are permanent.
func (c *Coordinator) initiate(ctx context.Context, tx *transaction.Transaction) (*transaction.Transaction, error) {
	req := daraja.STKPushRequest{
		Phone:            tx.PhoneNumber,
		Amount:           tx.Amount,
		AccountReference: tx.Reference,
		Description:      tx.Description,
	}

	var resp *daraja.STKPushResponse
	attempt := func() error {
		if _, err := c.store.RecordAttempt(ctx, tx.ID); err != nil {
			return backoff.Permanent(err)
		}
		out, err := c.provider.STKPush(ctx, req)
		if err != nil {
			if transaction.CodeOf(err) == transaction.ErrProviderUnreachable {
				log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("push attempt failed, will retry")
				return err
			}
			return backoff.Permanent(err)
		}
		resp = out
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxElapsedTime = 0
	err := backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.cfg.MaxAttempts-1)), ctx))
	if err != nil {
		return c.failSubmission(ctx, tx, err)
	}

	// One store operation: a callback racing the submission response either
	// finds nothing yet, or finds a transaction already in AWAITING_CALLBACK.
	awaiting, err := c.store.MarkSubmitted(ctx, tx.ID, resp.MerchantRequestID, resp.CheckoutRequestID)
	if err != nil {
		return nil, err
	}
	c.emit(ctx, awaiting, events.KindAwaitingCallback)
	return awaiting, nil
}

// failSubmission finalizes a transaction whose push never got accepted.
func (c *Coordinator) failSubmission(ctx context.Context, tx *transaction.Transaction, cause error) (*transaction.Transaction, error) {
	code := transaction.CodeOf(cause)
	desc := cause.Error()
	if code == "" {
		code = transaction.ErrProviderUnreachable
	}
	if code == transaction.ErrProviderUnreachable {
		// Retries exhausted without ever reaching the provider.
		code = transaction.ErrMaxRetriesExceeded
		cause = &transaction.Error{Code: code, Message: "push submission attempts exhausted", Err: cause}
	}

	failed, terr := c.store.Transition(ctx, tx.ID, transaction.StateFailed, transaction.Result{
		Code:        code,
		Description: desc,
	})
	if terr != nil {
		log.Error().Err(terr).Str("transaction_id", tx.ID).Msg("failed to finalize rejected submission")
		return nil, cause
	}
	c.emit(ctx, failed, events.KindFailed)
	return failed, cause
}

// HandleCallback correlates a provider callback to its transaction and
// finalizes it. It never returns an error for unknown or duplicate
// deliveries; the webhook layer acknowledges regardless.
func (c *Coordinator) HandleCallback(ctx context.Context, cb *daraja.Callback) error {
	tx, err := c.store.FindByCheckoutID(ctx, cb.CheckoutRequestID)
	if err != nil {
		if transaction.CodeOf(err) == transaction.ErrNotFound {
			log.Warn().Str("checkout_request_id", cb.CheckoutRequestID).Msg("callback for unknown transaction")
			c.emit(ctx, nil, events.KindUnknownCallback)
			return nil
		}
		return err
	}
	if tx.State.Terminal() {
		log.Info().Str("transaction_id", tx.ID).Str("state", string(tx.State)).Msg("duplicate callback ignored")
		c.emit(ctx, tx, events.KindDuplicateCallback)
		return nil
	}

	res := transaction.Result{
		Code:        strconv.Itoa(cb.ResultCode),
		Description: cb.ResultDesc,
	}
	target := transaction.StateFailed
	if cb.ResultCode == 0 {
		target = transaction.StateSucceeded
		res.ReceiptNumber = cb.ReceiptNumber
		res.PaidAmount = cb.PaidAmount
		res.PaidAt = cb.PaidAt
	}
	return c.resolve(ctx, tx, target, res)
}

// ResolveFromStatus applies a definitive status-query result exactly as a
// callback would. Used by the status poller.
func (c *Coordinator) ResolveFromStatus(ctx context.Context, tx *transaction.Transaction, resultCode int, resultDesc string) error {
	res := transaction.Result{Code: strconv.Itoa(resultCode), Description: resultDesc}
	target := transaction.StateFailed
	if resultCode == 0 {
		target = transaction.StateSucceeded
	}
	return c.resolve(ctx, tx, target, res)
}

// MarkTimedOut finalizes a transaction that outlived the maximum pending age
// without any definitive resolution.
func (c *Coordinator) MarkTimedOut(ctx context.Context, tx *transaction.Transaction) error {
	return c.resolve(ctx, tx, transaction.StateTimedOut, transaction.Result{
		Code:        "timeout",
		Description: "no callback or definitive status within deadline",
	})
}

// resolve performs the terminal compare-and-set. A lost race is a no-op
// logged as a duplicate resolution; the winner emits the single resolution
// notification.
func (c *Coordinator) resolve(ctx context.Context, tx *transaction.Transaction, target transaction.State, res transaction.Result) error {
	final, err := c.store.Transition(ctx, tx.ID, target, res)
	if err != nil {
		if transaction.CodeOf(err) == transaction.ErrInvalidStateTransition {
			log.Info().Str("transaction_id", tx.ID).Str("target", string(target)).Msg("resolution race lost")
			c.emit(ctx, tx, events.KindDuplicateResolution)
			return nil
		}
		return err
	}

	kind := events.KindFailed
	switch target {
	case transaction.StateSucceeded:
		kind = events.KindSucceeded
	case transaction.StateTimedOut:
		kind = events.KindTimedOut
	}
	c.emit(ctx, final, kind)
	return nil
}

// Cancel aborts a transaction that has not yet reached the payer's device.
// Once AWAITING_CALLBACK the push is already on the handset and only natural
// resolution or timeout applies.
func (c *Coordinator) Cancel(ctx context.Context, reference string) (*transaction.Transaction, error) {
	tx, err := c.store.FindByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	switch tx.State {
	case transaction.StateCreated, transaction.StateSubmitted:
	default:
		return nil, &transaction.Error{
			Code:    transaction.ErrCancelNotAllowed,
			Message: "cannot cancel transaction in state " + string(tx.State),
		}
	}

	cancelled, err := c.store.Transition(ctx, tx.ID, transaction.StateFailed, transaction.Result{
		Code:        "cancelled",
		Description: "cancelled by caller before provider acknowledgment",
	})
	if err != nil {
		if transaction.CodeOf(err) == transaction.ErrInvalidStateTransition {
			// Lost the race against submission progress or a resolver.
			return nil, &transaction.Error{Code: transaction.ErrCancelNotAllowed, Message: "transaction advanced past cancellable state"}
		}
		return nil, err
	}
	c.emit(ctx, cancelled, events.KindCancelled)
	return cancelled, nil
}

// GetStatus returns the latest transaction for a business reference.
func (c *Coordinator) GetStatus(ctx context.Context, reference string) (*transaction.Transaction, error) {
	return c.store.FindByReference(ctx, reference)
}

// List returns recent transactions for audit.
func (c *Coordinator) List(ctx context.Context, limit, offset int) ([]*transaction.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return c.store.List(ctx, limit, offset)
}

func (c *Coordinator) emit(ctx context.Context, tx *transaction.Transaction, kind events.Kind) {
	if c.listener == nil {
		return
	}
	c.listener.OnTransactionEvent(ctx, tx, kind)
}
