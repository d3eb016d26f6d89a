package reconcile

import (
	"context"
	"time"

	"pesaflow/internal/coordinator"
	"pesaflow/internal/domain/transaction"
	"pesaflow/internal/store"

	"github.com/rs/zerolog/log"
)

// Worker is the status-poll fallback: callbacks get lost (network partition,
// provider outage), and without this loop an AWAITING_CALLBACK transaction
// would stay pending forever. It queries the provider for pushes whose
// callback is overdue and finalizes them exactly as the callback receiver
// would, or times them out past the maximum pending age.
type Worker struct {
	store    store.TransactionStore
	provider coordinator.ProviderClient
	coord    *coordinator.Coordinator

	pollEvery  time.Duration // ticker interval
	queryAfter time.Duration // callback considered overdue after this
	maxAge     time.Duration // pending past this becomes TIMED_OUT
	batch      int
}

func NewWorker(st store.TransactionStore, pc coordinator.ProviderClient, c *coordinator.Coordinator, pollEvery, queryAfter, maxAge time.Duration) *Worker {
	if pollEvery <= 0 {
		pollEvery = 15 * time.Second
	}
	if queryAfter <= 0 {
		queryAfter = time.Minute
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Worker{
		store:      st,
		provider:   pc,
		coord:      c,
		pollEvery:  pollEvery,
		queryAfter: queryAfter,
		maxAge:     maxAge,
		batch:      50,
	}
}

func (w *Worker) Run(ctx context.Context) {
	log.Info().
		Dur("poll_every", w.pollEvery).
		Dur("query_after", w.queryAfter).
		Dur("max_age", w.maxAge).
		Msg("status poller: started")
	t := time.NewTicker(w.pollEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("status poller: stopping")
			return
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	cutoff := time.Now().Add(-w.queryAfter)
	due, err := w.store.ListAwaitingCallback(ctx, cutoff, w.batch)
	if err != nil {
		log.Error().Err(err).Msg("status poller: list failed")
		return
	}
	for _, tx := range due {
		if err := w.reconcile(ctx, tx); err != nil {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("status poller: reconcile failed")
			// Left AWAITING_CALLBACK; the next tick retries.
		}
	}
}

func (w *Worker) reconcile(ctx context.Context, tx *transaction.Transaction) error {
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	res, err := w.provider.QueryStatus(qctx, tx.CheckoutRequestID)
	cancel()

	switch {
	case err == nil && !res.Pending:
		return w.coord.ResolveFromStatus(ctx, tx, res.ResultCode, res.ResultDesc)
	case err != nil:
		log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("status poller: query failed")
	}

	// Still pending (or unqueryable): only give up past the maximum age.
	if tx.SubmittedAt != nil && time.Since(*tx.SubmittedAt) > w.maxAge {
		return w.coord.MarkTimedOut(ctx, tx)
	}
	return nil
}
