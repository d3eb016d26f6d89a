package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pesaflow/internal/domain/transaction"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// MustOpen connects the pool and fails fast when the database is unreachable.
func MustOpen(ctx context.Context, dsn string) *pgxpool.Pool {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect fail")
	}
	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("db ping fail")
	}
	return pool
}

// Store is the PostgreSQL TransactionStore. Expected schema:
//
//	CREATE TABLE payment_transactions (
//	    id                  text PRIMARY KEY,
//	    reference           text NOT NULL,
//	    phone               text NOT NULL,
//	    amount              bigint NOT NULL,
//	    description         text NOT NULL DEFAULT '',
//	    merchant_request_id text,
//	    checkout_request_id text UNIQUE,
//	    state               text NOT NULL,
//	    result_code         text,
//	    result_desc         text,
//	    receipt_number      text,
//	    paid_amount         bigint,
//	    paid_at             timestamptz,
//	    attempt             int NOT NULL DEFAULT 0,
//	    created_at          timestamptz NOT NULL DEFAULT now(),
//	    submitted_at        timestamptz,
//	    resolved_at         timestamptz
//	);
//	CREATE UNIQUE INDEX payment_transactions_pending_ref
//	    ON payment_transactions (reference)
//	    WHERE state IN ('CREATED','SUBMITTED','AWAITING_CALLBACK');
//
// The partial unique index is what makes Create's duplicate-pending guard
// atomic under concurrent initiates.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

const txCols = `id, reference, phone, amount, description,
	merchant_request_id, checkout_request_id, state, result_code, result_desc,
	receipt_number, paid_amount, paid_at, attempt, created_at, submitted_at, resolved_at`

func (s *Store) Create(ctx context.Context, reference, phone string, amount int64, description string) (*transaction.Transaction, error) {
	t, err := transaction.New(reference, phone, amount, description)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO payment_transactions (id, reference, phone, amount, description, state, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.Reference, t.PhoneNumber, t.Amount, t.Description, string(t.State), t.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, &transaction.Error{
				Code:    transaction.ErrDuplicatePendingReference,
				Message: fmt.Sprintf("reference %q already pending", reference),
			}
		}
		return nil, err
	}
	return t, nil
}

// MarkSubmitted is a single guarded UPDATE: the provider identifiers and the
// jump to AWAITING_CALLBACK land together, so a callback that can find the
// row by checkout id always finds it resolvable.
func (s *Store) MarkSubmitted(ctx context.Context, id, merchantRequestID, checkoutRequestID string) (*transaction.Transaction, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE payment_transactions
		   SET merchant_request_id=$2, checkout_request_id=$3, state=$4
		 WHERE id=$1 AND state=$5
		 RETURNING `+txCols,
		id, merchantRequestID, checkoutRequestID,
		string(transaction.StateAwaitingCallback), string(transaction.StateCreated),
	)
	t, err := scanTx(row)
	if err == nil {
		return t, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, fmt.Errorf("checkout request id %s already attached", checkoutRequestID)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		var state string
		if qerr := s.db.QueryRow(ctx, `SELECT state FROM payment_transactions WHERE id=$1`, id).Scan(&state); qerr != nil {
			return nil, notFound(id)
		}
		return nil, &transaction.Error{
			Code:    transaction.ErrInvalidStateTransition,
			Message: fmt.Sprintf("%s: %s -> %s", id, state, transaction.StateAwaitingCallback),
		}
	}
	return nil, err
}

func (s *Store) RecordAttempt(ctx context.Context, id string) (int, error) {
	var attempt int
	err := s.db.QueryRow(ctx, `
		UPDATE payment_transactions
		   SET attempt = attempt + 1,
		       submitted_at = COALESCE(submitted_at, now())
		 WHERE id=$1
		 RETURNING attempt`,
		id,
	).Scan(&attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, notFound(id)
	}
	return attempt, err
}

// Transition is a compare-and-set: the UPDATE only matches while the current
// state legally precedes next, so a racing resolver loses cleanly.
func (s *Store) Transition(ctx context.Context, id string, next transaction.State, res transaction.Result) (*transaction.Transaction, error) {
	var prior []string
	for _, from := range []transaction.State{
		transaction.StateCreated, transaction.StateSubmitted, transaction.StateAwaitingCallback,
	} {
		if transaction.CanTransition(from, next) {
			prior = append(prior, string(from))
		}
	}

	row := s.db.QueryRow(ctx, `
		UPDATE payment_transactions
		   SET state=$2,
		       result_code    = CASE WHEN $3 THEN NULLIF($4,'') ELSE result_code END,
		       result_desc    = CASE WHEN $3 THEN NULLIF($5,'') ELSE result_desc END,
		       receipt_number = CASE WHEN $3 THEN NULLIF($6,'') ELSE receipt_number END,
		       paid_amount    = CASE WHEN $3 AND $7::bigint > 0 THEN $7 ELSE paid_amount END,
		       paid_at        = CASE WHEN $3 THEN $8 ELSE paid_at END,
		       resolved_at    = CASE WHEN $3 THEN now() ELSE resolved_at END
		 WHERE id=$1 AND state = ANY($9)
		 RETURNING `+txCols,
		id, string(next), next.Terminal(),
		res.Code, res.Description, res.ReceiptNumber, res.PaidAmount, nullTime(res.PaidAt),
		prior,
	)
	t, err := scanTx(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var state string
		if qerr := s.db.QueryRow(ctx, `SELECT state FROM payment_transactions WHERE id=$1`, id).Scan(&state); qerr != nil {
			return nil, notFound(id)
		}
		return nil, &transaction.Error{
			Code:    transaction.ErrInvalidStateTransition,
			Message: fmt.Sprintf("%s: %s -> %s", id, state, next),
		}
	}
	return t, err
}

func (s *Store) FindByReference(ctx context.Context, reference string) (*transaction.Transaction, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+txCols+` FROM payment_transactions
		 WHERE reference=$1 ORDER BY created_at DESC LIMIT 1`, reference)
	t, err := scanTx(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(reference)
	}
	return t, err
}

func (s *Store) FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*transaction.Transaction, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+txCols+` FROM payment_transactions WHERE checkout_request_id=$1`, checkoutRequestID)
	t, err := scanTx(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(checkoutRequestID)
	}
	return t, err
}

func (s *Store) ListAwaitingCallback(ctx context.Context, olderThan time.Time, limit int) ([]*transaction.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+txCols+` FROM payment_transactions
		 WHERE state=$1 AND submitted_at < $2
		 ORDER BY submitted_at ASC LIMIT $3`,
		string(transaction.StateAwaitingCallback), olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanAll(rows)
}

func (s *Store) List(ctx context.Context, limit, offset int) ([]*transaction.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+txCols+` FROM payment_transactions
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanAll(rows)
}

func scanTx(row pgx.Row) (*transaction.Transaction, error) {
	var t transaction.Transaction
	var state string
	var merchantID, checkoutID, resultCode, resultDesc, receipt *string
	var paidAmount *int64
	err := row.Scan(
		&t.ID, &t.Reference, &t.PhoneNumber, &t.Amount, &t.Description,
		&merchantID, &checkoutID, &state, &resultCode, &resultDesc,
		&receipt, &paidAmount, &t.PaidAt, &t.Attempt, &t.CreatedAt, &t.SubmittedAt, &t.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	t.State = transaction.State(state)
	t.MerchantRequestID = deref(merchantID)
	t.CheckoutRequestID = deref(checkoutID)
	t.ResultCode = deref(resultCode)
	t.ResultDesc = deref(resultDesc)
	t.ReceiptNumber = deref(receipt)
	if paidAmount != nil {
		t.PaidAmount = *paidAmount
	}
	return &t, nil
}

func scanAll(rows pgx.Rows) ([]*transaction.Transaction, error) {
	defer rows.Close()
	var out []*transaction.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func notFound(key string) error {
	return &transaction.Error{Code: transaction.ErrNotFound, Message: "transaction not found: " + key}
}
