package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pesaflow/internal/domain/transaction"
)

// Memory is the in-memory TransactionStore. All methods copy on the way in
// and out, so callers never share mutable state with the store.
type Memory struct {
	mu         sync.Mutex
	byID       map[string]*transaction.Transaction
	byCheckout map[string]string   // checkoutRequestID -> id
	byRef      map[string][]string // reference -> ids, oldest first
	pendingRef map[string]string   // reference -> non-terminal id
	order      []string            // ids in creation order
}

func NewMemory() *Memory {
	return &Memory{
		byID:       make(map[string]*transaction.Transaction),
		byCheckout: make(map[string]string),
		byRef:      make(map[string][]string),
		pendingRef: make(map[string]string),
	}
}

func (m *Memory) Create(ctx context.Context, reference, phone string, amount int64, description string) (*transaction.Transaction, error) {
	t, err := transaction.New(reference, phone, amount, description)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.pendingRef[reference]; ok {
		return nil, &transaction.Error{
			Code:    transaction.ErrDuplicatePendingReference,
			Message: fmt.Sprintf("reference %q already pending as %s", reference, id),
		}
	}
	m.byID[t.ID] = t
	m.byRef[reference] = append(m.byRef[reference], t.ID)
	m.pendingRef[reference] = t.ID
	m.order = append(m.order, t.ID)
	return t.Clone(), nil
}

func (m *Memory) MarkSubmitted(ctx context.Context, id, merchantRequestID, checkoutRequestID string) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, notFound(id)
	}
	if t.State != transaction.StateCreated {
		return nil, &transaction.Error{
			Code:    transaction.ErrInvalidStateTransition,
			Message: fmt.Sprintf("%s: %s -> %s", id, t.State, transaction.StateAwaitingCallback),
		}
	}
	if prev, ok := m.byCheckout[checkoutRequestID]; ok && prev != id {
		return nil, fmt.Errorf("checkout request id %s already attached to %s", checkoutRequestID, prev)
	}
	t.MerchantRequestID = merchantRequestID
	t.CheckoutRequestID = checkoutRequestID
	m.byCheckout[checkoutRequestID] = id
	t.State = transaction.StateAwaitingCallback
	return t.Clone(), nil
}

func (m *Memory) RecordAttempt(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return 0, notFound(id)
	}
	t.Attempt++
	if t.SubmittedAt == nil {
		now := time.Now()
		t.SubmittedAt = &now
	}
	return t.Attempt, nil
}

func (m *Memory) Transition(ctx context.Context, id string, next transaction.State, res transaction.Result) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, notFound(id)
	}
	if !transaction.CanTransition(t.State, next) {
		return nil, &transaction.Error{
			Code:    transaction.ErrInvalidStateTransition,
			Message: fmt.Sprintf("%s: %s -> %s", id, t.State, next),
		}
	}
	t.State = next
	if next.Terminal() {
		now := time.Now()
		t.ResolvedAt = &now
		t.ResultCode = res.Code
		t.ResultDesc = res.Description
		if res.ReceiptNumber != "" {
			t.ReceiptNumber = res.ReceiptNumber
			t.PaidAmount = res.PaidAmount
			if !res.PaidAt.IsZero() {
				at := res.PaidAt
				t.PaidAt = &at
			}
		}
		if m.pendingRef[t.Reference] == id {
			delete(m.pendingRef, t.Reference)
		}
	}
	return t.Clone(), nil
}

func (m *Memory) FindByReference(ctx context.Context, reference string) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byRef[reference]
	if len(ids) == 0 {
		return nil, notFound(reference)
	}
	return m.byID[ids[len(ids)-1]].Clone(), nil
}

func (m *Memory) FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCheckout[checkoutRequestID]
	if !ok {
		return nil, notFound(checkoutRequestID)
	}
	return m.byID[id].Clone(), nil
}

func (m *Memory) ListAwaitingCallback(ctx context.Context, olderThan time.Time, limit int) ([]*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*transaction.Transaction
	for _, id := range m.order {
		t := m.byID[id]
		if t.State != transaction.StateAwaitingCallback {
			continue
		}
		if t.SubmittedAt == nil || !t.SubmittedAt.Before(olderThan) {
			continue
		}
		out = append(out, t.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) List(ctx context.Context, limit, offset int) ([]*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*transaction.Transaction
	for i := len(m.order) - 1 - offset; i >= 0; i-- {
		out = append(out, m.byID[m.order[i]].Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func notFound(key string) error {
	return &transaction.Error{Code: transaction.ErrNotFound, Message: "transaction not found: " + key}
}
