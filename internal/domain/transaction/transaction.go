package transaction

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a payment transaction. Transitions are
// forward-only; once terminal a transaction never changes again.
type State string

const (
	StateCreated          State = "CREATED"
	StateSubmitted        State = "SUBMITTED"
	StateAwaitingCallback State = "AWAITING_CALLBACK"
	StateSucceeded        State = "SUCCEEDED"
	StateFailed           State = "FAILED"
	StateTimedOut         State = "TIMED_OUT"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut:
		return true
	}
	return false
}

var allowedNext = map[State][]State{
	StateCreated:          {StateSubmitted, StateFailed},
	StateSubmitted:        {StateAwaitingCallback, StateFailed},
	StateAwaitingCallback: {StateSucceeded, StateFailed, StateTimedOut},
}

// CanTransition reports whether from -> to is a legal forward transition.
func CanTransition(from, to State) bool {
	for _, s := range allowedNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transaction is one STK push payment attempt and its full lifecycle record.
// Rows are never deleted; terminal transactions are retained for audit.
type Transaction struct {
	ID                string     `json:"id"`
	Reference         string     `json:"reference"`
	PhoneNumber       string     `json:"phoneNumber"` // always normalized 254XXXXXXXXX
	Amount            int64      `json:"amount"`      // whole KES
	Description       string     `json:"description"`
	MerchantRequestID string     `json:"merchantRequestId,omitempty"`
	CheckoutRequestID string     `json:"checkoutRequestId,omitempty"`
	State             State      `json:"state"`
	ResultCode        string     `json:"resultCode,omitempty"`
	ResultDesc        string     `json:"resultDesc,omitempty"`
	ReceiptNumber     string     `json:"receiptNumber,omitempty"`
	PaidAmount        int64      `json:"paidAmount,omitempty"`
	PaidAt            *time.Time `json:"paidAt,omitempty"`
	Attempt           int        `json:"attempt"`
	CreatedAt         time.Time  `json:"createdAt"`
	SubmittedAt       *time.Time `json:"submittedAt,omitempty"`
	ResolvedAt        *time.Time `json:"resolvedAt,omitempty"`
}

// Result carries the outcome attached to a terminal transition. The receipt
// fields are only populated on SUCCEEDED.
type Result struct {
	Code          string
	Description   string
	ReceiptNumber string
	PaidAmount    int64
	PaidAt        time.Time
}

// Clone returns a deep copy so store internals never leak to callers.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.PaidAt != nil {
		v := *t.PaidAt
		c.PaidAt = &v
	}
	if t.SubmittedAt != nil {
		v := *t.SubmittedAt
		c.SubmittedAt = &v
	}
	if t.ResolvedAt != nil {
		v := *t.ResolvedAt
		c.ResolvedAt = &v
	}
	return &c
}

// NewID generates a process-unique transaction identifier.
func NewID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("PF_%d_%x", time.Now().UnixNano(), b)
}

// New validates inputs and builds a CREATED transaction. The phone number
// must already be normalized by the caller.
func New(reference, phone string, amount int64, description string) (*Transaction, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, &Error{Code: ErrInvalidReference, Message: "reference is required"}
	}
	if amount <= 0 {
		return nil, &Error{Code: ErrInvalidAmount, Message: fmt.Sprintf("amount must be positive: %d", amount)}
	}
	return &Transaction{
		ID:          NewID(),
		Reference:   reference,
		PhoneNumber: phone,
		Amount:      amount,
		Description: description,
		State:       StateCreated,
		CreatedAt:   time.Now(),
	}, nil
}
