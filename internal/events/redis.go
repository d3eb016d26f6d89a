package events

import (
	"context"
	"encoding/json"
	"time"

	"pesaflow/internal/domain/transaction"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisPublisher pushes transaction events onto a Redis pub/sub channel so
// the marketplace backend can react to resolutions (unlock a contact,
// confirm a job post) without polling. Publish failures are logged, never
// surfaced: event delivery is best-effort, the Transaction record is the
// source of truth.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(addr, channel string) *RedisPublisher {
	if channel == "" {
		channel = "payments.events"
	}
	return &RedisPublisher{
		rdb:     redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

type eventMessage struct {
	Kind          Kind       `json:"kind"`
	TransactionID string     `json:"transactionId,omitempty"`
	Reference     string     `json:"reference,omitempty"`
	State         string     `json:"state,omitempty"`
	Amount        int64      `json:"amount,omitempty"`
	ResultCode    string     `json:"resultCode,omitempty"`
	ResultDesc    string     `json:"resultDesc,omitempty"`
	ReceiptNumber string     `json:"receiptNumber,omitempty"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
}

func (p *RedisPublisher) OnTransactionEvent(ctx context.Context, tx *transaction.Transaction, kind Kind) {
	msg := eventMessage{Kind: kind}
	if tx != nil {
		msg.TransactionID = tx.ID
		msg.Reference = tx.Reference
		msg.State = string(tx.State)
		msg.Amount = tx.Amount
		msg.ResultCode = tx.ResultCode
		msg.ResultDesc = tx.ResultDesc
		msg.ReceiptNumber = tx.ReceiptNumber
		msg.PaidAt = tx.PaidAt
	}
	b, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("event publish: marshal failed")
		return
	}
	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		log.Error().Err(err).Str("channel", p.channel).Msg("event publish failed")
	}
}

func (p *RedisPublisher) Close() error { return p.rdb.Close() }
