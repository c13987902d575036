// Package events carries the PaymentResolved signal to downstream
// consumers (reporting, notifications) after a terminal transition.
package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"schoolpay/internal/domain/payment"
)

// Resolved is published once per terminal transition of an attempt.
type Resolved struct {
	PaymentID string          `json:"paymentId"`
	StudentID string          `json:"studentId"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Receipt   string          `json:"receipt,omitempty"`
}

type Publisher interface {
	PublishResolved(ctx context.Context, ev Resolved) error
}

// RedisPublisher fans PaymentResolved out over a Redis pub/sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

var _ Publisher = (*RedisPublisher)(nil)

func NewRedisPublisher(addr, channel string) *RedisPublisher {
	return &RedisPublisher{
		rdb:     redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

func (p *RedisPublisher) PublishResolved(ctx context.Context, ev Resolved) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, body).Err()
}

func (p *RedisPublisher) Close() error { return p.rdb.Close() }

// LogPublisher is the no-Redis fallback: the signal still lands in the
// structured log so nothing is silently dropped.
type LogPublisher struct{}

var _ Publisher = LogPublisher{}

func (LogPublisher) PublishResolved(_ context.Context, ev Resolved) error {
	log.Info().
		Str("payment_id", ev.PaymentID).
		Str("student_id", ev.StudentID).
		Str("status", ev.Status).
		Str("amount", ev.Amount.String()).
		Str("receipt", ev.Receipt).
		Msg("payment resolved")
	return nil
}

// Notifier is the consumed notification collaborator. Dispatch is
// fire-and-forget: a failure must never block or roll back resolution.
type Notifier interface {
	PaymentResolved(ctx context.Context, student payment.Student, attempt payment.Attempt) error
}

// LogNotifier stands in for the platform's SMS/email dispatcher.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) PaymentResolved(_ context.Context, student payment.Student, attempt payment.Attempt) error {
	log.Info().
		Str("student_id", student.ID).
		Str("payment_id", attempt.ID).
		Str("status", string(attempt.Status)).
		Msg("notify: payment resolved")
	return nil
}
