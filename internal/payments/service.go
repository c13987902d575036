// Package payments binds initiation, callback reconciliation, balance
// application and verification fallback around the payment ledger.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"schoolpay/internal/domain/payment"
	"schoolpay/internal/events"
	"schoolpay/internal/gateway"
	"schoolpay/internal/metrics"
	"schoolpay/internal/store"
)

type Service struct {
	store    store.Store
	gw       gateway.Gateway
	pub      events.Publisher
	notifier events.Notifier

	// newBackoff builds the retry policy for ledger writes; tests
	// shorten it to exercise exhaustion without the production window.
	newBackoff func(context.Context) backoff.BackOffContext
}

func NewService(st store.Store, gw gateway.Gateway, pub events.Publisher, notifier events.Notifier) *Service {
	if pub == nil {
		pub = events.LogPublisher{}
	}
	if notifier == nil {
		notifier = events.LogNotifier{}
	}
	return &Service{store: st, gw: gw, pub: pub, notifier: notifier, newBackoff: persistenceBackoff}
}

// Initiate pushes a payment prompt to the student's phone and records
// the pending attempt. The attempt exists only once the gateway has
// acknowledged acceptance; a local validation failure or gateway
// decline leaves no ledger trace.
func (s *Service) Initiate(ctx context.Context, studentID string, amount decimal.Decimal, phone, description string) (*payment.Attempt, error) {
	if !amount.IsPositive() {
		metrics.InitiationsTotal.WithLabelValues("validation_failed").Inc()
		return nil, &gateway.ValidationError{Field: "amount", Message: "must be positive"}
	}

	student, err := s.store.Student(ctx, studentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.InitiationsTotal.WithLabelValues("validation_failed").Inc()
		}
		return nil, fmt.Errorf("student lookup: %w", err)
	}
	if phone == "" {
		phone = student.Phone
	}

	res, err := s.gw.Initiate(ctx, gateway.InitiateRequest{
		Phone:       phone,
		Amount:      amount,
		AccountRef:  studentID,
		Description: description,
	})
	if err != nil {
		var ve *gateway.ValidationError
		if errors.As(err, &ve) {
			metrics.InitiationsTotal.WithLabelValues("validation_failed").Inc()
		} else {
			metrics.InitiationsTotal.WithLabelValues("gateway_failed").Inc()
		}
		return nil, err
	}

	att, err := payment.NewAttempt(studentID, amount, phone, res.CorrelationID)
	if err != nil {
		return nil, err
	}

	// The gateway has accepted; losing this write would strand a live
	// push with no ledger row, so persistence is retried before the
	// call is allowed to fail. Detached from the request context: a
	// client disconnect must not abort the retries either.
	pctx := context.WithoutCancel(ctx)
	op := func() error {
		err := s.store.CreateAttempt(pctx, att)
		if errors.Is(err, store.ErrDuplicateCorrelationID) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, s.newBackoff(pctx)); err != nil {
		log.Error().Err(err).
			Str("student_id", studentID).
			Str("correlation_id", res.CorrelationID).
			Msg("failed to persist accepted payment attempt")
		return nil, fmt.Errorf("persist attempt: %w", err)
	}

	metrics.InitiationsTotal.WithLabelValues("accepted").Inc()
	log.Info().
		Str("payment_id", att.ID).
		Str("student_id", studentID).
		Str("correlation_id", att.CorrelationID).
		Str("amount", amount.String()).
		Msg("payment attempt initiated")
	return att, nil
}

// Attempt looks up an attempt by its ledger id.
func (s *Service) Attempt(ctx context.Context, id string) (*payment.Attempt, error) {
	return s.store.AttemptByID(ctx, id)
}

// Outstanding reports the student's current balance.
func (s *Service) Outstanding(ctx context.Context, studentID string) (decimal.Decimal, error) {
	return s.store.Outstanding(ctx, studentID)
}

func persistenceBackoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(b, ctx)
}
