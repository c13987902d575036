package payments

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"schoolpay/internal/domain/payment"
	"schoolpay/internal/events"
	"schoolpay/internal/metrics"
	"schoolpay/internal/store"
)

// Resolve is the single code path that applies a terminal signal to a
// pending attempt, whether the signal came from a callback or from a
// verification query. The per-attempt guard in the store decides races:
// a losing writer gets the already-resolved attempt back and its signal
// is a no-op duplicate, never an error.
func (s *Service) Resolve(ctx context.Context, correlationID string, res payment.Resolution) (*payment.Attempt, error) {
	var att *payment.Attempt
	var won bool

	op := func() error {
		a, w, err := s.store.ResolvePending(ctx, correlationID, res)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return backoff.Permanent(err)
			}
			log.Warn().Err(err).
				Str("correlation_id", correlationID).
				Msg("resolution persistence failed, retrying")
			return err
		}
		att, won = a, w
		return nil
	}
	if err := backoff.Retry(op, s.newBackoff(ctx)); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			// Money has conceptually moved at the provider; a terminal
			// state we cannot record is a financial integrity incident.
			log.Error().Err(err).
				Str("correlation_id", correlationID).
				Msg("ALERT: resolution could not be persisted after retries")
		}
		return nil, err
	}

	if !won {
		metrics.DuplicateSignalsTotal.Inc()
		log.Debug().
			Str("payment_id", att.ID).
			Str("correlation_id", correlationID).
			Str("status", string(att.Status)).
			Msg("duplicate resolution signal ignored")
		return att, nil
	}

	metrics.ResolutionsTotal.WithLabelValues(string(att.Status)).Inc()
	log.Info().
		Str("payment_id", att.ID).
		Str("student_id", att.StudentID).
		Str("correlation_id", correlationID).
		Str("status", string(att.Status)).
		Str("receipt", att.ReceiptCode).
		Msg("payment attempt resolved")

	if att.Status == payment.StatusCompleted {
		s.applyBalance(ctx, att.ID)
		// Reflect the applied marker for callers inspecting the result.
		if refreshed, err := s.store.AttemptByID(ctx, att.ID); err == nil {
			att = refreshed
		}
	}

	s.publishResolved(ctx, att)
	s.notify(att)
	return att, nil
}

// applyBalance performs the exactly-once balance decrement for a
// completed attempt. A final failure leaves the attempt
// completed-but-unapplied; the recovery sweep picks those up.
func (s *Service) applyBalance(ctx context.Context, attemptID string) {
	var applied bool
	op := func() error {
		a, err := s.store.ApplyCompleted(ctx, attemptID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		applied = a
		return nil
	}
	if err := backoff.Retry(op, s.newBackoff(ctx)); err != nil {
		log.Error().Err(err).
			Str("payment_id", attemptID).
			Msg("ALERT: balance application failed; attempt left completed-but-unapplied for the recovery sweep")
		return
	}
	if applied {
		metrics.BalanceAppliedTotal.Inc()
	}
}

func (s *Service) publishResolved(ctx context.Context, att *payment.Attempt) {
	ev := events.Resolved{
		PaymentID: att.ID,
		StudentID: att.StudentID,
		Status:    string(att.Status),
		Amount:    att.Amount,
		Receipt:   att.ReceiptCode,
	}
	if err := s.pub.PublishResolved(ctx, ev); err != nil {
		log.Error().Err(err).Str("payment_id", att.ID).Msg("failed to publish resolved event")
	}
}

// notify dispatches the student notification fire-and-forget; a failure
// is logged and never blocks resolution. Unknown attempts are operator
// business and stay invisible to students.
func (s *Service) notify(att *payment.Attempt) {
	if att.Status == payment.StatusUnknown {
		return
	}
	a := *att
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		student, err := s.store.Student(ctx, a.StudentID)
		if err != nil {
			log.Error().Err(err).Str("student_id", a.StudentID).Msg("notify: student lookup failed")
			return
		}
		if err := s.notifier.PaymentResolved(ctx, *student, a); err != nil {
			log.Error().Err(err).Str("payment_id", a.ID).Msg("notify: dispatch failed")
		}
	}()
}
