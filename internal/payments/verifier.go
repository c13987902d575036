package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"schoolpay/internal/config"
	"schoolpay/internal/domain/payment"
	"schoolpay/internal/gateway"
	"schoolpay/internal/metrics"
	"schoolpay/internal/store"
)

// Verifier is the fallback for lost or delayed callbacks: it sweeps
// pending attempts past the grace period and asks the provider
// directly. Definitive answers go through the same Resolve path as
// callbacks; persistent ambiguity moves the attempt to unknown for an
// operator. The sweep is safe to run concurrently with live callback
// delivery (the per-attempt guard decides) and is a no-op on anything
// already resolved.
type Verifier struct {
	svc       *Service
	store     store.Store
	gw        gateway.Gateway
	grace     time.Duration
	pollEvery time.Duration
	batch     int
	retryCap  int
}

func NewVerifier(svc *Service, st store.Store, gw gateway.Gateway, cfg config.VerifyCfg) *Verifier {
	v := &Verifier{
		svc:       svc,
		store:     st,
		gw:        gw,
		grace:     cfg.Grace,
		pollEvery: cfg.PollEvery,
		batch:     cfg.BatchSize,
		retryCap:  cfg.RetryCap,
	}
	if v.grace == 0 {
		v.grace = 2 * time.Minute
	}
	if v.pollEvery == 0 {
		v.pollEvery = 30 * time.Second
	}
	if v.batch == 0 {
		v.batch = 50
	}
	if v.retryCap == 0 {
		v.retryCap = 3
	}
	return v
}

func (v *Verifier) Run(ctx context.Context) {
	log.Info().
		Dur("grace", v.grace).
		Dur("poll_every", v.pollEvery).
		Int("retry_cap", v.retryCap).
		Msg("verification worker: started")
	t := time.NewTicker(v.pollEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("verification worker: stopping")
			return
		case <-t.C:
			v.Sweep(ctx)
			v.recoverUnapplied(ctx)
		}
	}
}

// Sweep runs one verification pass over overdue pending attempts.
func (v *Verifier) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-v.grace)
	atts, err := v.store.PendingOlderThan(ctx, cutoff, v.batch)
	if err != nil {
		log.Error().Err(err).Msg("verifier: fetching overdue attempts failed")
		return
	}
	for _, att := range atts {
		if _, err := v.VerifyAttempt(ctx, att); err != nil {
			log.Error().Err(err).
				Str("payment_id", att.ID).
				Msg("verifier: attempt verification failed")
		}
	}
}

// VerifyAttempt runs one verification round for a single attempt; the
// admin manual-resolution endpoint calls this directly.
func (v *Verifier) VerifyAttempt(ctx context.Context, att *payment.Attempt) (*payment.Attempt, error) {
	if att.Status != payment.StatusPending {
		return att, nil
	}

	qr, err := v.gw.Query(ctx, att.CorrelationID)
	if err != nil {
		metrics.VerifyQueriesTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).
			Str("payment_id", att.ID).
			Str("correlation_id", att.CorrelationID).
			Msg("verifier: status query failed")
		return v.noteInconclusive(ctx, att)
	}
	if !qr.Resolved {
		metrics.VerifyQueriesTotal.WithLabelValues("inconclusive").Inc()
		return v.noteInconclusive(ctx, att)
	}

	metrics.VerifyQueriesTotal.WithLabelValues("resolved").Inc()
	res := payment.Resolution{Success: qr.Success}
	if qr.Success {
		res.ReceiptCode = qr.ReceiptCode
		if res.ReceiptCode == "" {
			// The query endpoint confirms success without a receipt;
			// derive one from the correlation id so the
			// completed⇔receipt invariant holds and the source of the
			// resolution stays visible.
			res.ReceiptCode = "VRF-" + att.CorrelationID
		}
	} else {
		res.FailureReason = qr.Detail
		if strings.TrimSpace(res.FailureReason) == "" {
			res.FailureReason = "declined by provider"
		}
	}
	return v.svc.Resolve(ctx, att.CorrelationID, res)
}

// noteInconclusive counts an ambiguous round against the retry cap and
// flags the attempt unknown once the cap is hit, rather than querying
// forever.
func (v *Verifier) noteInconclusive(ctx context.Context, att *payment.Attempt) (*payment.Attempt, error) {
	n, err := v.store.BumpVerifyCount(ctx, att.ID)
	if errors.Is(err, store.ErrNotFound) {
		// A callback resolved it while we were querying.
		return v.store.AttemptByID(ctx, att.ID)
	}
	if err != nil {
		return nil, err
	}

	if n >= v.retryCap {
		moved, err := v.store.MarkUnknown(ctx, att.ID)
		if err != nil {
			return nil, err
		}
		if moved {
			metrics.ResolutionsTotal.WithLabelValues(string(payment.StatusUnknown)).Inc()
			log.Warn().
				Str("payment_id", att.ID).
				Str("correlation_id", att.CorrelationID).
				Int("verify_count", n).
				Msg("verification retry cap reached; attempt flagged for manual resolution")
			if updated, err := v.store.AttemptByID(ctx, att.ID); err == nil {
				v.svc.publishResolved(ctx, updated)
				return updated, nil
			}
		}
	}
	return v.store.AttemptByID(ctx, att.ID)
}

// recoverUnapplied re-drives the balance effect for attempts that ended
// up completed-but-unapplied, e.g. after a crash between the guarded
// transition and the balance transaction.
func (v *Verifier) recoverUnapplied(ctx context.Context) {
	atts, err := v.store.CompletedUnapplied(ctx, v.batch)
	if err != nil {
		log.Error().Err(err).Msg("verifier: fetching unapplied attempts failed")
		return
	}
	for _, att := range atts {
		v.svc.applyBalance(ctx, att.ID)
	}
}
