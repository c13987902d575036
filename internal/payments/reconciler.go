package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"schoolpay/internal/domain/payment"
	"schoolpay/internal/metrics"
	"schoolpay/internal/store"
)

// DecisionKind classifies a callback payload.
type DecisionKind int

const (
	// DecisionMalformed: unprocessable payload; record for inspection,
	// acknowledge to the provider, touch nothing else.
	DecisionMalformed DecisionKind = iota
	// DecisionResolve: well-formed terminal signal for a correlation id.
	DecisionResolve
)

// Decision is the pure output of callback parsing: what the payload
// means, with no I/O performed to compute it. Amount is cross-checked
// against the ledger row; Phone and PaidAt ride along for inspection
// of recorded payloads.
type Decision struct {
	Kind          DecisionKind
	CorrelationID string
	Resolution    payment.Resolution
	Amount        decimal.Decimal
	Phone         string
	PaidAt        time.Time
}

// Daraja STK callback shape.
type stkCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// DecideCallback is the decision half of the reconciler: payload bytes
// in, Decision out. Keeping it pure lets the state machine be tested
// with no HTTP or storage in the loop.
func DecideCallback(body []byte) Decision {
	var cb stkCallback
	if err := json.Unmarshal(body, &cb); err != nil || cb.Body.StkCallback.CheckoutRequestID == "" {
		return Decision{Kind: DecisionMalformed}
	}
	sc := cb.Body.StkCallback

	d := Decision{
		Kind:          DecisionResolve,
		CorrelationID: sc.CheckoutRequestID,
	}

	var receipt string
	for _, it := range sc.CallbackMetadata.Item {
		switch it.Name {
		case "MpesaReceiptNumber":
			if s, ok := it.Value.(string); ok {
				receipt = s
			}
		case "Amount":
			d.Amount = metadataAmount(it.Value)
		case "PhoneNumber":
			d.Phone = metadataString(it.Value)
		case "TransactionDate":
			if t, err := time.Parse("20060102150405", metadataString(it.Value)); err == nil {
				d.PaidAt = t
			}
		}
	}

	if sc.ResultCode == 0 {
		if receipt == "" {
			// A success without a receipt cannot satisfy the ledger
			// invariant; keep it for inspection instead of guessing.
			return Decision{Kind: DecisionMalformed}
		}
		d.Resolution = payment.Resolution{Success: true, ReceiptCode: receipt}
		return d
	}

	reason := strings.TrimSpace(sc.ResultDesc)
	if reason == "" {
		reason = fmt.Sprintf("declined by provider (result code %d)", sc.ResultCode)
	}
	d.Resolution = payment.Resolution{Success: false, FailureReason: reason}
	return d
}

// HandleCallback is the effect half: record the payload, match it to an
// attempt and feed the shared resolution path. It never errors on
// duplicates, orphans or malformed payloads; the provider retries
// non-2xx responses and none of those get better with retries.
func (s *Service) HandleCallback(ctx context.Context, body []byte) error {
	d := DecideCallback(body)

	if d.Kind == DecisionMalformed {
		metrics.MalformedCallbacksTotal.Inc()
		log.Warn().Int("bytes", len(body)).Msg("unprocessable callback payload recorded")
		return s.store.RecordCallback(ctx, body, nil)
	}

	att, err := s.store.AttemptByCorrelationID(ctx, d.CorrelationID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.OrphanCallbacksTotal.Inc()
		log.Warn().
			Str("correlation_id", d.CorrelationID).
			Msg("orphan callback: no matching payment attempt")
		return s.store.RecordCallback(ctx, body, nil)
	}
	if err != nil {
		return err
	}

	if err := s.store.RecordCallback(ctx, body, &att.ID); err != nil {
		// Audit write failure must not cost us the resolution itself.
		log.Error().Err(err).Str("payment_id", att.ID).Msg("failed to record callback payload")
	}

	// The provider was asked for the whole-shilling rounding of the
	// attempt amount; a different figure in the callback is worth an
	// operator's eyes, but the ledger amount governs the resolution.
	if d.Resolution.Success && !d.Amount.IsZero() && !d.Amount.Equal(att.Amount.Round(0)) {
		log.Warn().
			Str("payment_id", att.ID).
			Str("attempt_amount", att.Amount.String()).
			Str("callback_amount", d.Amount.String()).
			Msg("callback amount differs from the initiated amount")
	}

	_, err = s.Resolve(ctx, d.CorrelationID, d.Resolution)
	return err
}

// Daraja metadata values arrive as float64, string or json.Number
// depending on the environment.
func metadataAmount(v any) decimal.Decimal {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x)
	case string:
		if d, err := decimal.NewFromString(x); err == nil {
			return d
		}
	case json.Number:
		if d, err := decimal.NewFromString(x.String()); err == nil {
			return d
		}
	}
	return decimal.Zero
}

func metadataString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return fmt.Sprintf("%.0f", x)
	case json.Number:
		return x.String()
	}
	return ""
}
