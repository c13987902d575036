package payments

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"schoolpay/internal/domain/payment"
)

func TestDecideCallback(t *testing.T) {
	t.Run("success with metadata", func(t *testing.T) {
		d := DecideCallback(stkSuccessBody("ws_CO_7", "QGH45XKU7W", 1500.0, "254712345678"))
		if d.Kind != DecisionResolve {
			t.Fatalf("kind = %v, want resolve", d.Kind)
		}
		if d.CorrelationID != "ws_CO_7" {
			t.Errorf("correlation id = %q", d.CorrelationID)
		}
		if !d.Resolution.Success || d.Resolution.ReceiptCode != "QGH45XKU7W" {
			t.Errorf("resolution = %+v", d.Resolution)
		}
		if !d.Amount.Equal(decimal.NewFromInt(1500)) {
			t.Errorf("amount = %s", d.Amount)
		}
		if d.Phone != "254712345678" {
			t.Errorf("phone = %q", d.Phone)
		}
		if d.PaidAt.IsZero() {
			t.Error("transaction date not parsed")
		}
	})

	t.Run("failure carries reason", func(t *testing.T) {
		d := DecideCallback(stkFailureBody("ws_CO_8", 1032, "Request cancelled by user"))
		if d.Kind != DecisionResolve || d.Resolution.Success {
			t.Fatalf("decision = %+v", d)
		}
		if d.Resolution.FailureReason != "Request cancelled by user" {
			t.Errorf("reason = %q", d.Resolution.FailureReason)
		}
	})

	t.Run("failure without description gets a default", func(t *testing.T) {
		d := DecideCallback(stkFailureBody("ws_CO_9", 2001, "  "))
		if d.Resolution.FailureReason == "" {
			t.Error("empty failure reason passed through")
		}
	})

	malformed := map[string][]byte{
		"garbage":                 []byte("not json"),
		"empty object":            []byte(`{}`),
		"no correlation id":       []byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`),
		"success without receipt": []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_10","ResultCode":0}}}`),
	}
	for name, body := range malformed {
		t.Run("malformed/"+name, func(t *testing.T) {
			if d := DecideCallback(body); d.Kind != DecisionMalformed {
				t.Errorf("decision = %+v, want malformed", d)
			}
		})
	}
}

// A redelivered success callback must not decrement the balance twice.
func TestDuplicateCallbackIsIdempotent(t *testing.T) {
	svc, st, _, pub := newTestEnv()
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, "stu-1", decimal.NewFromInt(2000), "", ""); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	body := stkSuccessBody("ws_CO_100", "QGH45XKU7W", 2000, "254712345678")
	for i := 0; i < 2; i++ {
		if err := svc.HandleCallback(ctx, body); err != nil {
			t.Fatalf("HandleCallback #%d: %v", i+1, err)
		}
	}

	if out := mustOutstanding(t, st, "stu-1"); !out.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("outstanding = %s, want exactly one decrement to 3000", out)
	}
	if evs := pub.all(); len(evs) != 1 {
		t.Errorf("published %d events, want 1", len(evs))
	}
	// Both deliveries are still kept for audit.
	if recs := st.CallbackRecords(); len(recs) != 2 {
		t.Errorf("callback records = %d, want 2", len(recs))
	}
}

// A callback for a correlation id we never issued is stored and nothing
// else happens.
func TestOrphanCallbackMutatesNothing(t *testing.T) {
	svc, st, _, pub := newTestEnv()
	ctx := context.Background()

	if err := svc.HandleCallback(ctx, stkSuccessBody("ws_CO_stranger", "QXX00YY11Z", 700, "254700000000")); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	recs := st.CallbackRecords()
	if len(recs) != 1 || recs[0].AttemptID != nil {
		t.Fatalf("callback records = %+v, want one unmatched record", recs)
	}
	if out := mustOutstanding(t, st, "stu-1"); !out.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("outstanding changed by orphan callback: %s", out)
	}
	if len(pub.all()) != 0 {
		t.Error("orphan callback published a resolution")
	}
}

func TestMalformedCallbackRecorded(t *testing.T) {
	svc, st, _, _ := newTestEnv()

	if err := svc.HandleCallback(context.Background(), []byte("<xml?>")); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	recs := st.CallbackRecords()
	if len(recs) != 1 || recs[0].AttemptID != nil || string(recs[0].Payload) != "<xml?>" {
		t.Fatalf("callback records = %+v", recs)
	}
}

// A callback reporting a different figure than the attempt is flagged
// for operators but resolves normally; the ledger amount governs the
// balance effect.
func TestCallbackAmountMismatchResolvesOnLedgerAmount(t *testing.T) {
	svc, st, _, _ := newTestEnv()
	ctx := context.Background()

	att, err := svc.Initiate(ctx, "stu-1", decimal.NewFromInt(2000), "", "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := svc.HandleCallback(ctx, stkSuccessBody("ws_CO_100", "QGH45XKU7W", 1500, "254712345678")); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	got, _ := st.AttemptByID(ctx, att.ID)
	if got.Status != payment.StatusCompleted || !got.Amount.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("attempt = %+v", got)
	}
	if out := mustOutstanding(t, st, "stu-1"); !out.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("outstanding = %s, want 3000 (2000 applied, not the callback's 1500)", out)
	}
}

func TestMatchedCallbackLinkedToAttempt(t *testing.T) {
	svc, st, _, _ := newTestEnv()
	ctx := context.Background()

	att, err := svc.Initiate(ctx, "stu-1", decimal.NewFromInt(100), "", "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := svc.HandleCallback(ctx, stkFailureBody("ws_CO_100", 1037, "DS timeout")); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	recs := st.CallbackRecords()
	if len(recs) != 1 || recs[0].AttemptID == nil || *recs[0].AttemptID != att.ID {
		t.Fatalf("callback records = %+v, want link to %s", recs, att.ID)
	}
	got, _ := st.AttemptByID(ctx, att.ID)
	if got.Status != payment.StatusFailed {
		t.Errorf("status = %s", got.Status)
	}
}
