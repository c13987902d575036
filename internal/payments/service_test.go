package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"schoolpay/internal/domain/payment"
	"schoolpay/internal/events"
	"schoolpay/internal/gateway"
	"schoolpay/internal/store"
	"schoolpay/internal/store/memory"
)

// fakeGateway scripts provider behavior for service tests.
type fakeGateway struct {
	mu         sync.Mutex
	initResult gateway.InitiateResult
	initErr    error
	initCalls  int
	queryFn    func(correlationID string) (*gateway.QueryResult, error)
	queryCalls int
}

func (f *fakeGateway) Initiate(_ context.Context, _ gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initErr != nil {
		return nil, f.initErr
	}
	res := f.initResult
	return &res, nil
}

func (f *fakeGateway) Query(_ context.Context, correlationID string) (*gateway.QueryResult, error) {
	f.mu.Lock()
	fn := f.queryFn
	f.queryCalls++
	f.mu.Unlock()
	if fn == nil {
		return &gateway.QueryResult{}, nil
	}
	return fn(correlationID)
}

// capturePublisher records PaymentResolved signals for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.Resolved
}

func (p *capturePublisher) PublishResolved(_ context.Context, ev events.Resolved) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) all() []events.Resolved {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Resolved, len(p.events))
	copy(out, p.events)
	return out
}

func newTestEnv() (*Service, *memory.Store, *fakeGateway, *capturePublisher) {
	st := memory.NewStore()
	st.SeedStudent(payment.Student{
		ID:          "stu-1",
		Name:        "Wanjiku Kamau",
		Phone:       "254712345678",
		Outstanding: decimal.NewFromInt(5000),
	})
	gw := &fakeGateway{initResult: gateway.InitiateResult{CorrelationID: "ws_CO_100"}}
	pub := &capturePublisher{}
	svc := NewService(st, gw, pub, events.LogNotifier{})
	return svc, st, gw, pub
}

func stkSuccessBody(cid, receipt string, amount float64, phone string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-1",
		"CheckoutRequestID":%q,
		"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":%v},
			{"Name":"MpesaReceiptNumber","Value":%q},
			{"Name":"TransactionDate","Value":20260823143022},
			{"Name":"PhoneNumber","Value":%s}
		]}}}}`, cid, amount, receipt, phone))
}

func stkFailureBody(cid string, code int, desc string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-1",
		"CheckoutRequestID":%q,
		"ResultCode":%d,
		"ResultDesc":%q}}}`, cid, code, desc))
}

func mustOutstanding(t *testing.T, st *memory.Store, studentID string) decimal.Decimal {
	t.Helper()
	out, err := st.Outstanding(context.Background(), studentID)
	if err != nil {
		t.Fatalf("Outstanding: %v", err)
	}
	return out
}

// Scenario A: initiate 2000 against a 5000 balance, success callback.
func TestInitiateThenSuccessCallback(t *testing.T) {
	svc, st, _, pub := newTestEnv()
	ctx := context.Background()

	att, err := svc.Initiate(ctx, "stu-1", decimal.NewFromInt(2000), "", "Term 2 fees")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if att.Status != payment.StatusPending || att.CorrelationID != "ws_CO_100" {
		t.Fatalf("initiated attempt = %+v", att)
	}
	// Caller supplied no phone: the student's directory phone is used.
	if att.Phone != "254712345678" {
		t.Errorf("attempt phone = %q", att.Phone)
	}

	if err := svc.HandleCallback(ctx, stkSuccessBody("ws_CO_100", "QGH45XKU7W", 2000, "254712345678")); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	got, _ := st.AttemptByID(ctx, att.ID)
	if got.Status != payment.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.ReceiptCode != "QGH45XKU7W" {
		t.Errorf("receipt = %q", got.ReceiptCode)
	}
	if !got.Applied {
		t.Error("balance effect not applied")
	}
	if out := mustOutstanding(t, st, "stu-1"); !out.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("outstanding = %s, want 3000", out)
	}
	if evs := pub.all(); len(evs) != 1 || evs[0].Status != "completed" || evs[0].PaymentID != att.ID {
		t.Errorf("published events = %+v", evs)
	}
}

// Scenario B: failure callback leaves the balance untouched.
func TestFailureCallbackLeavesBalance(t *testing.T) {
	svc, st, _, _ := newTestEnv()
	ctx := context.Background()

	att, err := svc.Initiate(ctx, "stu-1", decimal.NewFromInt(2000), "", "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if err := svc.HandleCallback(ctx, stkFailureBody("ws_CO_100", 1032, "Request cancelled by user")); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	got, _ := st.AttemptByID(ctx, att.ID)
	if got.Status != payment.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.FailureReason != "Request cancelled by user" {
		t.Errorf("failure reason = %q", got.FailureReason)
	}
	if got.ReceiptCode != "" || got.Applied {
		t.Errorf("failed attempt must carry no receipt or balance effect: %+v", got)
	}
	if out := mustOutstanding(t, st, "stu-1"); !out.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("outstanding = %s, want 5000", out)
	}
}

func TestInitiateUnknownStudent(t *testing.T) {
	svc, _, gw, _ := newTestEnv()
	_, err := svc.Initiate(context.Background(), "nobody", decimal.NewFromInt(100), "", "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if gw.initCalls != 0 {
		t.Error("gateway reached for unknown student")
	}
}

func TestInitiateGatewayDeclineLeavesNoAttempt(t *testing.T) {
	svc, st, gw, _ := newTestEnv()
	gw.initErr = &gateway.Error{Code: gateway.ErrInitiateDenied, Message: "invalid shortcode"}

	_, err := svc.Initiate(context.Background(), "stu-1", decimal.NewFromInt(100), "", "")
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want gateway.Error", err)
	}
	// No ledger row without gateway acceptance.
	if _, err := st.AttemptByCorrelationID(context.Background(), "ws_CO_100"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("attempt exists despite decline: %v", err)
	}
}

func TestReusedCorrelationIDRejected(t *testing.T) {
	svc, _, _, _ := newTestEnv()
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, "stu-1", decimal.NewFromInt(100), "", ""); err != nil {
		t.Fatalf("first Initiate: %v", err)
	}
	// The fake provider hands out the same correlation id again; the
	// ledger must refuse to shadow the first attempt.
	_, err := svc.Initiate(ctx, "stu-1", decimal.NewFromInt(200), "", "")
	if !errors.Is(err, store.ErrDuplicateCorrelationID) {
		t.Fatalf("err = %v, want ErrDuplicateCorrelationID", err)
	}
}

var errConnReset = errors.New("connection reset by peer")

// flakyStore injects transient write failures in front of the real
// store to exercise the persistence retry loops.
type flakyStore struct {
	store.Store
	mu           sync.Mutex
	createFails  int
	resolveFails int
	createCalls  int
	resolveCalls int
}

func (f *flakyStore) CreateAttempt(ctx context.Context, a *payment.Attempt) error {
	f.mu.Lock()
	f.createCalls++
	fail := f.createFails > 0
	if fail {
		f.createFails--
	}
	f.mu.Unlock()
	if fail {
		return errConnReset
	}
	return f.Store.CreateAttempt(ctx, a)
}

func (f *flakyStore) ResolvePending(ctx context.Context, correlationID string, res payment.Resolution) (*payment.Attempt, bool, error) {
	f.mu.Lock()
	f.resolveCalls++
	fail := f.resolveFails > 0
	if fail {
		f.resolveFails--
	}
	f.mu.Unlock()
	if fail {
		return nil, false, errConnReset
	}
	return f.Store.ResolvePending(ctx, correlationID, res)
}

func shortBackoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxElapsedTime = 50 * time.Millisecond
	return backoff.WithContext(b, ctx)
}

func newFlakyEnv() (*Service, *flakyStore, *memory.Store) {
	mem := memory.NewStore()
	mem.SeedStudent(payment.Student{
		ID:          "stu-1",
		Name:        "Wanjiku Kamau",
		Phone:       "254712345678",
		Outstanding: decimal.NewFromInt(5000),
	})
	fs := &flakyStore{Store: mem}
	svc := NewService(fs, &fakeGateway{initResult: gateway.InitiateResult{CorrelationID: "ws_CO_100"}}, nil, nil)
	svc.newBackoff = shortBackoff
	return svc, fs, mem
}

// The gateway has accepted by the time the attempt row is written, so a
// transient store failure must not lose the write.
func TestInitiateRetriesTransientPersistenceFailure(t *testing.T) {
	svc, fs, mem := newFlakyEnv()
	fs.createFails = 2

	att, err := svc.Initiate(context.Background(), "stu-1", decimal.NewFromInt(2000), "", "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if fs.createCalls != 3 {
		t.Errorf("create calls = %d, want 3", fs.createCalls)
	}
	got, err := mem.AttemptByCorrelationID(context.Background(), "ws_CO_100")
	if err != nil || got.ID != att.ID || got.Status != payment.StatusPending {
		t.Fatalf("persisted attempt = %+v, %v", got, err)
	}
}

func TestInitiateSurfacesExhaustedPersistenceRetries(t *testing.T) {
	svc, fs, mem := newFlakyEnv()
	fs.createFails = 1 << 20

	_, err := svc.Initiate(context.Background(), "stu-1", decimal.NewFromInt(2000), "", "")
	if !errors.Is(err, errConnReset) {
		t.Fatalf("err = %v, want the store failure surfaced", err)
	}
	if _, err := mem.AttemptByCorrelationID(context.Background(), "ws_CO_100"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("attempt row exists despite exhausted retries: %v", err)
	}
}

// A client disconnect after gateway acceptance must not abort the
// retries protecting the ledger write; the push is live either way.
func TestInitiatePersistsDespiteCanceledRequest(t *testing.T) {
	svc, fs, mem := newFlakyEnv()
	fs.createFails = 1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	att, err := svc.Initiate(ctx, "stu-1", decimal.NewFromInt(2000), "", "")
	if err != nil {
		t.Fatalf("Initiate under canceled context: %v", err)
	}
	if got, err := mem.AttemptByID(context.Background(), att.ID); err != nil || got.Status != payment.StatusPending {
		t.Fatalf("persisted attempt = %+v, %v", got, err)
	}
}

func TestResolveRetriesTransientPersistenceFailure(t *testing.T) {
	svc, fs, mem := newFlakyEnv()
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, "stu-1", decimal.NewFromInt(2000), "", ""); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	fs.resolveFails = 2

	att, err := svc.Resolve(ctx, "ws_CO_100", payment.Resolution{Success: true, ReceiptCode: "QGH45XKU7W"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if att.Status != payment.StatusCompleted || !att.Applied {
		t.Fatalf("resolved attempt = %+v", att)
	}
	if out, _ := mem.Outstanding(ctx, "stu-1"); !out.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("outstanding = %s, want 3000", out)
	}
}

// When resolution persistence stays broken past the retry window the
// error surfaces and the attempt stays pending, so the verification
// sweep can finish the job once the store recovers.
func TestResolveExhaustionLeavesPendingForSweep(t *testing.T) {
	svc, fs, mem := newFlakyEnv()
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, "stu-1", decimal.NewFromInt(2000), "", ""); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	fs.resolveFails = 1 << 20

	_, err := svc.Resolve(ctx, "ws_CO_100", payment.Resolution{Success: true, ReceiptCode: "QGH45XKU7W"})
	if !errors.Is(err, errConnReset) {
		t.Fatalf("err = %v, want the store failure surfaced", err)
	}
	got, _ := mem.AttemptByCorrelationID(ctx, "ws_CO_100")
	if got.Status != payment.StatusPending {
		t.Errorf("status = %s, want still pending", got.Status)
	}
	if out, _ := mem.Outstanding(ctx, "stu-1"); !out.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("outstanding = %s, want untouched 5000", out)
	}
}

// Overpayment is clamped: the balance never goes below zero and the
// excess is not credited anywhere.
func TestOverpaymentClampsAtZero(t *testing.T) {
	svc, st, gw, _ := newTestEnv()
	gw.initResult = gateway.InitiateResult{CorrelationID: "ws_CO_200"}
	ctx := context.Background()

	att, err := svc.Initiate(ctx, "stu-1", decimal.NewFromInt(9000), "", "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := svc.HandleCallback(ctx, stkSuccessBody("ws_CO_200", "QOVER00001", 9000, "254712345678")); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	if out := mustOutstanding(t, st, "stu-1"); !out.Equal(decimal.Zero) {
		t.Errorf("outstanding = %s, want 0", out)
	}
	got, _ := st.AttemptByID(ctx, att.ID)
	if !got.Amount.Equal(decimal.NewFromInt(9000)) {
		t.Errorf("attempt amount mutated: %s", got.Amount)
	}
}
