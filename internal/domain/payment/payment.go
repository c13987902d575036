package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of a payment attempt.
type Status string

const (
	// StatusPending: the gateway accepted the push request and we are
	// waiting for a callback or a verification result.
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusUnknown: verification stayed inconclusive past the retry
	// cap; the attempt needs an operator decision.
	StatusUnknown Status = "unknown"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusUnknown
}

// Attempt is one provider push-payment and its state machine. A row is
// created only once the gateway has acknowledged the initiation, so an
// attempt is born pending with its correlation id already assigned.
type Attempt struct {
	ID            string
	StudentID     string
	Amount        decimal.Decimal
	Phone         string
	CorrelationID string
	Status        Status
	ReceiptCode   string // set iff Status == StatusCompleted
	FailureReason string // set iff Status == StatusFailed
	VerifyCount   int
	Applied       bool // balance effect recorded exactly once
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// NewAttempt creates a pending attempt with validation. Amount is
// immutable after this point.
func NewAttempt(studentID string, amount decimal.Decimal, phone, correlationID string) (*Attempt, error) {
	if strings.TrimSpace(studentID) == "" {
		return nil, fmt.Errorf("student id is required")
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive: %s", amount)
	}
	if strings.TrimSpace(phone) == "" {
		return nil, fmt.Errorf("phone is required")
	}
	if strings.TrimSpace(correlationID) == "" {
		return nil, fmt.Errorf("correlation id is required")
	}

	return &Attempt{
		ID:            uuid.NewString(),
		StudentID:     studentID,
		Amount:        amount,
		Phone:         phone,
		CorrelationID: correlationID,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
	}, nil
}

// Resolution is a terminal signal for a pending attempt, regardless of
// whether it came from a callback or a verification query.
type Resolution struct {
	Success       bool
	ReceiptCode   string // required on success
	FailureReason string // required on failure
}

func (r Resolution) Validate() error {
	if r.Success && strings.TrimSpace(r.ReceiptCode) == "" {
		return fmt.Errorf("successful resolution requires a receipt code")
	}
	if !r.Success && strings.TrimSpace(r.FailureReason) == "" {
		return fmt.Errorf("failed resolution requires a failure reason")
	}
	return nil
}

// Apply writes the terminal state onto a. Callers must hold the
// per-attempt guard and have checked Status == StatusPending; Apply is
// the single place the pending→terminal transition is computed.
func (a *Attempt) Apply(r Resolution, at time.Time) error {
	if a.Status != StatusPending {
		return fmt.Errorf("attempt %s is already %s", a.ID, a.Status)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Success {
		a.Status = StatusCompleted
		a.ReceiptCode = r.ReceiptCode
	} else {
		a.Status = StatusFailed
		a.FailureReason = r.FailureReason
	}
	a.ResolvedAt = &at
	return nil
}

// Student is the consumed collaborator record: who owes what, and the
// phone the push prompt goes to when the caller does not supply one.
type Student struct {
	ID          string
	Name        string
	Phone       string
	Outstanding decimal.Decimal
}
