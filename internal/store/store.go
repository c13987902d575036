// Package store defines the canonical repository contract for the
// payment ledger, student balances and callback audit records. Two
// implementations exist: postgres (production) and memory (tests,
// single-node development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"schoolpay/internal/domain/payment"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateCorrelationID guards against the provider reusing a
	// correlation id across distinct attempts; an insert never shadows
	// an earlier attempt.
	ErrDuplicateCorrelationID = errors.New("correlation id already recorded")
)

// Ledger is the durable record of payment attempts and the only place
// state transitions are persisted.
type Ledger interface {
	CreateAttempt(ctx context.Context, a *payment.Attempt) error
	AttemptByID(ctx context.Context, id string) (*payment.Attempt, error)
	AttemptByCorrelationID(ctx context.Context, correlationID string) (*payment.Attempt, error)

	// ResolvePending applies res iff the attempt is still pending. The
	// guard is scoped to the one attempt (conditional update or
	// per-attempt lock, never a global lock). It returns the attempt as
	// stored after the call and whether this caller won the transition;
	// a loser gets the already-resolved row and won=false.
	ResolvePending(ctx context.Context, correlationID string, res payment.Resolution) (*payment.Attempt, bool, error)

	// BumpVerifyCount increments the verification retry counter of a
	// pending attempt and returns the new count.
	BumpVerifyCount(ctx context.Context, id string) (int, error)

	// MarkUnknown moves a pending attempt to unknown under the same
	// per-attempt guard; returns false if the attempt was no longer
	// pending.
	MarkUnknown(ctx context.Context, id string) (bool, error)

	PendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*payment.Attempt, error)
	UnknownAttempts(ctx context.Context, limit int) ([]*payment.Attempt, error)

	// CompletedUnapplied lists attempts whose balance effect is still
	// outstanding; the recovery sweep feeds them back to ApplyCompleted.
	CompletedUnapplied(ctx context.Context, limit int) ([]*payment.Attempt, error)
}

// Balances applies the exactly-once monetary effect of completed
// attempts to student accounts.
type Balances interface {
	// ApplyCompleted decrements the student's outstanding balance by
	// the attempt amount, clamped at zero, iff the attempt is completed
	// and its applied marker is unset. Marker and decrement commit
	// together. Returns whether this call performed the effect.
	ApplyCompleted(ctx context.Context, attemptID string) (bool, error)

	Outstanding(ctx context.Context, studentID string) (decimal.Decimal, error)
}

// Callbacks retains every inbound provider notification for audit,
// including orphans and unparseable payloads (attemptID nil).
type Callbacks interface {
	RecordCallback(ctx context.Context, raw []byte, attemptID *string) error
}

// Students is the consumed student-directory collaborator.
type Students interface {
	Student(ctx context.Context, id string) (*payment.Student, error)
}

// Store is the full repository surface the payment service runs on.
type Store interface {
	Ledger
	Balances
	Callbacks
	Students
}
