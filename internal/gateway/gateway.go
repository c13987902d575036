package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Gateway is the provider adapter contract: initiate a push payment and
// query the fate of an earlier one. Wire shapes stay inside the
// implementation.
type Gateway interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Query(ctx context.Context, correlationID string) (*QueryResult, error)
}

type InitiateRequest struct {
	Phone       string
	Amount      decimal.Decimal
	AccountRef  string
	Description string
}

type InitiateResult struct {
	CorrelationID   string
	CustomerMessage string
}

// QueryResult reports a status query. Resolved=false means the provider
// has not decided yet (or answered ambiguously) and the caller should
// retry later; Success/Detail are meaningful only when Resolved.
type QueryResult struct {
	Resolved    bool
	Success     bool
	ReceiptCode string // may be empty even on success; the resolver derives one then
	Detail      string
}

// ValidationError rejects a request locally, before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Error is a failure at or beyond the wire: network trouble, a timeout,
// or a non-success provider response. Retryable marks transport-level
// failures; a definitive provider decline is never retryable.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrAuthFailed     = "auth_failed"
	ErrRequestFailed  = "request_failed"
	ErrProviderError  = "provider_error"
	ErrInitiateDenied = "initiate_denied"
)
