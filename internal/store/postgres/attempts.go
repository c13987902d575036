package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"schoolpay/internal/domain/payment"
	"schoolpay/internal/store"
)

const attemptCols = `id, student_id, amount::text, phone, correlation_id, status,
	COALESCE(receipt_code,''), COALESCE(failure_reason,''), verify_count, applied, created_at, resolved_at`

func (s *Store) CreateAttempt(ctx context.Context, a *payment.Attempt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payment_attempts
			(id, student_id, amount, phone, correlation_id, status, verify_count, applied, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,false,$7)`,
		a.ID, a.StudentID, a.Amount.String(), a.Phone, a.CorrelationID, string(a.Status), a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicateCorrelationID
	}
	return err
}

func (s *Store) AttemptByID(ctx context.Context, id string) (*payment.Attempt, error) {
	row := s.db.QueryRow(ctx, `SELECT `+attemptCols+` FROM payment_attempts WHERE id=$1`, id)
	return scanAttempt(row)
}

func (s *Store) AttemptByCorrelationID(ctx context.Context, correlationID string) (*payment.Attempt, error) {
	row := s.db.QueryRow(ctx, `SELECT `+attemptCols+` FROM payment_attempts WHERE correlation_id=$1`, correlationID)
	return scanAttempt(row)
}

// ResolvePending is the per-attempt guarded transition: the conditional
// UPDATE only matches while the row is still pending, so exactly one of
// two racing writers flips it and the other reads back the winner's
// terminal state.
func (s *Store) ResolvePending(ctx context.Context, correlationID string, res payment.Resolution) (*payment.Attempt, bool, error) {
	if err := res.Validate(); err != nil {
		return nil, false, err
	}
	status := payment.StatusFailed
	if res.Success {
		status = payment.StatusCompleted
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE payment_attempts
		   SET status = $2,
		       receipt_code = NULLIF($3,''),
		       failure_reason = NULLIF($4,''),
		       resolved_at = now()
		 WHERE correlation_id = $1 AND status = 'pending'`,
		correlationID, string(status), res.ReceiptCode, res.FailureReason,
	)
	if err != nil {
		return nil, false, err
	}

	att, err := s.AttemptByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, false, err
	}
	return att, tag.RowsAffected() > 0, nil
}

func (s *Store) BumpVerifyCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		UPDATE payment_attempts
		   SET verify_count = verify_count + 1
		 WHERE id = $1 AND status = 'pending'
		RETURNING verify_count`, id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		// Resolved out from under the sweep; nothing to count.
		return 0, store.ErrNotFound
	}
	return n, err
}

func (s *Store) MarkUnknown(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment_attempts
		   SET status = 'unknown', resolved_at = now()
		 WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) PendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*payment.Attempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+attemptCols+` FROM payment_attempts
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanAttempts(rows)
}

func (s *Store) UnknownAttempts(ctx context.Context, limit int) ([]*payment.Attempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+attemptCols+` FROM payment_attempts
		 WHERE status = 'unknown'
		 ORDER BY created_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanAttempts(rows)
}

func (s *Store) CompletedUnapplied(ctx context.Context, limit int) ([]*payment.Attempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+attemptCols+` FROM payment_attempts
		 WHERE status = 'completed' AND applied = false
		 ORDER BY resolved_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanAttempts(rows)
}

func scanAttempt(row pgx.Row) (*payment.Attempt, error) {
	var a payment.Attempt
	var amount, status string
	err := row.Scan(&a.ID, &a.StudentID, &amount, &a.Phone, &a.CorrelationID, &status,
		&a.ReceiptCode, &a.FailureReason, &a.VerifyCount, &a.Applied, &a.CreatedAt, &a.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = payment.Status(status)
	a.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount %q on attempt %s: %w", amount, a.ID, err)
	}
	return &a, nil
}

func scanAttempts(rows pgx.Rows) ([]*payment.Attempt, error) {
	defer rows.Close()
	var out []*payment.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
