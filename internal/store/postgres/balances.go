package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"schoolpay/internal/store"
)

// ApplyCompleted flips the attempt's applied marker and decrements the
// student's outstanding balance in one transaction, so the effect lands
// exactly once no matter how many resolution signals arrive.
func (s *Store) ApplyCompleted(ctx context.Context, attemptID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var studentID, amount string
	err = tx.QueryRow(ctx, `
		UPDATE payment_attempts
		   SET applied = true
		 WHERE id = $1 AND status = 'completed' AND applied = false
		RETURNING student_id, amount::text`, attemptID).Scan(&studentID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already applied, or not completed: nothing to do.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// Clamped at zero: overpayment is not credited anywhere.
	_, err = tx.Exec(ctx, `
		UPDATE students
		   SET outstanding = GREATEST(outstanding - $2::numeric, 0)
		 WHERE id = $1`, studentID, amount)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *Store) Outstanding(ctx context.Context, studentID string) (decimal.Decimal, error) {
	var out string
	err := s.db.QueryRow(ctx, `SELECT outstanding::text FROM students WHERE id=$1`, studentID).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, store.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(out)
}
