package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"schoolpay/internal/domain/payment"
	"schoolpay/internal/store"
)

// RecordCallback keeps every inbound payload for audit; attemptID is
// nil for orphaned or unparseable deliveries.
func (s *Store) RecordCallback(ctx context.Context, raw []byte, attemptID *string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO callback_records (payload, attempt_id) VALUES ($1,$2)`,
		string(raw), attemptID)
	return err
}

func (s *Store) Student(ctx context.Context, id string) (*payment.Student, error) {
	var st payment.Student
	var outstanding string
	err := s.db.QueryRow(ctx, `
		SELECT id, name, phone, outstanding::text FROM students WHERE id=$1`, id).
		Scan(&st.ID, &st.Name, &st.Phone, &outstanding)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Outstanding, err = decimal.NewFromString(outstanding)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
