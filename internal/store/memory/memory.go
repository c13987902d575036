// Package memory implements store.Store in process memory. It backs
// the test suite and single-node development runs, with the same
// guarded-transition semantics as the postgres store: resolution takes
// a per-attempt lock, never a store-wide one.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"schoolpay/internal/domain/payment"
	"schoolpay/internal/store"
)

type attemptRec struct {
	mu sync.Mutex
	a  payment.Attempt
}

type studentRec struct {
	mu sync.Mutex
	s  payment.Student
}

// CallbackRecord is the audit row kept for every inbound payload.
type CallbackRecord struct {
	Payload    []byte
	AttemptID  *string
	ReceivedAt time.Time
}

type Store struct {
	mu            sync.RWMutex // guards the maps; attempt/student state has its own locks
	byID          map[string]*attemptRec
	byCorrelation map[string]*attemptRec
	students      map[string]*studentRec

	cbMu      sync.Mutex
	callbacks []CallbackRecord
}

var _ store.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		byID:          make(map[string]*attemptRec),
		byCorrelation: make(map[string]*attemptRec),
		students:      make(map[string]*studentRec),
	}
}

// SeedStudent registers a student record; used by tests and dev setup.
func (s *Store) SeedStudent(st payment.Student) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[st.ID] = &studentRec{s: st}
}

func (s *Store) CreateAttempt(_ context.Context, a *payment.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byCorrelation[a.CorrelationID]; exists {
		return store.ErrDuplicateCorrelationID
	}
	rec := &attemptRec{a: *a}
	s.byID[a.ID] = rec
	s.byCorrelation[a.CorrelationID] = rec
	return nil
}

func (s *Store) AttemptByID(_ context.Context, id string) (*payment.Attempt, error) {
	s.mu.RLock()
	rec := s.byID[id]
	s.mu.RUnlock()
	if rec == nil {
		return nil, store.ErrNotFound
	}
	return rec.snapshot(), nil
}

func (s *Store) AttemptByCorrelationID(_ context.Context, correlationID string) (*payment.Attempt, error) {
	s.mu.RLock()
	rec := s.byCorrelation[correlationID]
	s.mu.RUnlock()
	if rec == nil {
		return nil, store.ErrNotFound
	}
	return rec.snapshot(), nil
}

func (s *Store) ResolvePending(_ context.Context, correlationID string, res payment.Resolution) (*payment.Attempt, bool, error) {
	if err := res.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	rec := s.byCorrelation[correlationID]
	s.mu.RUnlock()
	if rec == nil {
		return nil, false, store.ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.a.Status != payment.StatusPending {
		a := rec.a
		return &a, false, nil
	}
	if err := rec.a.Apply(res, time.Now()); err != nil {
		return nil, false, err
	}
	a := rec.a
	return &a, true, nil
}

func (s *Store) BumpVerifyCount(_ context.Context, id string) (int, error) {
	s.mu.RLock()
	rec := s.byID[id]
	s.mu.RUnlock()
	if rec == nil {
		return 0, store.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.a.Status != payment.StatusPending {
		return 0, store.ErrNotFound
	}
	rec.a.VerifyCount++
	return rec.a.VerifyCount, nil
}

func (s *Store) MarkUnknown(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	rec := s.byID[id]
	s.mu.RUnlock()
	if rec == nil {
		return false, store.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.a.Status != payment.StatusPending {
		return false, nil
	}
	now := time.Now()
	rec.a.Status = payment.StatusUnknown
	rec.a.ResolvedAt = &now
	return true, nil
}

func (s *Store) PendingOlderThan(_ context.Context, cutoff time.Time, limit int) ([]*payment.Attempt, error) {
	return s.collect(limit, func(a payment.Attempt) bool {
		return a.Status == payment.StatusPending && a.CreatedAt.Before(cutoff)
	}), nil
}

func (s *Store) UnknownAttempts(_ context.Context, limit int) ([]*payment.Attempt, error) {
	return s.collect(limit, func(a payment.Attempt) bool {
		return a.Status == payment.StatusUnknown
	}), nil
}

func (s *Store) CompletedUnapplied(_ context.Context, limit int) ([]*payment.Attempt, error) {
	return s.collect(limit, func(a payment.Attempt) bool {
		return a.Status == payment.StatusCompleted && !a.Applied
	}), nil
}

func (s *Store) ApplyCompleted(_ context.Context, attemptID string) (bool, error) {
	s.mu.RLock()
	rec := s.byID[attemptID]
	s.mu.RUnlock()
	if rec == nil {
		return false, store.ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.a.Status != payment.StatusCompleted || rec.a.Applied {
		return false, nil
	}

	s.mu.RLock()
	st := s.students[rec.a.StudentID]
	s.mu.RUnlock()
	if st != nil {
		st.mu.Lock()
		next := st.s.Outstanding.Sub(rec.a.Amount)
		if next.IsNegative() {
			next = decimal.Zero
		}
		st.s.Outstanding = next
		st.mu.Unlock()
	}
	rec.a.Applied = true
	return true, nil
}

func (s *Store) Outstanding(_ context.Context, studentID string) (decimal.Decimal, error) {
	s.mu.RLock()
	st := s.students[studentID]
	s.mu.RUnlock()
	if st == nil {
		return decimal.Zero, store.ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Outstanding, nil
}

func (s *Store) RecordCallback(_ context.Context, raw []byte, attemptID *string) error {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	payload := make([]byte, len(raw))
	copy(payload, raw)
	s.callbacks = append(s.callbacks, CallbackRecord{
		Payload:    payload,
		AttemptID:  attemptID,
		ReceivedAt: time.Now(),
	})
	return nil
}

// CallbackRecords returns a copy of the audit log; test helper.
func (s *Store) CallbackRecords() []CallbackRecord {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	out := make([]CallbackRecord, len(s.callbacks))
	copy(out, s.callbacks)
	return out
}

func (s *Store) Student(_ context.Context, id string) (*payment.Student, error) {
	s.mu.RLock()
	st := s.students[id]
	s.mu.RUnlock()
	if st == nil {
		return nil, store.ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.s
	return &out, nil
}

func (rec *attemptRec) snapshot() *payment.Attempt {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	a := rec.a
	return &a
}

func (s *Store) collect(limit int, match func(payment.Attempt) bool) []*payment.Attempt {
	s.mu.RLock()
	recs := make([]*attemptRec, 0, len(s.byID))
	for _, rec := range s.byID {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	var out []*payment.Attempt
	for _, rec := range recs {
		a := rec.snapshot()
		if match(*a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
