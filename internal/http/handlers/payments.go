package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"schoolpay/internal/domain/payment"
	"schoolpay/internal/gateway"
	"schoolpay/internal/payments"
	"schoolpay/internal/store"
)

type initiateReq struct {
	StudentID   string      `json:"studentId"`
	Amount      json.Number `json:"amount"`
	PhoneNumber string      `json:"phoneNumber"`
	Description string      `json:"description"`
}

type initiateResp struct {
	PaymentID     string `json:"paymentId"`
	CorrelationID string `json:"correlationId"`
	Message       string `json:"message,omitempty"`
}

func InitiatePayment(svc *payments.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in initiateReq
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&in); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if in.StudentID == "" || in.Amount == "" {
			http.Error(w, "missing studentId/amount", http.StatusBadRequest)
			return
		}
		amount, err := decimal.NewFromString(in.Amount.String())
		if err != nil {
			http.Error(w, "bad amount", http.StatusBadRequest)
			return
		}

		// Bounded context covering the outbound provider call.
		ctx, cancel := context.WithTimeout(r.Context(), 35*time.Second)
		defer cancel()

		att, err := svc.Initiate(ctx, in.StudentID, amount, in.PhoneNumber, in.Description)
		if err != nil {
			writeInitiateError(w, err, in.StudentID)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(initiateResp{
			PaymentID:     att.ID,
			CorrelationID: att.CorrelationID,
		})
	}
}

func writeInitiateError(w http.ResponseWriter, err error, studentID string) {
	var ve *gateway.ValidationError
	var ge *gateway.Error
	switch {
	case errors.As(err, &ve):
		http.Error(w, ve.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "student not found", http.StatusNotFound)
	case errors.As(err, &ge):
		log.Error().Err(err).Str("student_id", studentID).Msg("initiation failed at gateway")
		http.Error(w, "payment initiation failed: "+ge.Message, http.StatusBadGateway)
	default:
		log.Error().Err(err).Str("student_id", studentID).Msg("initiation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type attemptView struct {
	PaymentID     string     `json:"paymentId"`
	StudentID     string     `json:"studentId"`
	Amount        string     `json:"amount"`
	Status        string     `json:"status"`
	Receipt       string     `json:"receipt,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

func viewOf(a *payment.Attempt) attemptView {
	return attemptView{
		PaymentID:     a.ID,
		StudentID:     a.StudentID,
		Amount:        a.Amount.String(),
		Status:        string(a.Status),
		Receipt:       a.ReceiptCode,
		FailureReason: a.FailureReason,
		CreatedAt:     a.CreatedAt,
		ResolvedAt:    a.ResolvedAt,
	}
}

// GetPayment is the student-facing status endpoint. Unknown attempts
// are an operator concern and are reported as still awaiting
// confirmation here.
func GetPayment(svc *payments.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		att, err := svc.Attempt(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "payment not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}

		view := viewOf(att)
		if att.Status == payment.StatusUnknown {
			view.Status = string(payment.StatusPending)
			view.ResolvedAt = nil
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	}
}

func GetStudentBalance(svc *payments.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		outstanding, err := svc.Outstanding(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "student not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"studentId":   id,
			"outstanding": outstanding.String(),
		})
	}
}
