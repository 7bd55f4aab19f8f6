package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Category classifies a ledger entry as a charge or a payment.
type Category string

const (
	CategoryConsultation  Category = "CONSULTATION"
	CategoryNursing       Category = "NURSING"
	CategoryMedicine      Category = "MEDICINE"
	CategoryDiagnostic    Category = "DIAGNOSTIC"
	CategoryProcedure     Category = "PROCEDURE"
	CategoryAccommodation Category = "ACCOMMODATION"
	CategoryOther         Category = "OTHER"

	CategoryIPDPayment Category = "IPD_PAYMENT"
	CategoryIPDAdvance Category = "IPD_ADVANCE"
	CategoryRefund     Category = "REFUND"
)

var chargeCategories = map[Category]bool{
	CategoryConsultation:  true,
	CategoryNursing:       true,
	CategoryMedicine:      true,
	CategoryDiagnostic:    true,
	CategoryProcedure:     true,
	CategoryAccommodation: true,
	CategoryOther:         true,
}

var paymentCategories = map[Category]bool{
	CategoryIPDPayment: true,
	CategoryIPDAdvance: true,
	CategoryRefund:     true,
}

func ParseCategory(s string) Category {
	return Category(strings.ToUpper(strings.TrimSpace(s)))
}

func (c Category) IsCharge() bool  { return chargeCategories[c] }
func (c Category) IsPayment() bool { return paymentCategories[c] }
func (c Category) Valid() bool     { return c.IsCharge() || c.IsPayment() }

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusCompleted || s == StatusCancelled
}

// CanBecome reports whether a status correction from s to next is allowed.
// CANCELLED is terminal.
func (s Status) CanBecome(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusCompleted || next == StatusCancelled
	case StatusCompleted:
		return next == StatusCancelled
	}
	return false
}

type PaymentMode string

const (
	PaymentCash         PaymentMode = "CASH"
	PaymentCard         PaymentMode = "CARD"
	PaymentUPI          PaymentMode = "UPI"
	PaymentBankTransfer PaymentMode = "BANK_TRANSFER"
	PaymentCheque       PaymentMode = "CHEQUE"
	PaymentInsurance    PaymentMode = "INSURANCE"
)

func ParsePaymentMode(s string) PaymentMode {
	return PaymentMode(strings.ToUpper(strings.TrimSpace(s)))
}

func (m PaymentMode) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentUPI, PaymentBankTransfer, PaymentCheque, PaymentInsurance:
		return true
	}
	return false
}

// Entry maps to the ledger_entry table. Charges are positive, REFUND entries
// negative. Rows are never updated except for Status.
type Entry struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	PatientID      uuid.UUID       `db:"patient_id" json:"patient_id"`
	AdmissionID    *uuid.UUID      `db:"admission_id" json:"admission_id,omitempty"`
	Category       Category        `db:"category" json:"category"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	PaymentMode    *PaymentMode    `db:"payment_mode" json:"payment_mode,omitempty"`
	Status         Status          `db:"status" json:"status"`
	Description    *string         `db:"description" json:"description,omitempty"`
	Reference      *string         `db:"reference" json:"reference,omitempty"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// HasKeyPrefix reports whether the entry was written under an idempotency key
// starting with prefix.
func (e *Entry) HasKeyPrefix(prefix string) bool {
	return e.IdempotencyKey != nil && strings.HasPrefix(*e.IdempotencyKey, prefix)
}

// Equivalent reports whether two entries describe the same money movement.
// Used to reject an idempotency key replayed with different content.
func (e *Entry) Equivalent(o *Entry) bool {
	if e.PatientID != o.PatientID || e.Category != o.Category || !e.Amount.Equal(o.Amount) {
		return false
	}
	if (e.AdmissionID == nil) != (o.AdmissionID == nil) {
		return false
	}
	return e.AdmissionID == nil || *e.AdmissionID == *o.AdmissionID
}
