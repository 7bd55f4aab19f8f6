package admission

import (
	"time"

	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusDischarged Status = "DISCHARGED"
)

// Admission maps to the admission table. TotalAmount, AmountPaid and
// BalanceAmount cache ledger aggregates and are only written from a
// settlement computation.
type Admission struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	PatientID       uuid.UUID         `db:"patient_id" json:"patient_id"`
	BedID           uuid.UUID         `db:"bed_id" json:"bed_id"`
	RoomCategory    ward.RoomCategory `db:"room_category" json:"room_category"`
	Department      string            `db:"department" json:"department"`
	AttendingDoctor *string           `db:"attending_doctor" json:"attending_doctor,omitempty"`
	DailyRate       decimal.Decimal   `db:"daily_rate" json:"daily_rate"`
	AdmittedAt      time.Time         `db:"admitted_at" json:"admitted_at"`
	Status          Status            `db:"status" json:"status"`
	TotalAmount     decimal.Decimal   `db:"total_amount" json:"total_amount"`
	AmountPaid      decimal.Decimal   `db:"amount_paid" json:"amount_paid"`
	BalanceAmount   decimal.Decimal   `db:"balance_amount" json:"balance_amount"`
	StayDays        *int              `db:"stay_days" json:"stay_days,omitempty"`
	DischargedAt    *time.Time        `db:"discharged_at" json:"discharged_at,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
}

func (a *Admission) IsActive() bool { return a.Status == StatusActive }

// AdmitRequest carries what the ward desk supplies on admission. RoomCategory
// and DailyRate default to the bed's own values when omitted.
type AdmitRequest struct {
	PatientID       uuid.UUID         `json:"patient_id"`
	BedID           uuid.UUID         `json:"bed_id"`
	RoomCategory    ward.RoomCategory `json:"room_category"`
	DailyRate       *decimal.Decimal  `json:"daily_rate"`
	Department      string            `json:"department"`
	AttendingDoctor *string           `json:"attending_doctor"`
	AdmittedAt      *time.Time        `json:"admitted_at"`
}

// Totals is the cached aggregate written to the admission row.
type Totals struct {
	TotalAmount   decimal.Decimal
	AmountPaid    decimal.Decimal
	BalanceAmount decimal.Decimal
}

type Filter struct {
	PatientID uuid.UUID
	Status    Status
}
