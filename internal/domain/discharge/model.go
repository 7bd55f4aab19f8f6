package discharge

import (
	"time"

	"github.com/ehr/ipd/internal/domain/admission"
	"github.com/ehr/ipd/internal/domain/bed"
	"github.com/ehr/ipd/internal/domain/ledger"
	"github.com/ehr/ipd/internal/domain/settlement"
	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Request is what the ward and billing desks submit to discharge a patient.
type Request struct {
	AdmissionID uuid.UUID `json:"-"`

	Diagnosis            string `json:"diagnosis"`
	Consultant           string `json:"consultant"`
	TreatmentSummary     string `json:"treatment_summary"`
	ConditionAtDischarge string `json:"condition_at_discharge"`
	Medications          string `json:"medications"`
	FollowUp             string `json:"follow_up"`
	Instructions         string `json:"instructions"`

	AttendantName       string `json:"attendant_name"`
	AttendantRelation   string `json:"attendant_relation"`
	AttendantPhone      string `json:"attendant_phone"`
	DocumentsHandedOver bool   `json:"documents_handed_over"`
	ConsentGiven        bool   `json:"consent_given"`

	Charges          settlement.ManualCharges `json:"charges"`
	ChargeBed        bool                     `json:"charge_bed"`
	Discount         decimal.Decimal          `json:"discount"`
	InsuranceCovered decimal.Decimal          `json:"insurance_covered"`
	FinalPayment     decimal.Decimal          `json:"final_payment"`
	PaymentMode      *ledger.PaymentMode      `json:"payment_mode"`

	// AttemptToken is an optional client-generated token recorded on the
	// summary for tracing retried submissions.
	AttemptToken string `json:"attempt_token"`
}

// Summary maps to discharge_summary.
type Summary struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	AdmissionID          uuid.UUID `db:"admission_id" json:"admission_id"`
	PatientID            uuid.UUID `db:"patient_id" json:"patient_id"`
	Diagnosis            string    `db:"diagnosis" json:"diagnosis"`
	Consultant           string    `db:"consultant" json:"consultant"`
	TreatmentSummary     *string   `db:"treatment_summary" json:"treatment_summary,omitempty"`
	ConditionAtDischarge *string   `db:"condition_at_discharge" json:"condition_at_discharge,omitempty"`
	Medications          *string   `db:"medications" json:"medications,omitempty"`
	FollowUp             *string   `db:"follow_up" json:"follow_up,omitempty"`
	Instructions         *string   `db:"instructions" json:"instructions,omitempty"`
	AttendantName        string    `db:"attendant_name" json:"attendant_name"`
	AttendantRelation    *string   `db:"attendant_relation" json:"attendant_relation,omitempty"`
	AttendantPhone       *string   `db:"attendant_phone" json:"attendant_phone,omitempty"`
	DocumentsHandedOver  bool      `db:"documents_handed_over" json:"documents_handed_over"`
	ConsentGiven         bool      `db:"consent_given" json:"consent_given"`
	AttemptToken         *string   `db:"attempt_token" json:"attempt_token,omitempty"`
	DischargedAt         time.Time `db:"discharged_at" json:"discharged_at"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// Bill maps to discharge_bill. It is written once and never updated.
type Bill struct {
	ID                uuid.UUID           `db:"id" json:"id"`
	SummaryID         uuid.UUID           `db:"summary_id" json:"summary_id"`
	AdmissionID       uuid.UUID           `db:"admission_id" json:"admission_id"`
	PatientID         uuid.UUID           `db:"patient_id" json:"patient_id"`
	RoomCategory      ward.RoomCategory   `db:"room_category" json:"room_category"`
	DailyRate         decimal.Decimal     `db:"daily_rate" json:"daily_rate"`
	StayDays          int                 `db:"stay_days" json:"stay_days"`
	ExistingCharges   decimal.Decimal     `db:"existing_charges" json:"existing_charges"`
	DoctorFee         decimal.Decimal     `db:"doctor_fee" json:"doctor_fee"`
	NursingCharge     decimal.Decimal     `db:"nursing_charge" json:"nursing_charge"`
	MedicineCharge    decimal.Decimal     `db:"medicine_charge" json:"medicine_charge"`
	DiagnosticCharge  decimal.Decimal     `db:"diagnostic_charge" json:"diagnostic_charge"`
	OperationCharge   decimal.Decimal     `db:"operation_charge" json:"operation_charge"`
	OtherCharge       decimal.Decimal     `db:"other_charge" json:"other_charge"`
	BedCharge         decimal.Decimal     `db:"bed_charge" json:"bed_charge"`
	AdditionalCharges decimal.Decimal     `db:"additional_charges" json:"additional_charges"`
	TotalCharges      decimal.Decimal     `db:"total_charges" json:"total_charges"`
	Discount          decimal.Decimal     `db:"discount" json:"discount"`
	InsuranceCovered  decimal.Decimal     `db:"insurance_covered" json:"insurance_covered"`
	NetAmount         decimal.Decimal     `db:"net_amount" json:"net_amount"`
	PriorPayments     decimal.Decimal     `db:"prior_payments" json:"prior_payments"`
	FinalPayment      decimal.Decimal     `db:"final_payment" json:"final_payment"`
	TotalPaid         decimal.Decimal     `db:"total_paid" json:"total_paid"`
	Balance           decimal.Decimal     `db:"balance" json:"balance"`
	PaymentMode       *ledger.PaymentMode `db:"payment_mode" json:"payment_mode,omitempty"`
	DischargedAt      time.Time           `db:"discharged_at" json:"discharged_at"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
}

// Due is the amount the patient still owes.
func (b *Bill) Due() decimal.Decimal {
	if b.Balance.IsPositive() {
		return b.Balance
	}
	return decimal.Zero
}

// Excess is the amount owed back to the patient.
func (b *Bill) Excess() decimal.Decimal {
	if b.Balance.IsNegative() {
		return b.Balance.Neg()
	}
	return decimal.Zero
}

// Totals are the cached admission totals frozen by the bill.
func (b *Bill) Totals() admission.Totals {
	return admission.Totals{
		TotalAmount:   b.TotalCharges,
		AmountPaid:    b.TotalPaid,
		BalanceAmount: b.Balance,
	}
}

// Result is returned only once the admission is DISCHARGED and its bed
// released.
type Result struct {
	Admission         *admission.Admission `json:"admission"`
	Summary           *Summary             `json:"summary"`
	Bill              *Bill                `json:"bill"`
	Bed               *bed.Bed             `json:"bed,omitempty"`
	AlreadyDischarged bool                 `json:"already_discharged"`
	Resumed           bool                 `json:"resumed"`
}
