package discharge

import (
	"context"
	"fmt"

	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/ehr/ipd/internal/platform/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const summaryCols = `id, admission_id, patient_id, diagnosis, consultant, treatment_summary,
	condition_at_discharge, medications, follow_up, instructions, attendant_name,
	attendant_relation, attendant_phone, documents_handed_over, consent_given,
	attempt_token, discharged_at, created_at`

const billCols = `id, summary_id, admission_id, patient_id, room_category, daily_rate, stay_days,
	existing_charges, doctor_fee, nursing_charge, medicine_charge, diagnostic_charge,
	operation_charge, other_charge, bed_charge, additional_charges, total_charges, discount,
	insurance_covered, net_amount, prior_payments, final_payment, total_paid, balance,
	payment_mode, discharged_at, created_at`

func (r *repoPG) CreateSummary(ctx context.Context, s *Summary) (*Summary, bool, error) {
	stored, err := scanSummary(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO discharge_summary (id, admission_id, patient_id, diagnosis, consultant,
			treatment_summary, condition_at_discharge, medications, follow_up, instructions,
			attendant_name, attendant_relation, attendant_phone, documents_handed_over,
			consent_given, attempt_token, discharged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (admission_id) DO NOTHING
		RETURNING `+summaryCols,
		s.ID, s.AdmissionID, s.PatientID, s.Diagnosis, s.Consultant,
		s.TreatmentSummary, s.ConditionAtDischarge, s.Medications, s.FollowUp, s.Instructions,
		s.AttendantName, s.AttendantRelation, s.AttendantPhone, s.DocumentsHandedOver,
		s.ConsentGiven, s.AttemptToken, s.DischargedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !db.IsNoRows(err) {
		return nil, false, err
	}
	existing, err := r.GetSummaryByAdmission(ctx, s.AdmissionID)
	if err != nil {
		return nil, false, fmt.Errorf("read existing summary: %w", err)
	}
	return existing, false, nil
}

func (r *repoPG) GetSummaryByAdmission(ctx context.Context, admissionID uuid.UUID) (*Summary, error) {
	s, err := scanSummary(r.conn(ctx).QueryRow(ctx,
		`SELECT `+summaryCols+` FROM discharge_summary WHERE admission_id = $1`, admissionID))
	if db.IsNoRows(err) {
		return nil, ward.ErrNotFound
	}
	return s, err
}

func (r *repoPG) CreateBill(ctx context.Context, b *Bill) (*Bill, bool, error) {
	stored, err := scanBill(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO discharge_bill (id, summary_id, admission_id, patient_id, room_category,
			daily_rate, stay_days, existing_charges, doctor_fee, nursing_charge, medicine_charge,
			diagnostic_charge, operation_charge, other_charge, bed_charge, additional_charges,
			total_charges, discount, insurance_covered, net_amount, prior_payments, final_payment,
			total_paid, balance, payment_mode, discharged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26)
		ON CONFLICT DO NOTHING
		RETURNING `+billCols,
		b.ID, b.SummaryID, b.AdmissionID, b.PatientID, b.RoomCategory,
		b.DailyRate, b.StayDays, b.ExistingCharges, b.DoctorFee, b.NursingCharge, b.MedicineCharge,
		b.DiagnosticCharge, b.OperationCharge, b.OtherCharge, b.BedCharge, b.AdditionalCharges,
		b.TotalCharges, b.Discount, b.InsuranceCovered, b.NetAmount, b.PriorPayments, b.FinalPayment,
		b.TotalPaid, b.Balance, b.PaymentMode, b.DischargedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if constraint, ok := db.CheckViolation(err); ok && constraint == "discharge_bill_room_category_check" {
		return nil, false, &ward.ConstraintError{
			Constraint: constraint,
			Field:      "room_category",
			Value:      string(b.RoomCategory),
			Accepted:   ward.RoomCategoryValues(),
		}
	}
	if !db.IsNoRows(err) {
		return nil, false, err
	}
	existing, err := r.GetBillByAdmission(ctx, b.AdmissionID)
	if err != nil {
		return nil, false, fmt.Errorf("read existing bill: %w", err)
	}
	return existing, false, nil
}

func (r *repoPG) GetBillByAdmission(ctx context.Context, admissionID uuid.UUID) (*Bill, error) {
	b, err := scanBill(r.conn(ctx).QueryRow(ctx,
		`SELECT `+billCols+` FROM discharge_bill WHERE admission_id = $1`, admissionID))
	if db.IsNoRows(err) {
		return nil, ward.ErrNotFound
	}
	return b, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSummary(row rowScanner) (*Summary, error) {
	var s Summary
	err := row.Scan(&s.ID, &s.AdmissionID, &s.PatientID, &s.Diagnosis, &s.Consultant, &s.TreatmentSummary,
		&s.ConditionAtDischarge, &s.Medications, &s.FollowUp, &s.Instructions, &s.AttendantName,
		&s.AttendantRelation, &s.AttendantPhone, &s.DocumentsHandedOver, &s.ConsentGiven,
		&s.AttemptToken, &s.DischargedAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanBill(row rowScanner) (*Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.SummaryID, &b.AdmissionID, &b.PatientID, &b.RoomCategory, &b.DailyRate,
		&b.StayDays, &b.ExistingCharges, &b.DoctorFee, &b.NursingCharge, &b.MedicineCharge,
		&b.DiagnosticCharge, &b.OperationCharge, &b.OtherCharge, &b.BedCharge, &b.AdditionalCharges,
		&b.TotalCharges, &b.Discount, &b.InsuranceCovered, &b.NetAmount, &b.PriorPayments,
		&b.FinalPayment, &b.TotalPaid, &b.Balance, &b.PaymentMode, &b.DischargedAt, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
