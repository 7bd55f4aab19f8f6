package admission

import (
	"context"
	"errors"
	"time"

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

const admissionCols = `id, patient_id, bed_id, room_category, department, attending_doctor, daily_rate,
	admitted_at, status, total_amount, amount_paid, balance_amount, stay_days, discharged_at,
	created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, a *Admission) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO admission (id, patient_id, bed_id, room_category, department, attending_doctor,
			daily_rate, admitted_at, status, total_amount, amount_paid, balance_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.BedID, a.RoomCategory, a.Department, a.AttendingDoctor,
		a.DailyRate, a.AdmittedAt, a.Status, a.TotalAmount, a.AmountPaid, a.BalanceAmount,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	return classify(err, a)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return scanAdmission(r.conn(ctx).QueryRow(ctx, `SELECT `+admissionCols+` FROM admission WHERE id = $1`, id))
}

func (r *repoPG) GetActiveByPatient(ctx context.Context, patientID uuid.UUID) (*Admission, error) {
	return scanAdmission(r.conn(ctx).QueryRow(ctx,
		`SELECT `+admissionCols+` FROM admission WHERE patient_id = $1 AND status = 'ACTIVE'`, patientID))
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Admission, int, error) {
	where := ` WHERE ($1::uuid IS NULL OR patient_id = $1) AND ($2 = '' OR status = $2)`
	var patient *uuid.UUID
	if f.PatientID != uuid.Nil {
		patient = &f.PatientID
	}
	args := []interface{}{patient, string(f.Status)}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM admission`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+admissionCols+` FROM admission`+where+` ORDER BY admitted_at DESC LIMIT $3 OFFSET $4`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Admission
	for rows.Next() {
		a, err := scanAdmission(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *repoPG) UpdateTotals(ctx context.Context, id uuid.UUID, t Totals) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE admission SET total_amount = $2, amount_paid = $3, balance_amount = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'ACTIVE'`,
		id, t.TotalAmount, t.AmountPaid, t.BalanceAmount)
	return err
}

func (r *repoPG) MarkDischarged(ctx context.Context, id uuid.UUID, t Totals, stayDays int, at time.Time) (*Admission, error) {
	a, err := scanAdmission(r.conn(ctx).QueryRow(ctx, `
		UPDATE admission SET status = 'DISCHARGED', total_amount = $2, amount_paid = $3,
			balance_amount = $4, stay_days = $5, discharged_at = $6, updated_at = NOW()
		WHERE id = $1 AND status = 'ACTIVE'
		RETURNING `+admissionCols,
		id, t.TotalAmount, t.AmountPaid, t.BalanceAmount, stayDays, at))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ward.ErrNotFound) {
		return nil, err
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, ward.ErrAlreadyDischarged
}

func classify(err error, a *Admission) error {
	if err == nil {
		return nil
	}
	if constraint, ok := db.UniqueViolation(err); ok {
		switch constraint {
		case "admission_one_active_per_patient":
			return ward.ErrPatientAlreadyAdmitted
		case "admission_one_active_per_bed":
			return ward.ErrBedUnavailable
		}
		return err
	}
	if constraint, ok := db.CheckViolation(err); ok && constraint == "admission_room_category_check" {
		return &ward.ConstraintError{
			Constraint: constraint,
			Field:      "room_category",
			Value:      string(a.RoomCategory),
			Accepted:   ward.RoomCategoryValues(),
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAdmission(row rowScanner) (*Admission, error) {
	var a Admission
	err := row.Scan(&a.ID, &a.PatientID, &a.BedID, &a.RoomCategory, &a.Department, &a.AttendingDoctor,
		&a.DailyRate, &a.AdmittedAt, &a.Status, &a.TotalAmount, &a.AmountPaid, &a.BalanceAmount,
		&a.StayDays, &a.DischargedAt, &a.CreatedAt, &a.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ward.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
