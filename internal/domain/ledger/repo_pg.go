package ledger

import (
	"context"
	"fmt"
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

const entryCols = `id, patient_id, admission_id, category, amount, payment_mode, status,
	description, reference, idempotency_key, created_at, updated_at`

func (r *repoPG) Append(ctx context.Context, e *Entry) (*Entry, bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	stored, err := scanEntry(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ledger_entry (id, patient_id, admission_id, category, amount, payment_mode,
			status, description, reference, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+entryCols,
		e.ID, e.PatientID, e.AdmissionID, e.Category, e.Amount, e.PaymentMode,
		e.Status, e.Description, e.Reference, e.IdempotencyKey,
	))
	if err == nil {
		return stored, true, nil
	}
	if !db.IsNoRows(err) {
		return nil, false, classify(err, e)
	}

	// The key was already used; return what was written the first time.
	existing, err := scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM ledger_entry WHERE idempotency_key = $1`, e.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("read entry for idempotency key: %w", err)
	}
	return existing, false, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM ledger_entry WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, ward.ErrNotFound
	}
	return e, err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_entry WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM ledger_entry WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	entries, err := collect(rows)
	return entries, total, err
}

func (r *repoPG) ListCompleted(ctx context.Context, patientID uuid.UUID, since time.Time) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM ledger_entry
		WHERE patient_id = $1 AND status = 'COMPLETED' AND created_at >= $2
		ORDER BY created_at, id`, patientID, since)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `
		UPDATE ledger_entry SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+entryCols, id, status))
	if db.IsNoRows(err) {
		return nil, ward.ErrNotFound
	}
	if err != nil {
		return nil, classify(err, &Entry{Status: status})
	}
	return e, nil
}

// classify turns CHECK rejections into ConstraintError so the caller sees the
// offending value and the accepted set. A dangling admission id is a
// validation error.
func classify(err error, e *Entry) error {
	if _, ok := db.ForeignKeyViolation(err); ok {
		return ward.Invalid("admission_id", "does not reference an admission")
	}
	constraint, ok := db.CheckViolation(err)
	if !ok {
		return err
	}
	ce := &ward.ConstraintError{Constraint: constraint}
	switch constraint {
	case "ledger_entry_category_check":
		ce.Field, ce.Value = "category", string(e.Category)
		ce.Accepted = categoryValues()
	case "ledger_entry_payment_mode_check":
		ce.Field = "payment_mode"
		if e.PaymentMode != nil {
			ce.Value = string(*e.PaymentMode)
		}
		ce.Accepted = []string{"CASH", "CARD", "UPI", "BANK_TRANSFER", "CHEQUE", "INSURANCE"}
	case "ledger_entry_status_check":
		ce.Field, ce.Value = "status", string(e.Status)
		ce.Accepted = []string{"PENDING", "COMPLETED", "CANCELLED"}
	default:
		return err
	}
	return ce
}

func categoryValues() []string {
	return []string{
		"CONSULTATION", "NURSING", "MEDICINE", "DIAGNOSTIC", "PROCEDURE", "ACCOMMODATION", "OTHER",
		"IPD_PAYMENT", "IPD_ADVANCE", "REFUND",
	}
}

func collect(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.PatientID, &e.AdmissionID, &e.Category, &e.Amount, &e.PaymentMode, &e.Status,
		&e.Description, &e.Reference, &e.IdempotencyKey, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
