package admission

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts an ACTIVE admission. A second ACTIVE admission for the
	// patient fails with ward.ErrPatientAlreadyAdmitted.
	Create(ctx context.Context, a *Admission) error
	GetByID(ctx context.Context, id uuid.UUID) (*Admission, error)
	GetActiveByPatient(ctx context.Context, patientID uuid.UUID) (*Admission, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Admission, int, error)
	// UpdateTotals rewrites the cached totals of an ACTIVE admission.
	UpdateTotals(ctx context.Context, id uuid.UUID, t Totals) error
	// MarkDischarged moves an ACTIVE admission to DISCHARGED in one
	// conditional write. It fails with ward.ErrAlreadyDischarged otherwise.
	MarkDischarged(ctx context.Context, id uuid.UUID, t Totals, stayDays int, at time.Time) (*Admission, error)
}
