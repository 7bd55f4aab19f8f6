package discharge

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// CreateSummary inserts s unless a summary already exists for the
	// admission, in which case the stored one is returned with created=false.
	CreateSummary(ctx context.Context, s *Summary) (stored *Summary, created bool, err error)
	GetSummaryByAdmission(ctx context.Context, admissionID uuid.UUID) (*Summary, error)
	// CreateBill behaves like CreateSummary, keyed on the summary.
	CreateBill(ctx context.Context, b *Bill) (stored *Bill, created bool, err error)
	GetBillByAdmission(ctx context.Context, admissionID uuid.UUID) (*Bill, error)
}
