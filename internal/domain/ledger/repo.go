package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Append inserts the entry. When an entry with the same idempotency key
	// already exists nothing is written and the stored entry is returned with
	// created=false.
	Append(ctx context.Context, e *Entry) (stored *Entry, created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Entry, int, error)
	// ListCompleted returns COMPLETED entries for the patient created at or
	// after since, oldest first.
	ListCompleted(ctx context.Context, patientID uuid.UUID, since time.Time) ([]*Entry, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Entry, error)
}
