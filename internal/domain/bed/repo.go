package bed

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, b *Bed) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bed, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Bed, int, error)

	// Reserve moves the bed from AVAILABLE to OCCUPIED in a single conditional
	// write. It returns ward.ErrBedUnavailable when the bed is not AVAILABLE and
	// ward.ErrNotFound when it does not exist.
	Reserve(ctx context.Context, id, admissionID uuid.UUID) (*Bed, error)

	// Release moves the bed to AVAILABLE. When heldBy is not uuid.Nil the bed
	// is only released if that admission still holds it. Releasing a bed that
	// is already AVAILABLE, or held by someone else, succeeds without change.
	Release(ctx context.Context, id, heldBy uuid.UUID) (*Bed, error)
}
