package bed

import (
	"context"
	"errors"
	"strings"

	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/ehr/ipd/internal/platform/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Registry tracks bed occupancy. The store is the only source of truth; the
// registry never caches bed status between calls.
type Registry struct {
	repo    Repository
	log     zerolog.Logger
	metrics *metrics.Collector
}

func NewRegistry(repo Repository, log zerolog.Logger, m *metrics.Collector) *Registry {
	return &Registry{repo: repo, log: log.With().Str("component", "bed_registry").Logger(), metrics: m}
}

func (r *Registry) Register(ctx context.Context, b *Bed) error {
	b.Code = strings.TrimSpace(b.Code)
	if b.Code == "" {
		return ward.Required("code")
	}
	if !b.RoomCategory.Valid() {
		if b.RoomCategory == "" {
			return ward.Required("room_category")
		}
		parsed, err := ward.ParseRoomCategory(string(b.RoomCategory))
		if err != nil {
			return err
		}
		b.RoomCategory = parsed
	}
	if err := ward.NonNegative("daily_rate", b.DailyRate); err != nil {
		return err
	}
	b.DailyRate = ward.Round(b.DailyRate)
	b.Status = StatusAvailable
	b.AdmissionID = nil
	return r.repo.Create(ctx, b)
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return r.repo.GetByID(ctx, id)
}

func (r *Registry) List(ctx context.Context, f Filter, limit, offset int) ([]*Bed, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, ward.Invalid("status", "must be AVAILABLE or OCCUPIED")
	}
	return r.repo.List(ctx, f, limit, offset)
}

// Reserve claims an AVAILABLE bed for an admission. Concurrent callers racing
// for the same bed are arbitrated by the store; exactly one wins.
func (r *Registry) Reserve(ctx context.Context, bedID, admissionID uuid.UUID) (*Bed, error) {
	if bedID == uuid.Nil {
		return nil, ward.Required("bed_id")
	}
	if admissionID == uuid.Nil {
		return nil, ward.Required("admission_id")
	}

	b, err := r.repo.Reserve(ctx, bedID, admissionID)
	switch {
	case errors.Is(err, ward.ErrBedUnavailable):
		r.metrics.RecordBedReservation("unknown", "unavailable")
		r.log.Info().Str("bed_id", bedID.String()).Str("admission_id", admissionID.String()).Msg("bed reservation refused")
		return nil, err
	case err != nil:
		return nil, err
	}
	r.metrics.RecordBedReservation(string(b.RoomCategory), "reserved")
	r.log.Info().Str("bed_id", bedID.String()).Str("admission_id", admissionID.String()).Msg("bed reserved")
	return b, nil
}

// Release frees a bed regardless of who holds it. An AVAILABLE bed is a
// no-op success.
func (r *Registry) Release(ctx context.Context, bedID uuid.UUID) (*Bed, error) {
	return r.release(ctx, bedID, uuid.Nil)
}

// ReleaseHeldBy frees the bed only while admissionID still occupies it, so a
// late retry of an old discharge cannot evict the next patient.
func (r *Registry) ReleaseHeldBy(ctx context.Context, bedID, admissionID uuid.UUID) (*Bed, error) {
	return r.release(ctx, bedID, admissionID)
}

func (r *Registry) release(ctx context.Context, bedID, heldBy uuid.UUID) (*Bed, error) {
	if bedID == uuid.Nil {
		return nil, ward.Required("bed_id")
	}
	b, err := r.repo.Release(ctx, bedID, heldBy)
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("bed_id", bedID.String()).Str("status", string(b.Status)).Msg("bed released")
	return b, nil
}
