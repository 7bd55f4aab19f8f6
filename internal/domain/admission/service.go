package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/ipd/internal/domain/bed"
	"github.com/ehr/ipd/internal/domain/ledger"
	"github.com/ehr/ipd/internal/domain/settlement"
	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/ehr/ipd/internal/platform/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BedReserver is the part of the bed registry admission needs.
type BedReserver interface {
	Reserve(ctx context.Context, bedID, admissionID uuid.UUID) (*bed.Bed, error)
}

// EntrySource supplies the ledger entries cached totals are computed from.
type EntrySource interface {
	ListCompleted(ctx context.Context, patientID uuid.UUID, since time.Time) ([]*ledger.Entry, error)
}

// TxRunner runs fn inside one store transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	repo    Repository
	beds    BedReserver
	entries EntrySource
	tx      TxRunner
	log     zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

func NewService(repo Repository, beds BedReserver, entries EntrySource, tx TxRunner, log zerolog.Logger, m *metrics.Collector) *Service {
	return &Service{
		repo:    repo,
		beds:    beds,
		entries: entries,
		tx:      tx,
		log:     log.With().Str("component", "admission").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// StayDays rounds the stay up to whole days with a minimum of one, so a
// same-day discharge still bills a day.
func StayDays(admittedAt, dischargedAt time.Time) int {
	const day = 24 * time.Hour
	elapsed := dischargedAt.Sub(admittedAt)
	if elapsed <= 0 {
		return 1
	}
	return int((elapsed + day - 1) / day)
}

// Admit reserves the bed and records the admission in one transaction. The
// reservation is rolled back if the insert fails.
func (s *Service) Admit(ctx context.Context, req AdmitRequest) (*Admission, error) {
	a, err := s.prepare(req)
	if err != nil {
		s.metrics.RecordAdmission("rejected")
		return nil, err
	}

	if existing, err := s.repo.GetActiveByPatient(ctx, a.PatientID); err == nil {
		s.metrics.RecordAdmission("already_admitted")
		s.log.Info().Str("patient_id", a.PatientID.String()).Str("admission_id", existing.ID.String()).
			Msg("patient already has an active admission")
		return nil, ward.ErrPatientAlreadyAdmitted
	} else if !errors.Is(err, ward.ErrNotFound) {
		return nil, fmt.Errorf("check active admission: %w", err)
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.beds.Reserve(ctx, req.BedID, a.ID)
		if err != nil {
			return err
		}
		if a.RoomCategory == "" {
			a.RoomCategory = b.RoomCategory
		} else if a.RoomCategory != b.RoomCategory {
			return ward.Invalid("room_category",
				fmt.Sprintf("bed %s is %s, not %s", b.Code, b.RoomCategory, a.RoomCategory))
		}
		if req.DailyRate == nil {
			a.DailyRate = b.DailyRate
		}
		return s.repo.Create(ctx, a)
	})
	if err != nil {
		s.metrics.RecordAdmission(admitOutcome(err))
		return nil, err
	}

	s.metrics.RecordAdmission("admitted")
	s.log.Info().
		Str("admission_id", a.ID.String()).
		Str("patient_id", a.PatientID.String()).
		Str("bed_id", a.BedID.String()).
		Str("room_category", string(a.RoomCategory)).
		Msg("patient admitted")
	return a, nil
}

func (s *Service) prepare(req AdmitRequest) (*Admission, error) {
	if req.PatientID == uuid.Nil {
		return nil, ward.Required("patient_id")
	}
	if req.BedID == uuid.Nil {
		return nil, ward.Required("bed_id")
	}
	dept := strings.TrimSpace(req.Department)
	if dept == "" {
		return nil, ward.Required("department")
	}

	a := &Admission{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		BedID:           req.BedID,
		Department:      dept,
		AttendingDoctor: req.AttendingDoctor,
		Status:          StatusActive,
		AdmittedAt:      s.now().UTC(),
	}
	if req.RoomCategory != "" {
		cat, err := ward.ParseRoomCategory(string(req.RoomCategory))
		if err != nil {
			return nil, err
		}
		a.RoomCategory = cat
	}
	if req.DailyRate != nil {
		if err := ward.NonNegative("daily_rate", *req.DailyRate); err != nil {
			return nil, err
		}
		a.DailyRate = ward.Round(*req.DailyRate)
	}
	if req.AdmittedAt != nil {
		if req.AdmittedAt.After(s.now()) {
			return nil, ward.Invalid("admitted_at", "must not be in the future")
		}
		a.AdmittedAt = req.AdmittedAt.UTC()
	}
	return a, nil
}

func admitOutcome(err error) string {
	switch {
	case errors.Is(err, ward.ErrBedUnavailable):
		return "bed_unavailable"
	case errors.Is(err, ward.ErrPatientAlreadyAdmitted):
		return "already_admitted"
	case ward.IsValidation(err):
		return "rejected"
	}
	return "error"
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return s.repo.GetByID(ctx, id)
}

// ActiveForPatient returns ward.ErrNotFound when the patient is not admitted.
func (s *Service) ActiveForPatient(ctx context.Context, patientID uuid.UUID) (*Admission, error) {
	return s.repo.GetActiveByPatient(ctx, patientID)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Admission, int, error) {
	if f.Status != "" && f.Status != StatusActive && f.Status != StatusDischarged {
		return nil, 0, ward.Invalid("status", "must be ACTIVE or DISCHARGED")
	}
	return s.repo.List(ctx, f, limit, offset)
}

// Discharge is the single ACTIVE to DISCHARGED transition. A repeated call
// fails with ward.ErrAlreadyDischarged.
func (s *Service) Discharge(ctx context.Context, id uuid.UUID, t Totals, dischargedAt time.Time) (*Admission, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.IsActive() {
		return nil, ward.ErrAlreadyDischarged
	}
	if dischargedAt.Before(a.AdmittedAt) {
		return nil, ward.Invalid("discharged_at", "must not be before admission")
	}

	stay := StayDays(a.AdmittedAt, dischargedAt)
	out, err := s.repo.MarkDischarged(ctx, id, t, stay, dischargedAt.UTC())
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("admission_id", id.String()).
		Int("stay_days", stay).
		Str("balance", t.BalanceAmount.String()).
		Msg("admission discharged")
	return out, nil
}

// RefreshTotals recomputes the cached totals of the patient's active
// admission from the ledger. A patient with no active admission is a no-op.
func (s *Service) RefreshTotals(ctx context.Context, patientID uuid.UUID) error {
	a, err := s.repo.GetActiveByPatient(ctx, patientID)
	if errors.Is(err, ward.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	entries, err := s.entries.ListCompleted(ctx, patientID, a.AdmittedAt)
	if err != nil {
		return fmt.Errorf("load ledger entries: %w", err)
	}
	r := settlement.Calculate(settlement.Input{Entries: entries, Since: a.AdmittedAt})
	return s.repo.UpdateTotals(ctx, a.ID, Totals{
		TotalAmount:   r.ExistingCharges,
		AmountPaid:    r.PriorPayments,
		BalanceAmount: r.Balance,
	})
}
