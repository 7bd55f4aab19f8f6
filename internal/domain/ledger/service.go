package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/ehr/ipd/internal/platform/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TotalsRefresher recomputes an admission's cached totals after the ledger
// changes.
type TotalsRefresher interface {
	RefreshTotals(ctx context.Context, patientID uuid.UUID) error
}

type Service struct {
	repo      Repository
	log       zerolog.Logger
	metrics   *metrics.Collector
	refresher TotalsRefresher
}

func NewService(repo Repository, log zerolog.Logger, m *metrics.Collector) *Service {
	return &Service{repo: repo, log: log.With().Str("component", "ledger").Logger(), metrics: m}
}

// SetTotalsRefresher wires the admission cache after construction; the
// admission service itself reads from the ledger.
func (s *Service) SetTotalsRefresher(r TotalsRefresher) {
	s.refresher = r
}

// Append validates and writes e. Charges must be positive. Payments and
// advances must be positive and carry a payment mode. Refunds are stored
// negative whatever sign the caller used. Re-sending an idempotency key returns
// the original entry; re-sending it with a different amount is rejected.
func (s *Service) Append(ctx context.Context, e *Entry) (*Entry, error) {
	if err := s.normalize(e); err != nil {
		s.metrics.RecordLedgerEntry(string(e.Category), "rejected")
		return nil, err
	}

	stored, created, err := s.repo.Append(ctx, e)
	if err != nil {
		s.metrics.RecordLedgerEntry(string(e.Category), "error")
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	if !created && !stored.Equivalent(e) {
		s.metrics.RecordLedgerEntry(string(e.Category), "conflict")
		return nil, ward.Invalid("idempotency_key",
			fmt.Sprintf("already used for %s %s", stored.Category, stored.Amount.StringFixed(ward.MoneyPlaces)))
	}

	outcome := "created"
	if !created {
		outcome = "replayed"
	}
	s.metrics.RecordLedgerEntry(string(stored.Category), outcome)
	s.log.Info().
		Str("entry_id", stored.ID.String()).
		Str("patient_id", stored.PatientID.String()).
		Str("category", string(stored.Category)).
		Str("amount", stored.Amount.String()).
		Str("outcome", outcome).
		Msg("ledger entry appended")

	if err := s.refresh(ctx, stored.PatientID); err != nil {
		return stored, err
	}
	return stored, nil
}

func (s *Service) normalize(e *Entry) error {
	if e.PatientID == uuid.Nil {
		return ward.Required("patient_id")
	}
	e.Category = ParseCategory(string(e.Category))
	if !e.Category.Valid() {
		return ward.Invalid("category", fmt.Sprintf("%q is not a ledger category", string(e.Category)))
	}
	e.Amount = ward.Round(e.Amount)
	if e.Amount.IsZero() {
		return ward.Invalid("amount", "must not be zero")
	}

	switch {
	case e.Category == CategoryRefund:
		e.Amount = e.Amount.Abs().Neg()
	case e.Amount.IsNegative():
		if e.Category.IsCharge() {
			return ward.Invalid("amount", "charges cannot be negative; record discounts on the discharge bill")
		}
		return ward.Invalid("amount", "payments must be positive; use a REFUND entry to return money")
	}

	if e.PaymentMode != nil {
		mode := ParsePaymentMode(string(*e.PaymentMode))
		if !mode.Valid() {
			return ward.Invalid("payment_mode", fmt.Sprintf("%q is not a payment mode", string(*e.PaymentMode)))
		}
		e.PaymentMode = &mode
	} else if e.Category.IsPayment() {
		return ward.Required("payment_mode")
	}

	if e.Status == "" {
		e.Status = StatusCompleted
	}
	if !e.Status.Valid() {
		return ward.Invalid("status", fmt.Sprintf("%q is not a ledger status", string(e.Status)))
	}
	if e.IdempotencyKey != nil {
		key := strings.TrimSpace(*e.IdempotencyKey)
		if key == "" {
			e.IdempotencyKey = nil
		} else {
			e.IdempotencyKey = &key
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	if patientID == uuid.Nil {
		return nil, 0, ward.Required("patient_id")
	}
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// ListCompleted returns the entries settlement is computed from.
func (s *Service) ListCompleted(ctx context.Context, patientID uuid.UUID, since time.Time) ([]*Entry, error) {
	return s.repo.ListCompleted(ctx, patientID, since)
}

// UpdateStatus is the only correction the ledger allows.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Entry, error) {
	status = Status(strings.ToUpper(strings.TrimSpace(string(status))))
	if !status.Valid() {
		return nil, ward.Invalid("status", fmt.Sprintf("%q is not a ledger status", string(status)))
	}
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == status {
		return current, nil
	}
	if !current.Status.CanBecome(status) {
		return nil, ward.Invalid("status", fmt.Sprintf("cannot change %s to %s", current.Status, status))
	}
	updated, err := s.repo.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, fmt.Errorf("update ledger entry status: %w", err)
	}
	s.log.Info().Str("entry_id", id.String()).Str("from", string(current.Status)).Str("to", string(status)).Msg("ledger entry status corrected")
	if err := s.refresh(ctx, updated.PatientID); err != nil {
		return updated, err
	}
	return updated, nil
}

func (s *Service) refresh(ctx context.Context, patientID uuid.UUID) error {
	if s.refresher == nil {
		return nil
	}
	if err := s.refresher.RefreshTotals(ctx, patientID); err != nil {
		return fmt.Errorf("refresh admission totals: %w", err)
	}
	return nil
}
