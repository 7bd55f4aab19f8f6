// Package discharge runs the discharge of an in-patient as a forward-only
// saga. Every step is keyed on the admission so a failed discharge can be
// re-submitted and resumes where it stopped without duplicating the summary,
// the bill or any ledger entry.
package discharge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ehr/ipd/internal/domain/admission"
	"github.com/ehr/ipd/internal/domain/bed"
	"github.com/ehr/ipd/internal/domain/ledger"
	"github.com/ehr/ipd/internal/domain/settlement"
	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/ehr/ipd/internal/platform/db"
	"github.com/ehr/ipd/internal/platform/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type Admissions interface {
	Get(ctx context.Context, id uuid.UUID) (*admission.Admission, error)
	Discharge(ctx context.Context, id uuid.UUID, t admission.Totals, dischargedAt time.Time) (*admission.Admission, error)
}

type Ledger interface {
	ListCompleted(ctx context.Context, patientID uuid.UUID, since time.Time) ([]*ledger.Entry, error)
	Append(ctx context.Context, e *ledger.Entry) (*ledger.Entry, error)
}

type Beds interface {
	ReleaseHeldBy(ctx context.Context, bedID, admissionID uuid.UUID) (*bed.Bed, error)
}

type Config struct {
	StepAttempts int
	StepBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{StepAttempts: 3, StepBackoff: 200 * time.Millisecond}
}

// Namespace for the name-based summary and bill ids.
var idSpace = uuid.MustParse("3b0c8f5e-6a51-4f5e-9d43-2f1e7c9a0d11")

func SummaryID(admissionID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(idSpace, []byte("summary:"+admissionID.String()))
}

func BillID(admissionID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(idSpace, []byte("bill:"+admissionID.String()))
}

// EntryKey is the idempotency key of a ledger entry written by the discharge
// of admissionID.
func EntryKey(admissionID uuid.UUID, kind string) string {
	return keyPrefix(admissionID) + kind
}

func keyPrefix(admissionID uuid.UUID) string {
	return "discharge:" + admissionID.String() + ":"
}

const (
	kindBed          = "bed"
	kindFinalPayment = "final-payment"
)

type Orchestrator struct {
	repo       Repository
	admissions Admissions
	ledger     Ledger
	beds       Beds
	cfg        Config
	log        zerolog.Logger
	metrics    *metrics.Collector
	locks      *keyedLock
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(repo Repository, admissions Admissions, lg Ledger, beds Beds, cfg Config, log zerolog.Logger, m *metrics.Collector) *Orchestrator {
	if cfg.StepAttempts < 1 {
		cfg.StepAttempts = 1
	}
	return &Orchestrator{
		repo:       repo,
		admissions: admissions,
		ledger:     lg,
		beds:       beds,
		cfg:        cfg,
		log:        log.With().Str("component", "discharge").Logger(),
		metrics:    m,
		locks:      newKeyedLock(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// plan is the settlement decided before any write of this attempt.
type plan struct {
	dischargedAt time.Time
	stayDays     int
	result       settlement.Result
	charges      []settlement.Item
}

// saga holds the artifacts known so far for one discharge attempt.
type saga struct {
	adm     *admission.Admission
	req     Request
	summary *Summary
	bill    *Bill
	bed     *bed.Bed
	log     zerolog.Logger
}

func (s *saga) partial(step int, err error) error {
	pe := &ward.PartialDischargeError{Step: step, AdmissionID: s.adm.ID, Err: err}
	if s.summary != nil {
		id := s.summary.ID
		pe.SummaryID = &id
	}
	if s.bill != nil {
		id := s.bill.ID
		pe.BillID = &id
	}
	return pe
}

// Discharge runs, or resumes, the discharge of req.AdmissionID. It returns a
// Result only once the admission is DISCHARGED and its bed released.
// Failures after the summary is written are reported as
// *ward.PartialDischargeError and are resolved by calling Discharge again.
func (o *Orchestrator) Discharge(ctx context.Context, req Request) (*Result, error) {
	unlock := o.locks.Lock(req.AdmissionID)
	defer unlock()

	adm, err := o.admissions.Get(ctx, req.AdmissionID)
	if err != nil {
		return nil, err
	}
	log := o.log.With().Str("admission_id", adm.ID.String()).Logger()
	s := &saga{adm: adm, req: req, log: log}

	if !adm.IsActive() {
		return o.finishDischarged(ctx, s)
	}

	// Step 1: nothing is written unless the request is complete.
	if err := validate(&s.req); err != nil {
		o.metrics.RecordDischarge("rejected")
		return nil, err
	}
	if err := o.loadArtifacts(ctx, s); err != nil {
		return nil, err
	}
	resumed := s.summary != nil

	var p *plan
	if s.bill == nil {
		if p, err = o.plan(ctx, s); err != nil {
			o.metrics.RecordDischarge("rejected")
			return nil, err
		}
	}
	if resumed {
		log.Info().Bool("bill_exists", s.bill != nil).Msg("resuming discharge")
	}

	// From here on the saga runs to completion or stops at a resumable step;
	// the caller going away must not abandon it half way.
	ctx = context.WithoutCancel(ctx)

	if err := o.run(ctx, s, p); err != nil {
		o.metrics.RecordDischarge("incomplete")
		log.Error().Err(err).Msg("discharge incomplete")
		return nil, err
	}

	outcome := "completed"
	if resumed {
		outcome = "resumed"
	}
	o.metrics.RecordDischarge(outcome)
	log.Info().
		Str("bill_id", s.bill.ID.String()).
		Str("balance", s.bill.Balance.String()).
		Int("stay_days", s.bill.StayDays).
		Bool("resumed", resumed).
		Msg("discharge completed")
	return &Result{Admission: s.adm, Summary: s.summary, Bill: s.bill, Bed: s.bed, Resumed: resumed}, nil
}

func (o *Orchestrator) run(ctx context.Context, s *saga, p *plan) error {
	// Step 2
	if s.summary == nil {
		var created bool
		err := o.step(ctx, s, ward.StepSummary, func(ctx context.Context) error {
			stored, ok, err := o.repo.CreateSummary(ctx, newSummary(s.adm, s.req, p.dischargedAt))
			if err == nil {
				s.summary, created = stored, ok
			}
			return err
		})
		if err != nil {
			return s.partial(ward.StepSummary, err)
		}
		if !created {
			// Another submission wrote the summary first. Its discharge instant
			// and anything it already billed win.
			s.log.Info().Time("discharged_at", s.summary.DischargedAt).Msg("summary written concurrently, re-planning")
			if err := o.loadArtifacts(ctx, s); err != nil {
				return s.partial(ward.StepSummary, err)
			}
			if s.bill == nil {
				if p, err = o.plan(ctx, s); err != nil {
					if ward.IsValidation(err) {
						return err
					}
					return s.partial(ward.StepSummary, err)
				}
			}
		}
	}

	if s.bill == nil {
		// Step 3
		for _, item := range p.charges {
			item := item
			err := o.step(ctx, s, ward.StepCharges, func(ctx context.Context) error {
				return o.book(ctx, chargeEntry(s.adm, s.summary, item))
			})
			if err != nil {
				return s.partial(ward.StepCharges, err)
			}
		}

		// Step 4
		err := o.step(ctx, s, ward.StepBill, func(ctx context.Context) error {
			stored, _, err := o.repo.CreateBill(ctx, newBill(s.adm, s.summary, s.req, p))
			if err == nil {
				s.bill = stored
			}
			return err
		})
		if err != nil {
			return s.partial(ward.StepBill, err)
		}
	}

	// Step 5 uses the bill's frozen figures, never the request's.
	if s.bill.FinalPayment.IsPositive() {
		err := o.step(ctx, s, ward.StepFinalPayment, func(ctx context.Context) error {
			return o.book(ctx, finalPaymentEntry(s.adm, s.bill))
		})
		if err != nil {
			return s.partial(ward.StepFinalPayment, err)
		}
	}

	// Step 6
	err := o.step(ctx, s, ward.StepAdmission, func(ctx context.Context) error {
		out, err := o.admissions.Discharge(ctx, s.adm.ID, s.bill.Totals(), s.bill.DischargedAt)
		if errors.Is(err, ward.ErrAlreadyDischarged) {
			out, err = o.admissions.Get(ctx, s.adm.ID)
		}
		if err == nil {
			s.adm = out
		}
		return err
	})
	if err != nil {
		return s.partial(ward.StepAdmission, err)
	}

	return o.releaseBed(ctx, s)
}

// book appends a discharge ledger entry. A replayed entry that was since
// corrected away from COMPLETED no longer counts towards the settlement, so
// the bill would overstate it.
func (o *Orchestrator) book(ctx context.Context, e *ledger.Entry) error {
	stored, err := o.ledger.Append(ctx, e)
	if err != nil {
		return err
	}
	if stored.Status != ledger.StatusCompleted {
		return fmt.Errorf("ledger entry %s (%s) is %s", stored.ID, *e.IdempotencyKey, stored.Status)
	}
	return nil
}

// finishDischarged handles a discharge submitted for an admission that is
// already DISCHARGED: it only makes sure the bed was released.
func (o *Orchestrator) finishDischarged(ctx context.Context, s *saga) (*Result, error) {
	if err := o.loadArtifacts(ctx, s); err != nil {
		return nil, err
	}
	if err := o.releaseBed(context.WithoutCancel(ctx), s); err != nil {
		o.metrics.RecordDischarge("incomplete")
		return nil, err
	}
	o.metrics.RecordDischarge("already_discharged")
	s.log.Info().Msg("admission already discharged")
	return &Result{Admission: s.adm, Summary: s.summary, Bill: s.bill, Bed: s.bed, AlreadyDischarged: true}, nil
}

// Step 7
func (o *Orchestrator) releaseBed(ctx context.Context, s *saga) error {
	err := o.step(ctx, s, ward.StepBedRelease, func(ctx context.Context) error {
		b, err := o.beds.ReleaseHeldBy(ctx, s.adm.BedID, s.adm.ID)
		if err != nil {
			return err
		}
		if b.AdmissionID != nil && *b.AdmissionID == s.adm.ID {
			return fmt.Errorf("bed %s still held by admission %s", b.ID, s.adm.ID)
		}
		s.bed = b
		return nil
	})
	if err != nil {
		return s.partial(ward.StepBedRelease, err)
	}
	return nil
}

func (o *Orchestrator) loadArtifacts(ctx context.Context, s *saga) error {
	summary, err := o.repo.GetSummaryByAdmission(ctx, s.adm.ID)
	switch {
	case err == nil:
		s.summary = summary
	case !errors.Is(err, ward.ErrNotFound):
		return fmt.Errorf("load discharge summary: %w", err)
	}
	bill, err := o.repo.GetBillByAdmission(ctx, s.adm.ID)
	switch {
	case err == nil:
		s.bill = bill
	case !errors.Is(err, ward.ErrNotFound):
		return fmt.Errorf("load discharge bill: %w", err)
	}
	return nil
}

// plan computes the settlement. Ledger entries written by an earlier attempt
// of this discharge are left out so a resumed attempt arrives at the same
// figures, and a resubmission with different manual amounts is rejected.
func (o *Orchestrator) plan(ctx context.Context, s *saga) (*plan, error) {
	p := &plan{dischargedAt: o.now().UTC()}
	if s.summary != nil {
		p.dischargedAt = s.summary.DischargedAt
	}
	if p.dischargedAt.Before(s.adm.AdmittedAt) {
		p.dischargedAt = s.adm.AdmittedAt
	}
	p.stayDays = admission.StayDays(s.adm.AdmittedAt, p.dischargedAt)

	entries, err := o.ledger.ListCompleted(ctx, s.adm.PatientID, s.adm.AdmittedAt)
	if err != nil {
		return nil, fmt.Errorf("load ledger entries: %w", err)
	}
	prefix := keyPrefix(s.adm.ID)
	written := make(map[string]*ledger.Entry)
	var prior []*ledger.Entry
	for _, e := range entries {
		if e.HasKeyPrefix(prefix) {
			written[*e.IdempotencyKey] = e
			continue
		}
		prior = append(prior, e)
	}

	in := settlement.Input{
		Entries:          prior,
		Since:            s.adm.AdmittedAt,
		Manual:           s.req.Charges,
		Discount:         s.req.Discount,
		InsuranceCovered: s.req.InsuranceCovered,
		FinalPayment:     s.req.FinalPayment,
	}
	if s.req.ChargeBed {
		in.BedCharge = &settlement.BedCharge{Rate: s.adm.DailyRate, Days: p.stayDays}
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	p.result = settlement.Calculate(in)

	for _, item := range s.req.Charges.Items() {
		item.Amount = ward.Round(item.Amount)
		if item.Amount.IsPositive() {
			p.charges = append(p.charges, item)
		}
	}
	if p.result.BedCharge.IsPositive() {
		p.charges = append(p.charges, settlement.Item{
			Kind: kindBed, Category: ledger.CategoryAccommodation, Amount: p.result.BedCharge,
		})
	}

	planned := make(map[string]decimal.Decimal, len(p.charges)+1)
	for _, item := range p.charges {
		planned[EntryKey(s.adm.ID, item.Kind)] = item.Amount
	}
	if p.result.FinalPayment.IsPositive() {
		planned[EntryKey(s.adm.ID, kindFinalPayment)] = p.result.FinalPayment
	}
	// Every entry an earlier attempt booked must be billed again at the same
	// amount; it is already excluded from the existing charges.
	keys := make([]string, 0, len(written))
	for key := range written {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		e := written[key]
		if amount, ok := planned[key]; ok && e.Amount.Equal(amount) {
			continue
		}
		return nil, ward.Invalid(resumeField(strings.TrimPrefix(key, prefix)),
			fmt.Sprintf("%s was already recorded for this discharge", e.Amount.StringFixed(ward.MoneyPlaces)))
	}
	return p, nil
}

// resumeField names the request field that produced a discharge entry kind.
func resumeField(kind string) string {
	switch kind {
	case kindFinalPayment:
		return "final_payment"
	case kindBed:
		return "charge_bed"
	}
	return "charges." + strings.ReplaceAll(kind, "-", "_")
}

// step runs fn, retrying transient store failures with linear backoff.
func (o *Orchestrator) step(ctx context.Context, s *saga, step int, fn func(ctx context.Context) error) error {
	name := ward.StepName(step)
	var err error
	for attempt := 1; attempt <= o.cfg.StepAttempts; attempt++ {
		start := time.Now()
		err = fn(ctx)
		if err == nil {
			o.metrics.RecordDischargeStep(name, "ok", time.Since(start))
			return nil
		}

		retry := attempt < o.cfg.StepAttempts && db.IsRetryable(err)
		result := "failed"
		if retry {
			result = "retry"
		}
		o.metrics.RecordDischargeStep(name, result, time.Since(start))
		s.log.Warn().Err(err).
			Int("step", step).
			Str("step_name", name).
			Int("attempt", attempt).
			Bool("retrying", retry).
			Msg("discharge step failed")
		if !retry {
			return err
		}
		if serr := o.sleep(ctx, o.cfg.StepBackoff*time.Duration(attempt)); serr != nil {
			return err
		}
	}
	return err
}

// Preview computes the settlement a discharge would produce without writing
// anything. For a billed admission it returns the bill's figures.
func (o *Orchestrator) Preview(ctx context.Context, req Request) (*settlement.Result, error) {
	adm, err := o.admissions.Get(ctx, req.AdmissionID)
	if err != nil {
		return nil, err
	}
	s := &saga{adm: adm, req: req, log: o.log}
	if err := o.loadArtifacts(ctx, s); err != nil {
		return nil, err
	}
	if s.bill != nil {
		r := billResult(s.bill)
		return &r, nil
	}
	if !adm.IsActive() {
		return nil, ward.ErrAlreadyDischarged
	}
	p, err := o.plan(ctx, s)
	if err != nil {
		return nil, err
	}
	return &p.result, nil
}

// Get returns the stored discharge artifacts of an admission.
func (o *Orchestrator) Get(ctx context.Context, admissionID uuid.UUID) (*Result, error) {
	adm, err := o.admissions.Get(ctx, admissionID)
	if err != nil {
		return nil, err
	}
	s := &saga{adm: adm, log: o.log}
	if err := o.loadArtifacts(ctx, s); err != nil {
		return nil, err
	}
	if s.summary == nil {
		return nil, ward.ErrNotFound
	}
	return &Result{Admission: adm, Summary: s.summary, Bill: s.bill, AlreadyDischarged: !adm.IsActive()}, nil
}

func validate(req *Request) error {
	trim := func(v *string) { *v = strings.TrimSpace(*v) }
	trim(&req.Diagnosis)
	trim(&req.Consultant)
	trim(&req.AttendantName)

	switch {
	case req.AdmissionID == uuid.Nil:
		return ward.Required("admission_id")
	case req.Diagnosis == "":
		return ward.Required("diagnosis")
	case req.Consultant == "":
		return ward.Required("consultant")
	case req.AttendantName == "":
		return ward.Required("attendant_name")
	case !req.ConsentGiven:
		return ward.Invalid("consent_given", "consent must be recorded before discharge")
	case !req.DocumentsHandedOver:
		return ward.Invalid("documents_handed_over", "documents must be handed over before discharge")
	}

	if req.PaymentMode != nil {
		mode := ledger.ParsePaymentMode(string(*req.PaymentMode))
		if !mode.Valid() {
			return ward.Invalid("payment_mode", fmt.Sprintf("%q is not a payment mode", string(*req.PaymentMode)))
		}
		req.PaymentMode = &mode
	}
	if req.FinalPayment.IsPositive() && req.PaymentMode == nil {
		return ward.Required("payment_mode")
	}
	return nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func newSummary(adm *admission.Admission, req Request, dischargedAt time.Time) *Summary {
	return &Summary{
		ID:                   SummaryID(adm.ID),
		AdmissionID:          adm.ID,
		PatientID:            adm.PatientID,
		Diagnosis:            req.Diagnosis,
		Consultant:           req.Consultant,
		TreatmentSummary:     optional(req.TreatmentSummary),
		ConditionAtDischarge: optional(req.ConditionAtDischarge),
		Medications:          optional(req.Medications),
		FollowUp:             optional(req.FollowUp),
		Instructions:         optional(req.Instructions),
		AttendantName:        req.AttendantName,
		AttendantRelation:    optional(req.AttendantRelation),
		AttendantPhone:       optional(req.AttendantPhone),
		DocumentsHandedOver:  req.DocumentsHandedOver,
		ConsentGiven:         req.ConsentGiven,
		AttemptToken:         optional(req.AttemptToken),
		DischargedAt:         dischargedAt,
	}
}

func newBill(adm *admission.Admission, summary *Summary, req Request, p *plan) *Bill {
	r := p.result
	round := ward.Round
	return &Bill{
		ID:                BillID(adm.ID),
		SummaryID:         summary.ID,
		AdmissionID:       adm.ID,
		PatientID:         adm.PatientID,
		RoomCategory:      adm.RoomCategory,
		DailyRate:         adm.DailyRate,
		StayDays:          p.stayDays,
		ExistingCharges:   r.ExistingCharges,
		DoctorFee:         round(req.Charges.DoctorFee),
		NursingCharge:     round(req.Charges.Nursing),
		MedicineCharge:    round(req.Charges.Medicine),
		DiagnosticCharge:  round(req.Charges.Diagnostic),
		OperationCharge:   round(req.Charges.Operation),
		OtherCharge:       round(req.Charges.Other),
		BedCharge:         r.BedCharge,
		AdditionalCharges: r.AdditionalCharges,
		TotalCharges:      r.TotalCharges,
		Discount:          r.Discount,
		InsuranceCovered:  r.InsuranceCovered,
		NetAmount:         r.NetAmount,
		PriorPayments:     r.PriorPayments,
		FinalPayment:      r.FinalPayment,
		TotalPaid:         r.TotalPaid,
		Balance:           r.Balance,
		PaymentMode:       req.PaymentMode,
		DischargedAt:      p.dischargedAt,
	}
}

func billResult(b *Bill) settlement.Result {
	manual := ward.Sum(b.DoctorFee, b.NursingCharge, b.MedicineCharge, b.DiagnosticCharge, b.OperationCharge, b.OtherCharge)
	return settlement.Result{
		ExistingCharges:   b.ExistingCharges,
		PriorPayments:     b.PriorPayments,
		ManualCharges:     manual,
		BedCharge:         b.BedCharge,
		AdditionalCharges: b.AdditionalCharges,
		TotalCharges:      b.TotalCharges,
		Discount:          b.Discount,
		InsuranceCovered:  b.InsuranceCovered,
		NetAmount:         b.NetAmount,
		FinalPayment:      b.FinalPayment,
		TotalPaid:         b.TotalPaid,
		Balance:           b.Balance,
	}
}

func chargeEntry(adm *admission.Admission, summary *Summary, item settlement.Item) *ledger.Entry {
	key := EntryKey(adm.ID, item.Kind)
	desc := "Discharge charge: " + strings.ReplaceAll(item.Kind, "-", " ")
	ref := summary.ID.String()
	admID := adm.ID
	return &ledger.Entry{
		PatientID:      adm.PatientID,
		AdmissionID:    &admID,
		Category:       item.Category,
		Amount:         item.Amount,
		Status:         ledger.StatusCompleted,
		Description:    &desc,
		Reference:      &ref,
		IdempotencyKey: &key,
	}
}

func finalPaymentEntry(adm *admission.Admission, bill *Bill) *ledger.Entry {
	key := EntryKey(adm.ID, kindFinalPayment)
	desc := fmt.Sprintf("Final settlement for discharge bill %s", bill.ID)
	ref := bill.ID.String()
	admID := adm.ID
	return &ledger.Entry{
		PatientID:      adm.PatientID,
		AdmissionID:    &admID,
		Category:       ledger.CategoryIPDPayment,
		Amount:         bill.FinalPayment,
		PaymentMode:    bill.PaymentMode,
		Status:         ledger.StatusCompleted,
		Description:    &desc,
		Reference:      &ref,
		IdempotencyKey: &key,
	}
}
