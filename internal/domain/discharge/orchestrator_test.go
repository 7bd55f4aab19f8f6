package discharge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehr/ipd/internal/domain/admission"
	"github.com/ehr/ipd/internal/domain/bed"
	"github.com/ehr/ipd/internal/domain/ledger"
	"github.com/ehr/ipd/internal/domain/settlement"
	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var dischargeTime = time.Date(2026, 7, 20, 11, 0, 0, 0, time.UTC)

// -- Fakes --

type fakeRepo struct {
	mu        sync.Mutex
	summaries map[uuid.UUID]*Summary
	bills     map[uuid.UUID]*Bill
	// billErrs are returned by successive CreateBill calls before it succeeds.
	billErrs []error
	inserts  int
	// concurrent, when set, is stored by the next CreateSummary as if another
	// process had won the insert.
	concurrent *Summary
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{summaries: make(map[uuid.UUID]*Summary), bills: make(map[uuid.UUID]*Bill)}
}

func (f *fakeRepo) CreateSummary(_ context.Context, s *Summary) (*Summary, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.summaries[s.AdmissionID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	if f.concurrent != nil {
		won := *f.concurrent
		f.concurrent = nil
		f.summaries[s.AdmissionID] = &won
		cp := won
		return &cp, false, nil
	}
	s.CreatedAt = time.Now()
	cp := *s
	f.summaries[s.AdmissionID] = &cp
	out := cp
	return &out, true, nil
}

func (f *fakeRepo) GetSummaryByAdmission(_ context.Context, admissionID uuid.UUID) (*Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.summaries[admissionID]
	if !ok {
		return nil, ward.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) CreateBill(_ context.Context, b *Bill) (*Bill, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.billErrs) > 0 {
		err := f.billErrs[0]
		f.billErrs = f.billErrs[1:]
		return nil, false, err
	}
	if existing, ok := f.bills[b.AdmissionID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	f.inserts++
	b.CreatedAt = time.Now()
	cp := *b
	f.bills[b.AdmissionID] = &cp
	out := cp
	return &out, true, nil
}

func (f *fakeRepo) GetBillByAdmission(_ context.Context, admissionID uuid.UUID) (*Bill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bills[admissionID]
	if !ok {
		return nil, ward.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

type fakeAdmissions struct {
	mu         sync.Mutex
	admissions map[uuid.UUID]*admission.Admission
	failures   int
}

func (f *fakeAdmissions) Get(_ context.Context, id uuid.UUID) (*admission.Admission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.admissions[id]
	if !ok {
		return nil, ward.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAdmissions) Discharge(_ context.Context, id uuid.UUID, t admission.Totals, at time.Time) (*admission.Admission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("admission update rejected")
	}
	a, ok := f.admissions[id]
	if !ok {
		return nil, ward.ErrNotFound
	}
	if a.Status != admission.StatusActive {
		return nil, ward.ErrAlreadyDischarged
	}
	stay := admission.StayDays(a.AdmittedAt, at)
	a.Status = admission.StatusDischarged
	a.TotalAmount, a.AmountPaid, a.BalanceAmount = t.TotalAmount, t.AmountPaid, t.BalanceAmount
	a.StayDays = &stay
	a.DischargedAt = &at
	cp := *a
	return &cp, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	entries  []*ledger.Entry
	clock    time.Time
	failKeys map[string]int
}

func (f *fakeLedger) add(patient uuid.UUID, cat ledger.Category, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(time.Minute)
	f.entries = append(f.entries, &ledger.Entry{
		ID:        uuid.New(),
		PatientID: patient,
		Category:  cat,
		Amount:    decimal.NewFromInt(amount),
		Status:    ledger.StatusCompleted,
		CreatedAt: f.clock,
	})
}

func (f *fakeLedger) ListCompleted(_ context.Context, patientID uuid.UUID, since time.Time) ([]*ledger.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledger.Entry
	for _, e := range f.entries {
		if e.PatientID == patientID && e.Status == ledger.StatusCompleted && !e.CreatedAt.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeLedger) Append(_ context.Context, e *ledger.Entry) (*ledger.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.IdempotencyKey != nil {
		if n := f.failKeys[*e.IdempotencyKey]; n > 0 {
			f.failKeys[*e.IdempotencyKey] = n - 1
			return nil, errors.New("ledger write rejected")
		}
		for _, existing := range f.entries {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *e.IdempotencyKey {
				if !existing.Amount.Equal(e.Amount) {
					return nil, ward.Invalid("idempotency_key", "amount differs")
				}
				cp := *existing
				return &cp, nil
			}
		}
	}
	f.clock = f.clock.Add(time.Minute)
	cp := *e
	cp.ID = uuid.New()
	cp.CreatedAt = f.clock
	f.entries = append(f.entries, &cp)
	out := cp
	return &out, nil
}

func (f *fakeLedger) byKey(key string) []*ledger.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledger.Entry
	for _, e := range f.entries {
		if e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeLedger) setStatus(key string, status ledger.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			e.Status = status
		}
	}
}

type fakeBeds struct {
	mu       sync.Mutex
	beds     map[uuid.UUID]*bed.Bed
	failures int
}

func (f *fakeBeds) ReleaseHeldBy(_ context.Context, bedID, admissionID uuid.UUID) (*bed.Bed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("bed update rejected")
	}
	b, ok := f.beds[bedID]
	if !ok {
		return nil, ward.ErrNotFound
	}
	if b.AdmissionID != nil && *b.AdmissionID == admissionID {
		b.Status = bed.StatusAvailable
		b.AdmissionID = nil
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBeds) status(id uuid.UUID) bed.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beds[id].Status
}

type fixture struct {
	orch       *Orchestrator
	repo       *fakeRepo
	admissions *fakeAdmissions
	ledger     *fakeLedger
	beds       *fakeBeds
	adm        *admission.Admission
}

// newFixture admits one patient 50 hours before the discharge instant into a
// bed charging 1000 a day.
func newFixture() *fixture {
	admittedAt := dischargeTime.Add(-50 * time.Hour)
	b := &bed.Bed{ID: uuid.New(), Code: "G-12", RoomCategory: ward.RoomGeneral, DailyRate: decimal.NewFromInt(1000)}
	adm := &admission.Admission{
		ID:           uuid.New(),
		PatientID:    uuid.New(),
		BedID:        b.ID,
		RoomCategory: ward.RoomGeneral,
		Department:   "Medicine",
		DailyRate:    decimal.NewFromInt(1000),
		AdmittedAt:   admittedAt,
		Status:       admission.StatusActive,
	}
	b.Status = bed.StatusOccupied
	b.AdmissionID = &adm.ID

	f := &fixture{
		repo:       newFakeRepo(),
		admissions: &fakeAdmissions{admissions: map[uuid.UUID]*admission.Admission{adm.ID: adm}},
		ledger:     &fakeLedger{clock: admittedAt, failKeys: make(map[string]int)},
		beds:       &fakeBeds{beds: map[uuid.UUID]*bed.Bed{b.ID: b}},
		adm:        adm,
	}
	f.orch = New(f.repo, f.admissions, f.ledger, f.beds, Config{StepAttempts: 3, StepBackoff: time.Millisecond}, zerolog.Nop(), nil)
	f.orch.now = func() time.Time { return dischargeTime }
	f.orch.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func (f *fixture) request() Request {
	return Request{
		AdmissionID:         f.adm.ID,
		Diagnosis:           "Community acquired pneumonia",
		Consultant:          "Dr. Rao",
		AttendantName:       "S. Kumar",
		AttendantRelation:   "Son",
		DocumentsHandedOver: true,
		ConsentGiven:        true,
	}
}

func (f *fixture) admissionStatus() admission.Status {
	a, _ := f.admissions.Get(context.Background(), f.adm.ID)
	return a.Status
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(money(want)) {
		t.Errorf("%s: expected %s, got %s", name, want, got)
	}
}

func cashMode() *ledger.PaymentMode {
	m := ledger.PaymentCash
	return &m
}

// -- Tests --

func TestDischarge_FullyPaid(t *testing.T) {
	f := newFixture()
	f.ledger.add(f.adm.PatientID, ledger.CategoryAccommodation, 5000)

	req := f.request()
	req.FinalPayment = money("5000")
	req.PaymentMode = cashMode()

	res, err := f.orch.Discharge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertMoney(t, "net", res.Bill.NetAmount, "5000")
	assertMoney(t, "balance", res.Bill.Balance, "0")
	if res.Bill.StayDays != 3 {
		t.Errorf("expected 3 stay days for 50 hours, got %d", res.Bill.StayDays)
	}
	if res.Admission.Status != admission.StatusDischarged {
		t.Errorf("expected DISCHARGED, got %s", res.Admission.Status)
	}
	if f.beds.status(f.adm.BedID) != bed.StatusAvailable {
		t.Error("expected bed to be AVAILABLE")
	}

	payments := f.ledger.byKey(EntryKey(f.adm.ID, kindFinalPayment))
	if len(payments) != 1 {
		t.Fatalf("expected one final payment entry, got %d", len(payments))
	}
	if payments[0].Description == nil || !strings.Contains(*payments[0].Description, res.Bill.ID.String()) {
		t.Errorf("final payment must reference the bill id, got %v", payments[0].Description)
	}
	if res.Bill.ID != BillID(f.adm.ID) || res.Summary.ID != SummaryID(f.adm.ID) {
		t.Error("expected deterministic summary and bill ids")
	}
}

func TestDischarge_BalanceDueDoesNotBlock(t *testing.T) {
	f := newFixture()
	f.ledger.add(f.adm.PatientID, ledger.CategoryProcedure, 3000)

	req := f.request()
	req.Discount = money("500")
	req.InsuranceCovered = money("1000")

	res, err := f.orch.Discharge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertMoney(t, "net", res.Bill.NetAmount, "1500")
	assertMoney(t, "balance", res.Bill.Balance, "1500")
	assertMoney(t, "due", res.Bill.Due(), "1500")
	if f.admissionStatus() != admission.StatusDischarged {
		t.Error("balance due must not block the discharge")
	}
	if len(f.ledger.byKey(EntryKey(f.adm.ID, kindFinalPayment))) != 0 {
		t.Error("no final payment entry expected for a zero payment")
	}
}

func TestDischarge_RefundOwedStoredNegative(t *testing.T) {
	f := newFixture()
	f.ledger.add(f.adm.PatientID, ledger.CategoryMedicine, 1000)
	f.ledger.add(f.adm.PatientID, ledger.CategoryIPDAdvance, 1500)

	res, err := f.orch.Discharge(context.Background(), f.request())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertMoney(t, "balance", res.Bill.Balance, "-500")
	assertMoney(t, "excess", res.Bill.Excess(), "500")
	a, _ := f.admissions.Get(context.Background(), f.adm.ID)
	assertMoney(t, "cached balance", a.BalanceAmount, "-500")
}

func TestDischarge_ManualChargesBookedOnce(t *testing.T) {
	f := newFixture()
	f.ledger.add(f.adm.PatientID, ledger.CategoryDiagnostic, 2000)

	req := f.request()
	req.Charges = settlement.ManualCharges{DoctorFee: money("1500"), Operation: money("8000")}
	req.ChargeBed = true

	res, err := f.orch.Discharge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertMoney(t, "existing", res.Bill.ExistingCharges, "2000")
	assertMoney(t, "bed", res.Bill.BedCharge, "3000")
	assertMoney(t, "additional", res.Bill.AdditionalCharges, "12500")
	assertMoney(t, "total", res.Bill.TotalCharges, "14500")

	for kind, cat := range map[string]ledger.Category{
		"doctor-fee": ledger.CategoryConsultation,
		"operation":  ledger.CategoryProcedure,
		kindBed:      ledger.CategoryAccommodation,
	} {
		entries := f.ledger.byKey(EntryKey(f.adm.ID, kind))
		if len(entries) != 1 {
			t.Errorf("%s: expected one entry, got %d", kind, len(entries))
			continue
		}
		if entries[0].Category != cat {
			t.Errorf("%s: expected %s, got %s", kind, cat, entries[0].Category)
		}
	}
	if len(f.ledger.byKey(EntryKey(f.adm.ID, "nursing"))) != 0 {
		t.Error("zero manual charges must not be booked")
	}
}

func TestDischarge_ValidationBeforeAnyWrite(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(r *Request)
		field string
	}{
		{"diagnosis", func(r *Request) { r.Diagnosis = " " }, "diagnosis"},
		{"consultant", func(r *Request) { r.Consultant = "" }, "consultant"},
		{"attendant", func(r *Request) { r.AttendantName = "" }, "attendant_name"},
		{"consent", func(r *Request) { r.ConsentGiven = false }, "consent_given"},
		{"documents", func(r *Request) { r.DocumentsHandedOver = false }, "documents_handed_over"},
		{"payment mode", func(r *Request) { r.FinalPayment = money("10") }, "payment_mode"},
		{"negative charge", func(r *Request) { r.Charges.Medicine = money("-1") }, "medicine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := f.request()
			tt.edit(&req)

			_, err := f.orch.Discharge(context.Background(), req)
			var ve *ward.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected %s validation error, got %v", tt.field, err)
			}
			if len(f.repo.summaries) != 0 || len(f.repo.bills) != 0 {
				t.Error("validation failure must not write anything")
			}
			if f.admissionStatus() != admission.StatusActive {
				t.Error("admission must stay ACTIVE")
			}
		})
	}
}

func TestDischarge_TwiceIsNoOp(t *testing.T) {
	f := newFixture()
	f.ledger.add(f.adm.PatientID, ledger.CategoryNursing, 1200)
	req := f.request()
	req.FinalPayment = money("1200")
	req.PaymentMode = cashMode()

	first, err := f.orch.Discharge(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.orch.Discharge(context.Background(), req)
	if err != nil {
		t.Fatalf("second discharge should succeed, got %v", err)
	}
	if !second.AlreadyDischarged {
		t.Error("expected AlreadyDischarged on the second call")
	}
	if second.Bill == nil || second.Bill.ID != first.Bill.ID {
		t.Error("second call must return the original bill")
	}
	if len(f.repo.summaries) != 1 || len(f.repo.bills) != 1 {
		t.Errorf("expected one summary and one bill, got %d and %d", len(f.repo.summaries), len(f.repo.bills))
	}
	if n := len(f.ledger.byKey(EntryKey(f.adm.ID, kindFinalPayment))); n != 1 {
		t.Errorf("payment must not be debited twice, got %d entries", n)
	}
}

func TestDischarge_ConcurrentSubmissions(t *testing.T) {
	f := newFixture()
	f.ledger.add(f.adm.PatientID, ledger.CategoryOther, 700)
	req := f.request()
	req.FinalPayment = money("700")
	req.PaymentMode = cashMode()

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Discharge(context.Background(), req)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if f.repo.inserts != 1 {
		t.Errorf("expected exactly one bill insert, got %d", f.repo.inserts)
	}
	if n := len(f.ledger.byKey(EntryKey(f.adm.ID, kindFinalPayment))); n != 1 {
		t.Errorf("expected one final payment, got %d", n)
	}
	if f.orch.locks.size() != 0 {
		t.Errorf("expected lock table to drain, got %d", f.orch.locks.size())
	}
}

func TestDischarge_BillFailureThenResume(t *testing.T) {
	f := newFixture()
	f.ledger.add(f.adm.PatientID, ledger.CategoryMedicine, 4000)
	f.repo.billErrs = []error{errors.New("discharge_bill insert rejected")}

	req := f.request()
	req.Charges = settlement.ManualCharges{DoctorFee: money("1000")}
	req.FinalPayment = money("2000")
	req.PaymentMode = cashMode()

	_, err := f.orch.Discharge(context.Background(), req)
	var pe *ward.PartialDischargeError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PartialDischargeError, got %v", err)
	}
	if pe.Step != ward.StepBill {
		t.Errorf("expected step %d, got %d", ward.StepBill, pe.Step)
	}
	if pe.SummaryID == nil || *pe.SummaryID != SummaryID(f.adm.ID) {
		t.Error("partial error must carry the summary id")
	}
	if pe.BillID != nil {
		t.Error("no bill id expected before the bill exists")
	}
	if !strings.Contains(err.Error(), "resume required") {
		t.Errorf("expected resume wording, got %q", err.Error())
	}
	if f.admissionStatus() != admission.StatusActive || f.beds.status(f.adm.BedID) != bed.StatusOccupied {
		t.Error("admission and bed must be untouched until the bill exists")
	}

	res, err := f.orch.Discharge(context.Background(), req)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !res.Resumed {
		t.Error("expected Resumed")
	}
	if len(f.repo.summaries) != 1 {
		t.Errorf("expected one summary, got %d", len(f.repo.summaries))
	}
	if n := len(f.ledger.byKey(EntryKey(f.adm.ID, "doctor-fee"))); n != 1 {
		t.Errorf("doctor fee must be booked once, got %d", n)
	}
	// The doctor fee written by the first attempt is not counted twice.
	assertMoney(t, "existing", res.Bill.ExistingCharges, "4000")
	assertMoney(t, "total", res.Bill.TotalCharges, "5000")
	assertMoney(t, "balance", res.Bill.Balance, "3000")
	if f.beds.status(f.adm.BedID) != bed.StatusAvailable {
		t.Error("expected bed released after resume")
	}
}

func TestDischarge_TransientBillFailureRetried(t *testing.T) {
	f := newFixture()
	f.ledger.add(f.adm.PatientID, ledger.CategoryNursing, 900)
	f.repo.billErrs = []error{context.DeadlineExceeded, context.DeadlineExceeded}

	res, err := f.orch.Discharge(context.Background(), f.request())
	if err != nil {
		t.Fatalf("expected retries to absorb transient failures, got %v", err)
	}
	if res.Resumed {
		t.Error("in-call retries are not a resume")
	}
	if len(f.repo.bills) != 1 {
		t.Errorf("expected one bill, got %d", len(f.repo.bills))
	}
}

func TestDischarge_FinalPaymentFailureNeverReDebits(t *testing.T) {
	f := newFixture()
	f.ledger.add(f.adm.PatientID, ledger.CategoryProcedure, 10000)
	f.ledger.failKeys[EntryKey(f.adm.ID, kindFinalPayment)] = 1

	req := f.request()
	req.FinalPayment = money("6000")
	req.PaymentMode = cashMode()

	_, err := f.orch.Discharge(context.Background(), req)
	var pe *ward.PartialDischargeError
	if !errors.As(err, &pe) || pe.Step != ward.StepFinalPayment {
		t.Fatalf("expected partial failure at step %d, got %v", ward.StepFinalPayment, err)
	}
	if pe.BillID == nil || *pe.BillID != BillID(f.adm.ID) {
		t.Error("partial error must carry the bill id")
	}

	// The desk resubmits with a different payment; the bill's figure wins.
	req.FinalPayment = money("9999")
	res, err := f.orch.Discharge(context.Background(), req)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	payments := f.ledger.byKey(EntryKey(f.adm.ID, kindFinalPayment))
	if len(payments) != 1 {
		t.Fatalf("expected one payment entry, got %d", len(payments))
	}
	assertMoney(t, "payment", payments[0].Amount, "6000")
	assertMoney(t, "balance", res.Bill.Balance, "4000")

	// A third submission is a no-op and still does not re-debit.
	if _, err := f.orch.Discharge(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if n := len(f.ledger.byKey(EntryKey(f.adm.ID, kindFinalPayment))); n != 1 {
		t.Errorf("expected one payment entry, got %d", n)
	}
}

func TestDischarge_ChangedChargeOnResumeRejected(t *testing.T) {
	f := newFixture()
	f.repo.billErrs = []error{errors.New("discharge_bill insert rejected")}

	req := f.request()
	req.Charges = settlement.ManualCharges{Medicine: money("300")}
	if _, err := f.orch.Discharge(context.Background(), req); !ward.IsPartialDischarge(err) {
		t.Fatalf("expected partial failure, got %v", err)
	}

	req.Charges.Medicine = money("350")
	_, err := f.orch.Discharge(context.Background(), req)
	var ve *ward.ValidationError
	if !errors.As(err, &ve) || ve.Field != "charges.medicine" {
		t.Fatalf("expected charges.medicine validation error, got %v", err)
	}
	if len(f.repo.bills) != 0 {
		t.Error("no bill may be written from conflicting figures")
	}
}

func TestDischarge_DroppedChargeOnResumeRejected(t *testing.T) {
	tests := []struct {
		name   string
		first  func(r *Request)
		resume func(r *Request)
		field  string
		kind   string
	}{
		{
			name:   "manual charge zeroed",
			first:  func(r *Request) { r.Charges.Medicine = money("300") },
			resume: func(r *Request) { r.Charges = settlement.ManualCharges{} },
			field:  "charges.medicine",
			kind:   "medicine",
		},
		{
			name:   "bed charge switched off",
			first:  func(r *Request) { r.ChargeBed = true },
			resume: func(r *Request) { r.ChargeBed = false },
			field:  "charge_bed",
			kind:   kindBed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.repo.billErrs = []error{errors.New("discharge_bill insert rejected")}

			req := f.request()
			tt.first(&req)
			if _, err := f.orch.Discharge(context.Background(), req); !ward.IsPartialDischarge(err) {
				t.Fatalf("expected partial failure, got %v", err)
			}
			if n := len(f.ledger.byKey(EntryKey(f.adm.ID, tt.kind))); n != 1 {
				t.Fatalf("expected the first attempt to book %s, got %d entries", tt.kind, n)
			}

			tt.resume(&req)
			_, err := f.orch.Discharge(context.Background(), req)
			var ve *ward.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected %s validation error, got %v", tt.field, err)
			}
			if len(f.repo.bills) != 0 {
				t.Error("a bill leaving out a booked charge must not be written")
			}

			// Resubmitting the original figures completes the discharge.
			req = f.request()
			tt.first(&req)
			res, err := f.orch.Discharge(context.Background(), req)
			if err != nil {
				t.Fatalf("resume with original figures failed: %v", err)
			}
			if !res.Admission.TotalAmount.Equal(res.Bill.TotalCharges) || !res.Bill.TotalCharges.IsPositive() {
				t.Errorf("expected the booked charge on the bill, got total %s", res.Bill.TotalCharges)
			}
		})
	}
}

func TestDischarge_ConcurrentSummaryInstantWins(t *testing.T) {
	f := newFixture()
	earlier := dischargeTime.Add(-24 * time.Hour)
	rival := newSummary(f.adm, f.request(), earlier)
	f.repo.concurrent = rival

	req := f.request()
	req.ChargeBed = true
	res, err := f.orch.Discharge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Bill.DischargedAt.Equal(earlier) {
		t.Errorf("expected the stored summary's instant %s, got %s", earlier, res.Bill.DischargedAt)
	}
	// 26 hours -> 2 days
	if res.Bill.StayDays != 2 {
		t.Errorf("expected 2 stay days, got %d", res.Bill.StayDays)
	}
	assertMoney(t, "bed charge", res.Bill.BedCharge, "2000")
	beds := f.ledger.byKey(EntryKey(f.adm.ID, kindBed))
	if len(beds) != 1 {
		t.Fatalf("expected one bed entry, got %d", len(beds))
	}
	assertMoney(t, "bed entry", beds[0].Amount, "2000")
}

func TestDischarge_CancelledPaymentNotCounted(t *testing.T) {
	f := newFixture()
	f.ledger.add(f.adm.PatientID, ledger.CategoryProcedure, 4000)
	f.admissions.failures = 1

	req := f.request()
	req.FinalPayment = money("4000")
	req.PaymentMode = cashMode()
	if _, err := f.orch.Discharge(context.Background(), req); !ward.IsPartialDischarge(err) {
		t.Fatalf("expected partial failure, got %v", err)
	}

	// The billing desk cancels the payment before the discharge is resumed.
	f.ledger.setStatus(EntryKey(f.adm.ID, kindFinalPayment), ledger.StatusCancelled)

	_, err := f.orch.Discharge(context.Background(), req)
	var pe *ward.PartialDischargeError
	if !errors.As(err, &pe) || pe.Step != ward.StepFinalPayment {
		t.Fatalf("expected partial failure at step %d, got %v", ward.StepFinalPayment, err)
	}
	if !strings.Contains(err.Error(), "CANCELLED") {
		t.Errorf("expected the cancelled status in the cause, got %v", err)
	}
	if f.admissionStatus() != admission.StatusActive {
		t.Error("admission must not be discharged on a bill the ledger no longer supports")
	}
}

func TestDischarge_AdmissionFailureThenResume(t *testing.T) {
	f := newFixture()
	f.ledger.add(f.adm.PatientID, ledger.CategoryOther, 100)
	f.admissions.failures = 1

	_, err := f.orch.Discharge(context.Background(), f.request())
	var pe *ward.PartialDischargeError
	if !errors.As(err, &pe) || pe.Step != ward.StepAdmission {
		t.Fatalf("expected partial failure at step %d, got %v", ward.StepAdmission, err)
	}

	res, err := f.orch.Discharge(context.Background(), f.request())
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if res.Admission.Status != admission.StatusDischarged {
		t.Errorf("expected DISCHARGED, got %s", res.Admission.Status)
	}
	if res.Admission.DischargedAt == nil || !res.Admission.DischargedAt.Equal(res.Bill.DischargedAt) {
		t.Error("admission must take the bill's discharge instant")
	}
}

func TestDischarge_BedReleaseFailureThenResume(t *testing.T) {
	f := newFixture()
	f.beds.failures = 1

	_, err := f.orch.Discharge(context.Background(), f.request())
	var pe *ward.PartialDischargeError
	if !errors.As(err, &pe) || pe.Step != ward.StepBedRelease {
		t.Fatalf("expected partial failure at step %d, got %v", ward.StepBedRelease, err)
	}
	if f.admissionStatus() != admission.StatusDischarged {
		t.Fatal("admission should already be DISCHARGED")
	}
	if f.beds.status(f.adm.BedID) != bed.StatusOccupied {
		t.Fatal("bed should still be held")
	}

	res, err := f.orch.Discharge(context.Background(), f.request())
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !res.AlreadyDischarged {
		t.Error("expected the already-discharged path")
	}
	if f.beds.status(f.adm.BedID) != bed.StatusAvailable {
		t.Error("expected bed released on resume")
	}
}

func TestDischarge_CallerCancellationAfterStart(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.orch.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	f.repo.billErrs = []error{context.DeadlineExceeded}

	// Cancel once the summary is being written; the saga must still finish.
	f.orch.now = func() time.Time {
		cancel()
		return dischargeTime
	}
	if _, err := f.orch.Discharge(ctx, f.request()); err != nil {
		t.Fatalf("expected discharge to run to completion, got %v", err)
	}
	if f.admissionStatus() != admission.StatusDischarged {
		t.Error("expected DISCHARGED")
	}
}

func TestDischarge_NotFound(t *testing.T) {
	f := newFixture()
	req := f.request()
	req.AdmissionID = uuid.New()
	if _, err := f.orch.Discharge(context.Background(), req); !errors.Is(err, ward.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPreview_NoWrites(t *testing.T) {
	f := newFixture()
	f.ledger.add(f.adm.PatientID, ledger.CategoryMedicine, 2500)
	req := f.request()
	req.ChargeBed = true
	req.Discount = money("500")

	r, err := f.orch.Preview(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertMoney(t, "total", r.TotalCharges, "5500")
	assertMoney(t, "net", r.NetAmount, "5000")
	if len(f.repo.summaries) != 0 || len(f.ledger.entries) != 1 {
		t.Error("preview must not write")
	}
}

func TestPreview_BilledAdmissionReturnsBill(t *testing.T) {
	f := newFixture()
	f.ledger.add(f.adm.PatientID, ledger.CategoryMedicine, 2500)
	if _, err := f.orch.Discharge(context.Background(), f.request()); err != nil {
		t.Fatal(err)
	}
	f.ledger.add(f.adm.PatientID, ledger.CategoryMedicine, 999)

	r, err := f.orch.Preview(context.Background(), f.request())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertMoney(t, "total", r.TotalCharges, "2500")
}

func TestGet(t *testing.T) {
	f := newFixture()
	if _, err := f.orch.Get(context.Background(), f.adm.ID); !errors.Is(err, ward.ErrNotFound) {
		t.Errorf("expected ErrNotFound before discharge, got %v", err)
	}
	if _, err := f.orch.Discharge(context.Background(), f.request()); err != nil {
		t.Fatal(err)
	}
	res, err := f.orch.Get(context.Background(), f.adm.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Summary == nil || res.Bill == nil || !res.AlreadyDischarged {
		t.Errorf("expected summary and bill, got %+v", res)
	}
}

func TestIDsAreDeterministic(t *testing.T) {
	id := uuid.New()
	if SummaryID(id) != SummaryID(id) || BillID(id) != BillID(id) {
		t.Error("ids must be stable for an admission")
	}
	if SummaryID(id) == BillID(id) {
		t.Error("summary and bill ids must differ")
	}
	if SummaryID(id) == SummaryID(uuid.New()) {
		t.Error("ids must differ across admissions")
	}
}

func TestKeyedLock_Serializes(t *testing.T) {
	k := newKeyedLock()
	id := uuid.New()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(id)
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("expected one holder at a time, saw %d", maxSeen)
	}
	if k.size() != 0 {
		t.Errorf("expected empty lock table, got %d", k.size())
	}
}
