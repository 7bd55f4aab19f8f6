// Package settlement computes the financial outcome of an in-patient stay.
// Everything here is pure: callers load ledger entries and pass them in.
package settlement

import (
	"time"

	"github.com/ehr/ipd/internal/domain/ledger"
	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/shopspring/decimal"
)

// ManualCharges are entered by the billing desk at discharge.
type ManualCharges struct {
	DoctorFee  decimal.Decimal `json:"doctor_fee"`
	Nursing    decimal.Decimal `json:"nursing"`
	Medicine   decimal.Decimal `json:"medicine"`
	Diagnostic decimal.Decimal `json:"diagnostic"`
	Operation  decimal.Decimal `json:"operation"`
	Other      decimal.Decimal `json:"other"`
}

// Item is one manual charge line with the ledger category it is booked under.
type Item struct {
	Kind     string
	Category ledger.Category
	Amount   decimal.Decimal
}

// Items lists the manual charges in booking order, zero amounts included.
func (m ManualCharges) Items() []Item {
	return []Item{
		{Kind: "doctor-fee", Category: ledger.CategoryConsultation, Amount: m.DoctorFee},
		{Kind: "nursing", Category: ledger.CategoryNursing, Amount: m.Nursing},
		{Kind: "medicine", Category: ledger.CategoryMedicine, Amount: m.Medicine},
		{Kind: "diagnostic", Category: ledger.CategoryDiagnostic, Amount: m.Diagnostic},
		{Kind: "operation", Category: ledger.CategoryProcedure, Amount: m.Operation},
		{Kind: "other", Category: ledger.CategoryOther, Amount: m.Other},
	}
}

func (m ManualCharges) Total() decimal.Decimal {
	return ward.Sum(m.DoctorFee, m.Nursing, m.Medicine, m.Diagnostic, m.Operation, m.Other)
}

// BedCharge is the optional manual accommodation charge, rate × days.
type BedCharge struct {
	Rate decimal.Decimal
	Days int
}

func (b *BedCharge) Amount() decimal.Decimal {
	if b == nil || b.Days <= 0 {
		return decimal.Zero
	}
	return ward.Round(b.Rate.Mul(decimal.NewFromInt(int64(b.Days))))
}

type Input struct {
	// Entries are the patient's ledger entries. Only COMPLETED entries created
	// at or after Since are counted.
	Entries          []*ledger.Entry
	Since            time.Time
	Manual           ManualCharges
	BedCharge        *BedCharge
	Discount         decimal.Decimal
	InsuranceCovered decimal.Decimal
	FinalPayment     decimal.Decimal
}

// Validate rejects negative manual inputs. It does not reject a discount or
// insurance amount larger than the charges: that produces a negative net,
// which is the refund path.
func (in Input) Validate() error {
	checks := []struct {
		field string
		v     decimal.Decimal
	}{
		{"doctor_fee", in.Manual.DoctorFee},
		{"nursing", in.Manual.Nursing},
		{"medicine", in.Manual.Medicine},
		{"diagnostic", in.Manual.Diagnostic},
		{"operation", in.Manual.Operation},
		{"other", in.Manual.Other},
		{"discount", in.Discount},
		{"insurance_covered", in.InsuranceCovered},
		{"final_payment", in.FinalPayment},
	}
	for _, c := range checks {
		if err := ward.NonNegative(c.field, c.v); err != nil {
			return err
		}
	}
	if in.BedCharge != nil {
		if err := ward.NonNegative("daily_rate", in.BedCharge.Rate); err != nil {
			return err
		}
	}
	return nil
}

type Result struct {
	ExistingCharges   decimal.Decimal `json:"existing_charges"`
	PriorPayments     decimal.Decimal `json:"prior_payments"`
	ManualCharges     decimal.Decimal `json:"manual_charges"`
	BedCharge         decimal.Decimal `json:"bed_charge"`
	AdditionalCharges decimal.Decimal `json:"additional_charges"`
	TotalCharges      decimal.Decimal `json:"total_charges"`
	Discount          decimal.Decimal `json:"discount"`
	InsuranceCovered  decimal.Decimal `json:"insurance_covered"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	FinalPayment      decimal.Decimal `json:"final_payment"`
	TotalPaid         decimal.Decimal `json:"total_paid"`
	Balance           decimal.Decimal `json:"balance"`
}

// Calculate never clamps. A negative NetAmount or Balance means money is owed
// back to the patient.
func Calculate(in Input) Result {
	var r Result
	r.ExistingCharges = decimal.Zero
	r.PriorPayments = decimal.Zero
	for _, e := range in.Entries {
		if e.Status != ledger.StatusCompleted || e.CreatedAt.Before(in.Since) {
			continue
		}
		switch {
		case e.Category.IsCharge() && e.Amount.IsPositive():
			r.ExistingCharges = r.ExistingCharges.Add(e.Amount)
		case e.Category.IsPayment():
			r.PriorPayments = r.PriorPayments.Add(e.Amount)
		}
	}

	r.ManualCharges = ward.Round(in.Manual.Total())
	r.BedCharge = in.BedCharge.Amount()
	r.AdditionalCharges = r.ManualCharges.Add(r.BedCharge)
	r.TotalCharges = r.ExistingCharges.Add(r.AdditionalCharges)

	r.Discount = ward.Round(in.Discount)
	r.InsuranceCovered = ward.Round(in.InsuranceCovered)
	r.NetAmount = r.TotalCharges.Sub(r.Discount).Sub(r.InsuranceCovered)

	r.FinalPayment = ward.Round(in.FinalPayment)
	r.TotalPaid = r.PriorPayments.Add(r.FinalPayment)
	r.Balance = r.NetAmount.Sub(r.TotalPaid)
	return r
}

// Due is the amount still owed by the patient, zero when settled or in credit.
func (r Result) Due() decimal.Decimal {
	if r.Balance.IsPositive() {
		return r.Balance
	}
	return decimal.Zero
}

// Excess is the amount owed back to the patient.
func (r Result) Excess() decimal.Decimal {
	if r.Balance.IsNegative() {
		return r.Balance.Neg()
	}
	return decimal.Zero
}
