package ward

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrBedUnavailable         = errors.New("bed unavailable")
	ErrPatientAlreadyAdmitted = errors.New("patient already has an active admission")
	ErrAlreadyDischarged      = errors.New("admission already discharged")
)

// ValidationError is a caller-correctable input defect. It is reported
// verbatim and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("validation failed: %s", e.Field)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Invalid builds a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Required reports a missing mandatory field.
func Required(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}

// ConstraintError means the store refused a write because an enumerated value
// fell outside the set its CHECK constraint accepts.
type ConstraintError struct {
	Constraint string
	Field      string
	Value      string
	Accepted   []string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("store rejected %s=%q (constraint %s); accepted values: %s",
		e.Field, e.Value, e.Constraint, strings.Join(e.Accepted, ", "))
}

// Discharge step indices in execution order.
const (
	StepValidate = iota + 1
	StepSummary
	StepCharges
	StepBill
	StepFinalPayment
	StepAdmission
	StepBedRelease
)

var stepNames = map[int]string{
	StepValidate:     "validate",
	StepSummary:      "discharge_summary",
	StepCharges:      "supplementary_charges",
	StepBill:         "discharge_bill",
	StepFinalPayment: "final_payment",
	StepAdmission:    "admission_transition",
	StepBedRelease:   "bed_release",
}

// StepName returns the label used in logs, metrics and API responses.
func StepName(step int) string {
	if n, ok := stepNames[step]; ok {
		return n
	}
	return fmt.Sprintf("step_%d", step)
}

// PartialDischargeError is returned when a discharge step failed after the
// saga started writing. It carries what a later call needs to resume.
type PartialDischargeError struct {
	Step        int
	AdmissionID uuid.UUID
	SummaryID   *uuid.UUID
	BillID      *uuid.UUID
	Err         error
}

func (e *PartialDischargeError) Error() string {
	return fmt.Sprintf("discharge incomplete: resume required (step %d %s): %v", e.Step, StepName(e.Step), e.Err)
}

func (e *PartialDischargeError) Unwrap() error { return e.Err }

// Resumable is always true; a partial discharge is carried forward, never
// rolled back.
func (e *PartialDischargeError) Resumable() bool { return true }

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsPartialDischarge reports whether err is a resumable discharge failure.
func IsPartialDischarge(err error) bool {
	var p *PartialDischargeError
	return errors.As(err, &p)
}
