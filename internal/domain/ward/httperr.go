package ward

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPError maps the error taxonomy onto API responses so every handler
// reports the same failure the same way.
func HTTPError(err error) *echo.HTTPError {
	var (
		verr    *ValidationError
		cerr    *ConstraintError
		partial *PartialDischargeError
		herr    *echo.HTTPError
	)
	switch {
	case errors.As(err, &herr):
		return herr
	case errors.As(err, &partial):
		body := map[string]interface{}{
			"error":        "discharge incomplete: resume required",
			"code":         "DISCHARGE_INCOMPLETE",
			"resumable":    partial.Resumable(),
			"step":         partial.Step,
			"step_name":    StepName(partial.Step),
			"admission_id": partial.AdmissionID,
			"cause":        partial.Err.Error(),
		}
		if partial.SummaryID != nil {
			body["summary_id"] = *partial.SummaryID
		}
		if partial.BillID != nil {
			body["bill_id"] = *partial.BillID
		}
		if errors.As(partial.Err, &cerr) {
			body["rejected_value"] = cerr.Value
			body["accepted_values"] = cerr.Accepted
		}
		return echo.NewHTTPError(http.StatusInternalServerError, body)
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"error": verr.Error(),
			"code":  "VALIDATION_FAILED",
			"field": verr.Field,
		})
	case errors.As(err, &cerr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"error":           cerr.Error(),
			"code":            "CONSTRAINT_REJECTED",
			"field":           cerr.Field,
			"rejected_value":  cerr.Value,
			"accepted_values": cerr.Accepted,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrBedUnavailable):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"error": err.Error(), "code": "BED_UNAVAILABLE",
		})
	case errors.Is(err, ErrPatientAlreadyAdmitted):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"error": err.Error(), "code": "PATIENT_ALREADY_ADMITTED",
		})
	case errors.Is(err, ErrAlreadyDischarged):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"error": err.Error(), "code": "ALREADY_DISCHARGED",
		})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
