package admission

import (
	"net/http"
	"strings"

	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/ehr/ipd/internal/platform/auth"
	"github.com/ehr/ipd/pkg/pagination"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("registrar", "nurse", "billing", "physician"))
	read.GET("/admissions", h.ListAdmissions)
	read.GET("/admissions/:id", h.GetAdmission)
	read.GET("/patients/:patient_id/admission", h.GetActiveAdmission)

	write := api.Group("", auth.RequireRole("registrar", "nurse"))
	write.POST("/admissions", h.CreateAdmission)
}

func (h *Handler) CreateAdmission(c echo.Context) error {
	var req AdmitRequest
	if err := c.Bind(&req); err != nil {
		return ward.HTTPError(err)
	}
	a, err := h.svc.Admit(c.Request().Context(), req)
	if err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAdmission(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// GetActiveAdmission returns the patient's ACTIVE admission, or 404 when the
// patient is not in a bed.
func (h *Handler) GetActiveAdmission(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	a, err := h.svc.ActiveForPatient(c.Request().Context(), patientID)
	if err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAdmissions(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{Status: Status(strings.ToUpper(c.QueryParam("status")))}
	if p := c.QueryParam("patient_id"); p != "" {
		id, err := uuid.Parse(p)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = id
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
