package discharge

import (
	"net/http"

	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/ehr/ipd/internal/platform/auth"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("billing", "nurse", "physician", "registrar"))
	read.GET("/admissions/:id/discharge", h.GetDischarge)

	billing := api.Group("", auth.RequireRole("billing"))
	billing.POST("/admissions/:id/settlement", h.PreviewSettlement)
	billing.POST("/admissions/:id/discharge", h.Discharge)
}

func (h *Handler) bindRequest(c echo.Context) (Request, error) {
	var req Request
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := c.Bind(&req); err != nil {
		return req, ward.HTTPError(err)
	}
	req.AdmissionID = id
	return req, nil
}

// Discharge runs or resumes the discharge saga. Re-submitting the same body
// after a DISCHARGE_INCOMPLETE response resumes it.
func (h *Handler) Discharge(c echo.Context) error {
	req, err := h.bindRequest(c)
	if err != nil {
		return err
	}
	res, err := h.orch.Discharge(c.Request().Context(), req)
	if err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) PreviewSettlement(c echo.Context) error {
	req, err := h.bindRequest(c)
	if err != nil {
		return err
	}
	res, err := h.orch.Preview(c.Request().Context(), req)
	if err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"settlement": res,
		"due":        res.Due(),
		"excess":     res.Excess(),
	})
}

func (h *Handler) GetDischarge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.orch.Get(c.Request().Context(), id)
	if err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}
