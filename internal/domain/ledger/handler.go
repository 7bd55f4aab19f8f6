package ledger

import (
	"net/http"
	"strings"

	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/ehr/ipd/internal/platform/auth"
	"github.com/ehr/ipd/pkg/pagination"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("billing", "nurse", "physician"))
	read.GET("/ledger", h.ListEntries)
	read.GET("/ledger/:id", h.GetEntry)

	write := api.Group("", auth.RequireRole("billing", "nurse"))
	write.POST("/ledger", h.CreateEntry)

	billing := api.Group("", auth.RequireRole("billing"))
	billing.PATCH("/ledger/:id/status", h.UpdateStatus)
}

type createEntryRequest struct {
	PatientID      uuid.UUID       `json:"patient_id"`
	AdmissionID    *uuid.UUID      `json:"admission_id"`
	Category       Category        `json:"category"`
	Amount         decimal.Decimal `json:"amount"`
	PaymentMode    *PaymentMode    `json:"payment_mode"`
	Status         Status          `json:"status"`
	Description    *string         `json:"description"`
	Reference      *string         `json:"reference"`
	IdempotencyKey *string         `json:"idempotency_key"`
}

func (h *Handler) CreateEntry(c echo.Context) error {
	var req createEntryRequest
	if err := c.Bind(&req); err != nil {
		return ward.HTTPError(err)
	}
	e := &Entry{
		PatientID:      req.PatientID,
		AdmissionID:    req.AdmissionID,
		Category:       req.Category,
		Amount:         req.Amount,
		PaymentMode:    req.PaymentMode,
		Status:         Status(strings.ToUpper(string(req.Status))),
		Description:    req.Description,
		Reference:      req.Reference,
	}
	// Client keys are namespaced apart from the keys the discharge writes.
	key := c.Request().Header.Get("Idempotency-Key")
	if req.IdempotencyKey != nil && strings.TrimSpace(*req.IdempotencyKey) != "" {
		key = strings.TrimSpace(*req.IdempotencyKey)
	}
	if key != "" {
		k := "api:" + key
		e.IdempotencyKey = &k
	}
	stored, err := h.svc.Append(c.Request().Context(), e)
	if err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, stored)
}

func (h *Handler) GetEntry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ListEntries(c echo.Context) error {
	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Status Status `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return ward.HTTPError(err)
	}
	e, err := h.svc.UpdateStatus(c.Request().Context(), id, body.Status)
	if err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}
