package bed

import (
	"net/http"

	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/ehr/ipd/internal/platform/auth"
	"github.com/ehr/ipd/pkg/pagination"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type Handler struct {
	registry *Registry
}

func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "registrar", "nurse", "billing"))
	read.GET("/beds", h.ListBeds)
	read.GET("/beds/:id", h.GetBed)

	write := api.Group("", auth.RequireRole("admin"))
	write.POST("/beds", h.CreateBed)
}

type createBedRequest struct {
	Code         string            `json:"code"`
	WardName     *string           `json:"ward_name"`
	RoomCategory ward.RoomCategory `json:"room_category"`
	DailyRate    decimal.Decimal   `json:"daily_rate"`
}

func (h *Handler) CreateBed(c echo.Context) error {
	var req createBedRequest
	if err := c.Bind(&req); err != nil {
		return ward.HTTPError(err)
	}
	b := &Bed{
		Code:         req.Code,
		WardName:     req.WardName,
		RoomCategory: req.RoomCategory,
		DailyRate:    req.DailyRate,
	}
	if err := h.registry.Register(c.Request().Context(), b); err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBed(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.registry.Get(c.Request().Context(), id)
	if err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBeds(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{Status: Status(c.QueryParam("status"))}
	if cat := c.QueryParam("room_category"); cat != "" {
		parsed, err := ward.ParseRoomCategory(cat)
		if err != nil {
			return ward.HTTPError(err)
		}
		f.RoomCategory = parsed
	}
	beds, total, err := h.registry.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return ward.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(beds, total, pg.Limit, pg.Offset))
}
