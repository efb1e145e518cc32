package doctor

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/docbook/booking/internal/platform/auth"
	"github.com/docbook/booking/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	read.GET("/doctors", h.ListDoctors)
	read.GET("/doctors/:id", h.GetDoctor)

	write := api.Group("", auth.RequireRole(auth.RoleAdmin))
	write.PUT("/doctors/:id", h.UpsertDoctor)
	write.PUT("/doctors/:id/availability", h.SetAvailability)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// ListDoctors handles GET /doctors[?speciality=].
func (h *Handler) ListDoctors(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), c.QueryParam("speciality"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "doctor feed unavailable")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, "doctor feed unavailable")
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) UpsertDoctor(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var d Doctor
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d.ID = id
	if err := h.svc.Upsert(c.Request().Context(), &d); err != nil {
		if errors.Is(err, ErrInvalid) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, "doctor feed unavailable")
	}
	return c.JSON(http.StatusOK, &d)
}

type availabilityRequest struct {
	Available *bool `json:"available"`
}

func (h *Handler) SetAvailability(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req availabilityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Available == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "available is required")
	}
	if err := h.svc.SetAvailability(c.Request().Context(), id, *req.Available); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, "doctor feed unavailable")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": id, "available": *req.Available})
}
