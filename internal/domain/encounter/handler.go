package encounter

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleLabTechnician, auth.RolePathologist))
	readGroup.GET("/encounters", h.ListEncounters)
	readGroup.GET("/encounters/:id", h.GetEncounter)
	readGroup.GET("/encounters/:id/status-history", h.GetStatusHistory)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleClinician))
	writeGroup.POST("/encounters", h.CreateEncounter)
	writeGroup.POST("/encounters/:id/cancel", h.CancelEncounter)
}

// ParseID reads a uuid path parameter.
func ParseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid %s", name)
	}
	return id, nil
}

type createRequest struct {
	PatientID string `json:"patient_id"`
	Type      string `json:"type"`
}

func (h *Handler) CreateEncounter(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	enc := &Encounter{PatientID: req.PatientID, Type: req.Type}
	if err := h.svc.CreateEncounter(c.Request().Context(), enc); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, enc)
}

func (h *Handler) GetEncounter(c echo.Context) error {
	id, err := ParseID(c, "id")
	if err != nil {
		return err
	}
	enc, err := h.svc.GetEncounter(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) ListEncounters(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		PatientID: c.QueryParam("patient_id"),
		Status:    c.QueryParam("status"),
		Type:      c.QueryParam("type"),
	}
	encs, total, err := h.svc.ListEncounters(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(encs, total, pg))
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	id, err := ParseID(c, "id")
	if err != nil {
		return err
	}
	history, err := h.svc.GetStatusHistory(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}

func (h *Handler) CancelEncounter(c echo.Context) error {
	id, err := ParseID(c, "id")
	if err != nil {
		return err
	}
	enc, err := h.svc.CancelEncounter(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}
