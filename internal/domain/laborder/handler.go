package laborder

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/domain/encounter"
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
	// Read endpoints – every lab role
	readGroup := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleLabTechnician, auth.RolePathologist))
	readGroup.GET("/lab/tests", h.ListTests)
	readGroup.GET("/lab/tests/:testId", h.GetTest)
	readGroup.GET("/encounters/:id/lab/items", h.ListItems)
	readGroup.GET("/lab/items/:itemId", h.GetItem)
	readGroup.GET("/lab/items/:itemId/history", h.GetItemHistory)

	// Order entry – clinicians
	orderGroup := api.Group("", auth.RequireRole(auth.RoleClinician))
	orderGroup.POST("/encounters/:id/lab/items", h.AddTest)
	orderGroup.DELETE("/encounters/:id/lab/items/:itemId", h.RemoveTest)

	// Bench work – lab technicians
	benchGroup := api.Group("", auth.RequireRole(auth.RoleLabTechnician))
	benchGroup.POST("/lab/items/:itemId/sample/collect", h.CollectSample)
	benchGroup.POST("/lab/items/:itemId/sample/receive", h.ReceiveSample)
	benchGroup.PUT("/lab/items/:itemId/results", h.EnterResults)

	// Sign-off – pathologists
	signGroup := api.Group("", auth.RequireRole(auth.RolePathologist))
	signGroup.POST("/lab/items/:itemId/verify", h.Verify)
	signGroup.POST("/encounters/:id/finalize", h.Finalize)

	// Catalog bootstrap – admin only
	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/lab/tests", h.CreateTest)
}

// -- Catalog --

type parameterRequest struct {
	Name          string   `json:"name"`
	Unit          string   `json:"unit"`
	ReferenceLow  *float64 `json:"reference_low"`
	ReferenceHigh *float64 `json:"reference_high"`
	ReferenceText string   `json:"reference_text"`
	SortOrder     int      `json:"sort_order"`
}

type createTestRequest struct {
	Code       string             `json:"code"`
	Name       string             `json:"name"`
	Active     *bool              `json:"active"`
	Parameters []parameterRequest `json:"parameters"`
}

func (h *Handler) CreateTest(c echo.Context) error {
	var req createTestRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	t := &LabTest{Code: req.Code, Name: req.Name, Active: req.Active == nil || *req.Active}
	for _, p := range req.Parameters {
		t.Parameters = append(t.Parameters, &Parameter{
			Name:          p.Name,
			Unit:          p.Unit,
			ReferenceLow:  p.ReferenceLow,
			ReferenceHigh: p.ReferenceHigh,
			ReferenceText: p.ReferenceText,
			SortOrder:     p.SortOrder,
		})
	}
	if err := h.svc.CreateTest(c.Request().Context(), t); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTest(c echo.Context) error {
	id, err := encounter.ParseID(c, "testId")
	if err != nil {
		return err
	}
	t, err := h.svc.GetTest(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTests(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly := true
	if v := c.QueryParam("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return apperr.Validation("invalid active flag")
		}
		activeOnly = b
	}
	tests, total, err := h.svc.ListTests(c.Request().Context(), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(tests, total, pg))
}

// -- Order items --

type addTestRequest struct {
	TestID uuid.UUID `json:"test_id"`
}

func (h *Handler) AddTest(c echo.Context) error {
	encID, err := encounter.ParseID(c, "id")
	if err != nil {
		return err
	}
	var req addTestRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	if req.TestID == uuid.Nil {
		return apperr.Validation("test_id is required")
	}
	item, err := h.svc.AddTest(c.Request().Context(), encID, req.TestID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, item)
}

func (h *Handler) RemoveTest(c echo.Context) error {
	encID, err := encounter.ParseID(c, "id")
	if err != nil {
		return err
	}
	itemID, err := encounter.ParseID(c, "itemId")
	if err != nil {
		return err
	}
	if err := h.svc.RemoveTest(c.Request().Context(), encID, itemID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListItems(c echo.Context) error {
	encID, err := encounter.ParseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListItems(c.Request().Context(), encID)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*OrderItem{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetItem(c echo.Context) error {
	return h.itemAction(c, h.svc.GetItem)
}

func (h *Handler) GetItemHistory(c echo.Context) error {
	itemID, err := encounter.ParseID(c, "itemId")
	if err != nil {
		return err
	}
	history, err := h.svc.GetItemHistory(c.Request().Context(), itemID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}

func (h *Handler) CollectSample(c echo.Context) error {
	return h.itemAction(c, h.svc.CollectSample)
}

func (h *Handler) ReceiveSample(c echo.Context) error {
	return h.itemAction(c, h.svc.ReceiveSample)
}

func (h *Handler) Verify(c echo.Context) error {
	return h.itemAction(c, h.svc.Verify)
}

type resultsRequest struct {
	Complete bool          `json:"complete"`
	Results  []ResultInput `json:"results"`
}

func (h *Handler) EnterResults(c echo.Context) error {
	itemID, err := encounter.ParseID(c, "itemId")
	if err != nil {
		return err
	}
	var req resultsRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	item, err := h.svc.EnterResults(c.Request().Context(), itemID, req.Results, req.Complete)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) Finalize(c echo.Context) error {
	encID, err := encounter.ParseID(c, "id")
	if err != nil {
		return err
	}
	enc, err := h.svc.Finalize(c.Request().Context(), encID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) itemAction(c echo.Context, fn func(ctx context.Context, id uuid.UUID) (*OrderItem, error)) error {
	itemID, err := encounter.ParseID(c, "itemId")
	if err != nil {
		return err
	}
	item, err := fn(c.Request().Context(), itemID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}
