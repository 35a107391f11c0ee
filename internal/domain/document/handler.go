package document

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/domain/encounter"
	"github.com/lims/lims/internal/platform/auth"
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
	readGroup.GET("/encounters/:id/documents", h.ListByEncounter)
	readGroup.GET("/documents/:documentId", h.GetDocument)
	readGroup.GET("/documents/:documentId/pdf", h.DownloadPDF)

	// Publishing – pathologists
	publishGroup := api.Group("", auth.RequireRole(auth.RolePathologist))
	publishGroup.POST("/encounters/:id/publish-report", h.PublishReport)
}

// PublishReport answers 202: rendering happens out of band.
func (h *Handler) PublishReport(c echo.Context) error {
	id, err := encounter.ParseID(c, "id")
	if err != nil {
		return err
	}
	res, err := h.svc.PublishReport(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, res)
}

func (h *Handler) ListByEncounter(c echo.Context) error {
	id, err := encounter.ParseID(c, "id")
	if err != nil {
		return err
	}
	docs, err := h.svc.ListByEncounter(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []*Document{}
	}
	return c.JSON(http.StatusOK, docs)
}

func (h *Handler) GetDocument(c echo.Context) error {
	id, err := encounter.ParseID(c, "documentId")
	if err != nil {
		return err
	}
	doc, err := h.svc.GetDocument(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) DownloadPDF(c echo.Context) error {
	id, err := encounter.ParseID(c, "documentId")
	if err != nil {
		return err
	}
	doc, data, err := h.svc.OpenPDF(c.Request().Context(), id)
	if err != nil {
		return err
	}
	c.Response().Header().Set("Content-Disposition", `inline; filename="`+doc.ID.String()+`.pdf"`)
	c.Response().Header().Set("Content-Length", strconv.Itoa(len(data)))
	c.Response().Header().Set("ETag", `"`+doc.PDFHash+`"`)
	return c.Blob(http.StatusOK, "application/pdf", data)
}
