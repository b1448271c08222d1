package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/concert-seat-reservation/internal/service"
)

// CatalogHandler serves the public browse endpoints.  None of them need a
// token.  The responses are sanitized: seat holders and hold deadlines
// are never exposed, only whether a seat can currently be claimed.
type CatalogHandler struct {
	catalog *service.Catalog
	log     logrus.FieldLogger
}

func NewCatalogHandler(cat *service.Catalog, log logrus.FieldLogger) *CatalogHandler {
	return &CatalogHandler{catalog: cat, log: log}
}

// ListConcerts: GET /v1/concerts[?page=&page_size=].
func (h *CatalogHandler) ListConcerts(c echo.Context) error {
	// invalid or missing values fall back to the defaults in Page
	num, _ := strconv.Atoi(c.QueryParam("page"))
	size, _ := strconv.Atoi(c.QueryParam("page_size"))
	items, total, page, err := h.catalog.ListConcertsPage(c.Request().Context(), service.Page{Number: num, Size: size})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"items":     items,
		"total":     total,
		"page":      page.Number,
		"page_size": page.Size,
	})
}

// GetConcert: GET /v1/concerts/:id, with schedules and their availability.
func (h *CatalogHandler) GetConcert(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid concert id")
	}
	detail, err := h.catalog.GetConcert(c.Request().Context(), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// GetSchedule: GET /v1/schedules/:id.
func (h *CatalogHandler) GetSchedule(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid schedule id")
	}
	detail, err := h.catalog.GetSchedule(c.Request().Context(), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// Seats: GET /v1/schedules/:id/seats.
func (h *CatalogHandler) Seats(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid schedule id")
	}
	seats, err := h.catalog.Seats(c.Request().Context(), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"scheduleId": id, "seats": seats})
}
