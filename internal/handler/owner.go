package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/concert-seat-reservation/internal/service"
)

// CacheInvalidator drops cached catalog responses after owner writes.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// OwnerHandler bundles the services owners use to manage the catalog and
// operate the reservation ledger.  All routes are mounted under
// /v1/owner and require a token carrying the OWNER role.  Writes that
// change what the public catalog shows drop the cached catalog pages
// afterwards; a failed invalidation is logged and does not fail the
// request, since cached pages expire on their own.
type OwnerHandler struct {
	catalog     *service.Catalog
	coordinator *service.PaymentCoordinator
	ledger      *service.SeatLedger
	sweeper     *service.Sweeper
	cache       CacheInvalidator // optional
	log         logrus.FieldLogger
}

// NewOwnerHandler panics if a service is missing; cache may be nil.
func NewOwnerHandler(cat *service.Catalog, pc *service.PaymentCoordinator, ledger *service.SeatLedger, sw *service.Sweeper, cache CacheInvalidator, log logrus.FieldLogger) *OwnerHandler {
	if cat == nil || pc == nil || ledger == nil || sw == nil {
		panic("nil service passed to NewOwnerHandler")
	}
	return &OwnerHandler{catalog: cat, coordinator: pc, ledger: ledger, sweeper: sw, cache: cache, log: log}
}

// scheduleReq is the body of POST /v1/owner/concerts/:id/schedules.
type scheduleReq struct {
	StartsAt time.Time      `json:"concertDate"`
	Layout   service.Layout `json:"layout"`
}

type seatPriceReq struct {
	Price *int64 `json:"price"` // pointer so a missing price is told apart from 0
}

func (h *OwnerHandler) invalidate(c echo.Context) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(c.Request().Context()); err != nil {
		h.log.WithError(err).Warn("catalog cache invalidation failed")
	}
}

// CreateConcert: POST /v1/owner/concerts.
func (h *OwnerHandler) CreateConcert(c echo.Context) error {
	// bind request body
	var in service.ConcertInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "invalid body")
	}
	con, err := h.catalog.CreateConcert(c.Request().Context(), in)
	if err != nil {
		return writeError(c, h.log, err)
	}
	h.invalidate(c)
	return c.JSON(http.StatusCreated, con)
}

// CreateSchedule adds a performance with its whole seat layout:
// POST /v1/owner/concerts/:id/schedules.  The layout lists rows of seats
// with their grade and price; every seat starts AVAILABLE and the
// schedule's available count equals the number of seats created.
func (h *OwnerHandler) CreateSchedule(c echo.Context) error {
	concertID, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid concert id")
	}
	var req scheduleReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	// ensure concert exists and layout is valid (both checked in the service)
	sc, err := h.catalog.CreateSchedule(c.Request().Context(), concertID, req.StartsAt, req.Layout)
	if err != nil {
		return writeError(c, h.log, err)
	}
	h.invalidate(c)
	return c.JSON(http.StatusCreated, sc)
}

// UpdateSeatPrice: PATCH /v1/owner/seats/:id/price.  Existing holds keep
// the price they locked in; only later claims see the new one.
func (h *OwnerHandler) UpdateSeatPrice(c echo.Context) error {
	seatID, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid seat id")
	}
	var req seatPriceReq
	if err := c.Bind(&req); err != nil || req.Price == nil {
		return badRequest(c, "price is required")
	}
	if err := h.catalog.UpdateSeatPrice(c.Request().Context(), seatID, *req.Price); err != nil {
		return writeError(c, h.log, err)
	}
	h.invalidate(c)
	return c.JSON(http.StatusOK, echo.Map{"seatId": seatID, "price": *req.Price})
}

// CancelReservation cancels any reservation, refunding it when paid:
// DELETE /v1/owner/reservations/:id.
func (h *OwnerHandler) CancelReservation(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid reservation id")
	}
	// user id 0 with the override flag skips the ownership check
	res, err := h.coordinator.CancelAndRefund(c.Request().Context(), id, 0, true)
	if err != nil {
		return writeError(c, h.log, err)
	}
	h.invalidate(c)
	return c.JSON(http.StatusOK, toReservationResp(res))
}

// Audit lists seats whose status disagrees with their live reservations:
// GET /v1/owner/audit.
func (h *OwnerHandler) Audit(c echo.Context) error {
	v, err := h.ledger.Audit(c.Request().Context())
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"violations": v, "count": len(v)})
}

// Sweep runs one sweeper pass now: POST /v1/owner/sweep.
func (h *OwnerHandler) Sweep(c echo.Context) error {
	rep := h.sweeper.Sweep(c.Request().Context())
	// only released seats change what the catalog shows
	if rep.Expired+rep.ForceReleased > 0 {
		h.invalidate(c)
	}
	return c.JSON(http.StatusOK, rep)
}
