package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/concert-seat-reservation/internal/model"
	"github.com/iliyamo/concert-seat-reservation/internal/service"
)

// ReservationHandler serves the customer reservation endpoints.  Every
// route here sits behind the JWT middleware, so the caller's user id is
// always present in the echo context.  Seat claiming goes through the
// ReservationManager; cancelling a paid reservation goes through the
// PaymentCoordinator because it may have to refund the gateway first.
type ReservationHandler struct {
	manager     *service.ReservationManager
	coordinator *service.PaymentCoordinator // refunds on cancel
	log         logrus.FieldLogger
}

func NewReservationHandler(m *service.ReservationManager, pc *service.PaymentCoordinator, log logrus.FieldLogger) *ReservationHandler {
	return &ReservationHandler{manager: m, coordinator: pc, log: log}
}

// holdReq is the body of POST /v1/reservations.
type holdReq struct {
	ScheduleID uint64 `json:"scheduleId"`
	SeatID     uint64 `json:"seatId"`
}

type holdResp struct {
	ReservationID uint64    `json:"reservationId"`
	ScheduleID    uint64    `json:"scheduleId"`
	SeatID        uint64    `json:"seatId"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Price         int64     `json:"price"`
	Currency      string    `json:"currency"`
}

// reservationResp is the JSON shape of one reservation.
type reservationResp struct {
	ReservationID uint64                  `json:"reservationId"`
	ScheduleID    uint64                  `json:"scheduleId"`
	SeatID        uint64                  `json:"seatId"`
	Status        model.ReservationStatus `json:"status"`
	Price         int64                   `json:"price"`
	Currency      string                  `json:"currency"`
	CreatedAt     time.Time               `json:"createdAt"`
	ExpiresAt     *time.Time              `json:"expiresAt,omitempty"`
	ReservedAt    *time.Time              `json:"reservedAt,omitempty"`
	ClosedAt      *time.Time              `json:"closedAt,omitempty"`
	PaymentRef    *string                 `json:"paymentRef,omitempty"`
}

func toReservationResp(r model.Reservation) reservationResp {
	return reservationResp{
		ReservationID: r.ID,
		ScheduleID:    r.ScheduleID,
		SeatID:        r.SeatID,
		Status:        r.Status,
		Price:         r.Price,
		Currency:      r.Currency,
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		ReservedAt:    r.ReservedAt,
		ClosedAt:      r.ClosedAt,
		PaymentRef:    r.PaymentRef,
	}
}

// Create handles POST /v1/reservations.  It claims a single seat of a
// schedule for the caller and answers 201 with the hold's expiry and the
// price that was locked in.  A seat someone else holds or bought yields
// 409 SEAT_UNAVAILABLE; an unknown schedule or seat yields 404.  Holds that
// have already lapsed are swept as part of the claim, so a seat whose
// hold just expired can be taken immediately.
func (h *ReservationHandler) Create(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return writeError(c, h.log, err)
	}
	// bind request body
	var req holdReq
	if err := c.Bind(&req); err != nil || req.ScheduleID == 0 || req.SeatID == 0 {
		return badRequest(c, "scheduleId and seatId are required")
	}
	res, err := h.manager.CreateHold(c.Request().Context(), uid, req.ScheduleID, req.SeatID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, holdResp{
		ReservationID: res.ID,
		ScheduleID:    res.ScheduleID,
		SeatID:        res.SeatID,
		ExpiresAt:     *res.ExpiresAt,
		Price:         res.Price,
		Currency:      res.Currency,
	})
}

// ListMine lists the caller's reservations: GET /v1/reservations/my.
// With ?grouped=true the list is partitioned by status.
func (h *ReservationHandler) ListMine(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return writeError(c, h.log, err)
	}
	ctx := c.Request().Context()
	if c.QueryParam("grouped") == "true" {
		list, err := h.manager.ListByUserGrouped(ctx, uid)
		if err != nil {
			return writeError(c, h.log, err)
		}
		return c.JSON(http.StatusOK, list)
	}
	views, err := h.manager.ListByUser(ctx, uid)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": views, "count": len(views)})
}

// Get returns one reservation of the caller: GET /v1/reservations/:id.
// Another user's reservation answers 403 NOT_OWNER.  A hold that has
// lapsed is expired on read, so the status shown is never a stale PENDING.
func (h *ReservationHandler) Get(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return writeError(c, h.log, err)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid reservation id")
	}
	res, err := h.manager.Get(c.Request().Context(), id, uid)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toReservationResp(res))
}

// Cancel cancels a reservation of the caller and refunds it when it had
// been paid: DELETE /v1/reservations/:id.
func (h *ReservationHandler) Cancel(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return writeError(c, h.log, err)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid reservation id")
	}
	// owner check happens inside; false means no admin override
	if _, err := h.coordinator.CancelAndRefund(c.Request().Context(), id, uid, false); err != nil {
		return writeError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}
