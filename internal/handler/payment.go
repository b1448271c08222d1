package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/concert-seat-reservation/internal/gateway"
	"github.com/iliyamo/concert-seat-reservation/internal/service"
)

// PaymentHandler serves checkout preparation and payment confirmation.
// The flow mirrors a hosted checkout: the client first asks Prepare for an
// order id, runs the gateway's widget with it, then reports the resulting
// transaction id to Confirm.  The coordinator re-verifies every claim with
// the gateway before a seat is sold, so nothing in the request body is
// trusted beyond identifying the order.
type PaymentHandler struct {
	coordinator *service.PaymentCoordinator
	fake        *gateway.Fake // nil unless the fake gateway is configured
	currency    string
	log         logrus.FieldLogger
}

func NewPaymentHandler(pc *service.PaymentCoordinator, fake *gateway.Fake, currency string, log logrus.FieldLogger) *PaymentHandler {
	return &PaymentHandler{coordinator: pc, fake: fake, currency: currency, log: log}
}

// DevChargeEnabled reports whether the simulated checkout endpoint exists.
func (h *PaymentHandler) DevChargeEnabled() bool { return h.fake != nil }

// confirmReq is the body of POST /v1/payments.  ReservationID is
// optional when the order was prepared for a specific reservation.
type confirmReq struct {
	OrderRef      string `json:"orderRef"`
	ExternalTxnID string `json:"externalTxnId"`
	ReservationID uint64 `json:"reservationId"`
}

// completeReq is the body the PortOne checkout widget hands back.
type completeReq struct {
	ImpUID        string `json:"impUid"`
	MerchantUID   string `json:"merchantUid"`
	ReservationID uint64 `json:"reservationId"`
}

type paymentResp struct {
	ReservationID uint64 `json:"reservationId"`
	Status        string `json:"status"`
	PaymentRef    string `json:"paymentRef"`
	Price         int64  `json:"price"`
	Currency      string `json:"currency"`
}

// Prepare issues a fresh order id: GET /v1/payments/prepare[?reservationId=].
// Without a reservation id the caller's most recent pending hold is used.
// Each call issues a new order; earlier orders of the same reservation
// stay valid until the reservation leaves PENDING.
func (h *PaymentHandler) Prepare(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return writeError(c, h.log, err)
	}
	// optional reservation id
	var resID uint64
	if raw := strings.TrimSpace(c.QueryParam("reservationId")); raw != "" {
		resID, err = strconv.ParseUint(raw, 10, 64)
		if err != nil || resID == 0 {
			return badRequest(c, "invalid reservationId")
		}
	}
	co, err := h.coordinator.PrepareForUser(c.Request().Context(), uid, resID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, co)
}

// Confirm applies a completed checkout: POST /v1/payments.  It answers 200
// with the PAID reservation, including on a replay of the same
// transaction.  A hold that lapsed before the charge arrived yields 409
// RESERVATION_EXPIRED and the charge is refunded; an amount mismatch
// yields 402.
func (h *PaymentHandler) Confirm(c echo.Context) error {
	var req confirmReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	return h.confirm(c, service.ConfirmRequest{
		ReservationID: req.ReservationID,
		OrderRef:      strings.TrimSpace(req.OrderRef),
		ExternalTxnID: strings.TrimSpace(req.ExternalTxnID),
	})
}

// Complete is the PortOne-shaped alias of Confirm: POST /v1/payments/complete.
func (h *PaymentHandler) Complete(c echo.Context) error {
	var req completeReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	return h.confirm(c, service.ConfirmRequest{
		ReservationID: req.ReservationID,
		OrderRef:      strings.TrimSpace(req.MerchantUID),
		ExternalTxnID: strings.TrimSpace(req.ImpUID),
	})
}

func (h *PaymentHandler) confirm(c echo.Context, req service.ConfirmRequest) error {
	uid, err := currentUser(c)
	if err != nil {
		return writeError(c, h.log, err)
	}
	req.UserID = uid
	// verification, the seat transition and any refund all happen here
	res, err := h.coordinator.Confirm(c.Request().Context(), req)
	if err != nil {
		return writeError(c, h.log, err)
	}
	ref := ""
	if res.PaymentRef != nil {
		ref = *res.PaymentRef
	}
	return c.JSON(http.StatusOK, paymentResp{
		ReservationID: res.ID,
		Status:        string(res.Status),
		PaymentRef:    ref,
		Price:         res.Price,
		Currency:      res.Currency,
	})
}

// DevCharge plays the buyer's browser against the fake gateway:
// POST /v1/dev/payments/charge {orderRef}. It returns the transaction id
// to pass to Confirm.
func (h *PaymentHandler) DevCharge(c echo.Context) error {
	if h.fake == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found", "code": "NOT_FOUND"})
	}
	var req struct {
		OrderRef string `json:"orderRef"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.OrderRef) == "" {
		return badRequest(c, "orderRef is required")
	}
	txn, err := h.fake.ChargeExpected(strings.TrimSpace(req.OrderRef), h.currency)
	if err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error(), "code": "ORDER_NOT_FOUND"})
	}
	return c.JSON(http.StatusOK, echo.Map{"orderRef": req.OrderRef, "externalTxnId": txn})
}
