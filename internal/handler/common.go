package handler // handler defines the HTTP handlers of the reservation API

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/concert-seat-reservation/internal/middleware"
	"github.com/iliyamo/concert-seat-reservation/internal/service"
)

// statusByCode maps service error codes to HTTP statuses.
var statusByCode = map[string]int{
	"AUTH_REQUIRED": http.StatusUnauthorized,
	"NOT_OWNER":     http.StatusForbidden,

	"CONCERT_NOT_FOUND":     http.StatusNotFound,
	"SCHEDULE_NOT_FOUND":    http.StatusNotFound,
	"SEAT_NOT_FOUND":        http.StatusNotFound,
	"RESERVATION_NOT_FOUND": http.StatusNotFound,
	"ORDER_NOT_FOUND":       http.StatusNotFound,

	"SEAT_UNAVAILABLE":        http.StatusConflict,
	"ALREADY_HELD_BY_SELF":    http.StatusConflict,
	"RESERVATION_NOT_PENDING": http.StatusConflict,
	"RESERVATION_EXPIRED":     http.StatusConflict,
	"ALREADY_TERMINAL":        http.StatusConflict,
	"NO_PENDING_RESERVATION":  http.StatusConflict,
	"ORDER_NOT_ISSUED":        http.StatusConflict,
	"DUPLICATE_TRANSACTION":   http.StatusConflict,

	"AMOUNT_MISMATCH":       http.StatusPaymentRequired,
	"PAYMENT_NOT_COMPLETED": http.StatusPaymentRequired,

	"ORDER_MISMATCH":  http.StatusBadRequest,
	"INVALID_REQUEST": http.StatusBadRequest,

	"GATEWAY_UNAVAILABLE": http.StatusBadGateway,
}

// refundInfo tells the buyer what happened to money that was taken but
// could not be applied to the reservation.
type refundInfo struct {
	OrderRef string `json:"orderRef"`
	TxnID    string `json:"externalTxnId"`
	Status   string `json:"status"` // REFUNDED or PENDING
}

// writeError renders err as {"error", "code"} with the matching status.
// Unknown errors are logged and answered with a bare 500.
func writeError(c echo.Context, log logrus.FieldLogger, err error) error {
	body := echo.Map{}
	var ce *service.ChargeError
	if errors.As(err, &ce) {
		status := "PENDING"
		if ce.Refunded {
			status = "REFUNDED"
		}
		body["refund"] = refundInfo{OrderRef: ce.OrderRef, TxnID: ce.TxnID, Status: status}
	}

	var se *service.Error
	if !errors.As(err, &se) {
		log.WithError(err).WithField("request_id", middleware.RequestID(c)).Error("unhandled error")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error", "code": "INTERNAL"})
	}
	status, ok := statusByCode[se.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	body["error"] = se.Message
	body["code"] = se.Code
	if ce != nil {
		body["error"] = ce.Error()
	}
	return c.JSON(status, body)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg, "code": "INVALID_REQUEST"})
}

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

// currentUser returns the authenticated user id or an AUTH_REQUIRED error.
func currentUser(c echo.Context) (uint64, error) {
	if id := middleware.UserID(c); id != 0 {
		return id, nil
	}
	return 0, service.ErrAuthRequired
}
