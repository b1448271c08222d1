package service

import "fmt"

// Error is a domain error with a stable code that handlers map to an HTTP
// status. Sentinels are compared with errors.Is.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	ErrAuthRequired          = &Error{Code: "AUTH_REQUIRED", Message: "authentication required"}
	ErrNotOwner              = &Error{Code: "NOT_OWNER", Message: "reservation belongs to another user"}
	ErrScheduleNotFound      = &Error{Code: "SCHEDULE_NOT_FOUND", Message: "schedule not found"}
	ErrSeatNotFound          = &Error{Code: "SEAT_NOT_FOUND", Message: "seat not found"}
	ErrConcertNotFound       = &Error{Code: "CONCERT_NOT_FOUND", Message: "concert not found"}
	ErrReservationNotFound   = &Error{Code: "RESERVATION_NOT_FOUND", Message: "reservation not found"}
	ErrOrderNotFound         = &Error{Code: "ORDER_NOT_FOUND", Message: "payment order not found"}
	ErrSeatUnavailable       = &Error{Code: "SEAT_UNAVAILABLE", Message: "seat is no longer available, try another seat"}
	ErrAlreadyHeldBySelf     = &Error{Code: "ALREADY_HELD_BY_SELF", Message: "you already hold this seat"}
	ErrReservationNotPending = &Error{Code: "RESERVATION_NOT_PENDING", Message: "reservation is no longer pending"}
	ErrReservationExpired    = &Error{Code: "RESERVATION_EXPIRED", Message: "reservation hold has expired"}
	ErrAlreadyTerminal       = &Error{Code: "ALREADY_TERMINAL", Message: "reservation is no longer available"}
	ErrNoPendingReservation  = &Error{Code: "NO_PENDING_RESERVATION", Message: "no pending reservation to pay for"}
	ErrOrderNotIssued        = &Error{Code: "ORDER_NOT_ISSUED", Message: "payment order can no longer be confirmed"}
	ErrDuplicateTransaction  = &Error{Code: "DUPLICATE_TRANSACTION", Message: "transaction already used for another order"}
	ErrAmountMismatch        = &Error{Code: "AMOUNT_MISMATCH", Message: "paid amount does not match the reservation price"}
	ErrPaymentNotCompleted   = &Error{Code: "PAYMENT_NOT_COMPLETED", Message: "payment not charged"}
	ErrOrderMismatch         = &Error{Code: "ORDER_MISMATCH", Message: "payment order does not belong to this reservation"}
	ErrInvalidRequest        = &Error{Code: "INVALID_REQUEST", Message: "invalid request"}
	ErrGatewayUnavailable    = &Error{Code: "GATEWAY_UNAVAILABLE", Message: "payment gateway unavailable"}
)

// Invalid returns an INVALID_REQUEST error with a specific message.
func Invalid(format string, args ...any) *Error {
	return &Error{Code: ErrInvalidRequest.Code, Message: fmt.Sprintf(format, args...)}
}

// Is matches errors by code so Invalid(...) values satisfy
// errors.Is(err, ErrInvalidRequest).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ChargeError reports a confirmation that failed after the gateway took
// the buyer's money. Refunded tells "charged, refund issued" apart from
// "charged, refund pending"; a pending refund is retried by the sweeper.
type ChargeError struct {
	Cause    error
	OrderRef string
	TxnID    string
	Refunded bool
}

func (e *ChargeError) Error() string {
	if e.Refunded {
		return fmt.Sprintf("payment was charged but not applied, refund issued: %v", e.Cause)
	}
	return fmt.Sprintf("payment was charged but not applied, refund pending: %v", e.Cause)
}

func (e *ChargeError) Unwrap() error { return e.Cause }
