package repository

import (
	"slices"
	"time"

	"github.com/iliyamo/concert-seat-reservation/internal/model"
)

// HoldRequest asks the ledger to claim one seat for one user.
type HoldRequest struct {
	ScheduleID uint64
	SeatID     uint64
	UserID     uint64
	Currency   string
	Now        time.Time
	ExpiresAt  time.Time
}

// HoldResult is the outcome of a successful claim. Expired is set when an
// elapsed hold of another user was expired as part of the same step.
type HoldResult struct {
	Reservation model.Reservation
	Expired     *model.Reservation
}

// OrderConfirmation moves a payment order from ISSUED to CONFIRMED inside
// the same transition that marks its reservation PAID.
type OrderConfirmation struct {
	OrderRef      string
	ExternalTxnID string
}

// Transition describes one reservation state change. The seat follows the
// target state: PAID marks it SOLD, CANCELLED and EXPIRED release it.
// Stores apply the reservation, seat and order writes as a single unit.
type Transition struct {
	ReservationID uint64
	From          []model.ReservationStatus
	To            model.ReservationStatus
	At            time.Time

	// RequireLive rejects the transition once expiresAt <= At.
	RequireLive bool
	// RequireElapsed rejects the transition while At < expiresAt.
	RequireElapsed bool

	Confirm *OrderConfirmation
}

func (t Transition) validate(r model.Reservation) error {
	if !slices.Contains(t.From, r.Status) {
		return ErrStateConflict
	}
	if t.RequireLive && (r.ExpiresAt == nil || !t.At.Before(*r.ExpiresAt)) {
		return ErrHoldElapsed
	}
	if t.RequireElapsed && (r.ExpiresAt == nil || t.At.Before(*r.ExpiresAt)) {
		return ErrHoldNotElapsed
	}
	return nil
}

func (t Transition) apply(r *model.Reservation) {
	at := t.At
	r.Status = t.To
	r.UpdatedAt = at
	r.ExpiresAt = nil
	switch t.To {
	case model.ReservationPaid:
		r.ReservedAt = &at
		if t.Confirm != nil {
			ref := t.Confirm.ExternalTxnID
			r.PaymentRef = &ref
		}
	case model.ReservationCancelled, model.ReservationExpired:
		r.ClosedAt = &at
	}
}

func (t Transition) seatStatus() model.SeatStatus {
	if t.To == model.ReservationPaid {
		return model.SeatSold
	}
	return model.SeatAvailable
}

func expireTransition(reservationID uint64, at time.Time) Transition {
	return Transition{
		ReservationID: reservationID,
		From:          []model.ReservationStatus{model.ReservationPending},
		To:            model.ReservationExpired,
		At:            at,
	}
}

// ForceReleaseResult reports what a forced release did.
type ForceReleaseResult struct {
	Released bool
	Expired  *model.Reservation
}

// OrderUpdate moves a payment order between states. ExternalTxnID is only
// written when non-empty.
type OrderUpdate struct {
	Ref           string
	From          []model.PaymentStatus
	To            model.PaymentStatus
	ExternalTxnID string
	Reason        string
	RefundPending bool
	At            time.Time
}

// Violation is a seat whose ledger status disagrees with the number of
// live reservations referencing it.
type Violation struct {
	SeatID           uint64           `db:"seat_id" json:"seatId"`
	SeatStatus       model.SeatStatus `db:"seat_status" json:"seatStatus"`
	LiveReservations int              `db:"live_reservations" json:"liveReservations"`
}

// SeatSpec is one seat of a schedule layout.
type SeatSpec struct {
	Row   string
	Col   int
	Label string
	Grade string
	Price int64
}

// holdDecision inspects a HELD seat and its live reservation and reports
// whether the claim must expire that reservation first, return it as the
// caller's own hold, or be rejected.
func holdDecision(seat model.Seat, live *model.Reservation, req HoldRequest) (expire bool, err error) {
	if live == nil {
		// Orphaned hold: the seat is HELD but nothing references it.
		if seat.HoldExpiresAt != nil && !req.Now.Before(*seat.HoldExpiresAt) {
			return false, nil
		}
		return false, ErrSeatUnavailable
	}
	if live.Status != model.ReservationPending || live.ExpiresAt == nil {
		return false, ErrSeatUnavailable
	}
	if !req.Now.Before(*live.ExpiresAt) {
		return true, nil
	}
	if live.UserID == req.UserID {
		return false, ErrHeldBySelf
	}
	return false, ErrSeatUnavailable
}
