package model

import "time"

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
    ReservationPending   ReservationStatus = "PENDING"
    ReservationPaid      ReservationStatus = "PAID"
    ReservationCancelled ReservationStatus = "CANCELLED"
    ReservationExpired   ReservationStatus = "EXPIRED"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationStatus) Terminal() bool {
    return s == ReservationCancelled || s == ReservationExpired
}

// Live reports whether the reservation still claims its seat.
func (s ReservationStatus) Live() bool {
    return s == ReservationPending || s == ReservationPaid
}

// Reservation is a user's claim on exactly one seat.  Rows are never
// deleted, only moved through their states.
//
// Fields:
//  ID          – primary key identifier.
//  SeatID      – claimed seat.
//  ScheduleID  – schedule of the seat.
//  UserID      – owner of the reservation.
//  Status      – PENDING, PAID, CANCELLED or EXPIRED.
//  Price       – seat price at hold time; never recomputed.
//  Currency    – ISO currency of Price.
//  ExpiresAt   – end of the hold, only set while PENDING.
//  ReservedAt  – when payment was confirmed.
//  ClosedAt    – when the reservation was cancelled or expired.
//  PaymentRef  – external transaction id of the confirmed payment.
//  CreatedAt   – creation timestamp.
//  UpdatedAt   – last transition timestamp.
type Reservation struct {
    ID         uint64            `db:"id"`
    SeatID     uint64            `db:"seat_id"`
    ScheduleID uint64            `db:"schedule_id"`
    UserID     uint64            `db:"user_id"`
    Status     ReservationStatus `db:"status"`
    Price      int64             `db:"price"`
    Currency   string            `db:"currency"`
    ExpiresAt  *time.Time        `db:"expires_at"`
    ReservedAt *time.Time        `db:"reserved_at"`
    ClosedAt   *time.Time        `db:"closed_at"`
    PaymentRef *string           `db:"payment_ref"`
    CreatedAt  time.Time         `db:"created_at"`
    UpdatedAt  time.Time         `db:"updated_at"`
}

// ReservationView is a reservation joined with the seat and concert data
// needed to display it in a user's history.
type ReservationView struct {
    ReservationID    uint64            `db:"reservation_id" json:"reservationId"`
    Status           ReservationStatus `db:"status" json:"status"`
    ScheduleID       uint64            `db:"schedule_id" json:"scheduleId"`
    SeatID           uint64            `db:"seat_id" json:"seatId"`
    SeatGrade        string            `db:"seat_grade" json:"seatGrade"`
    SeatLabel        string            `db:"seat_label" json:"seatLabel"`
    ConcertTitle     string            `db:"concert_title" json:"concertTitle"`
    ConcertDate      time.Time         `db:"concert_date" json:"concertDate"`
    Price            int64             `db:"price" json:"price"`
    Currency         string            `db:"currency" json:"currency"`
    CreatedAt        time.Time         `db:"created_at" json:"createdAt"`
    ExpiresAt        *time.Time        `db:"expires_at" json:"expiresAt,omitempty"`
    ReservedAt       *time.Time        `db:"reserved_at" json:"reservedAt,omitempty"`
    ClosedAt         *time.Time        `db:"closed_at" json:"closedAt,omitempty"`
    RemainingSeconds int64             `db:"-" json:"remainingSeconds,omitempty"`
}
