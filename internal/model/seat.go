package model

import "time"

// SeatStatus is the ledger state of a seat.
type SeatStatus string

const (
    SeatAvailable SeatStatus = "AVAILABLE"
    SeatHeld      SeatStatus = "HELD"
    SeatSold      SeatStatus = "SOLD"
)

// Seat is a numbered seat of one schedule.  A seat never moves between
// schedules.  Status, HeldBy and HoldExpiresAt form the seat ledger and
// are only changed together with the reservation that references the
// seat.
//
// Fields:
//  ID            – primary key identifier.
//  ScheduleID    – owning schedule.
//  Row           – row label (A, B, ... AA).
//  Col           – seat number inside the row, starting at 1.
//  Label         – display label, e.g. "A-7".
//  Grade         – price grade (VIP, R, S ...).
//  Price         – current catalog price in whole currency units.
//  Status        – AVAILABLE, HELD or SOLD.
//  HeldBy        – user holding or owning the seat (nil when AVAILABLE).
//  HoldExpiresAt – end of the current hold (only while HELD).
//  Version       – bumped on every ledger write.
type Seat struct {
    ID            uint64     `db:"id" json:"seatId"`
    ScheduleID    uint64     `db:"schedule_id" json:"scheduleId"`
    Row           string     `db:"seat_row" json:"seatRow"`
    Col           int        `db:"seat_col" json:"seatCol"`
    Label         string     `db:"label" json:"seatLabel"`
    Grade         string     `db:"grade" json:"grade"`
    Price         int64      `db:"price" json:"price"`
    Status        SeatStatus `db:"status" json:"status"`
    HeldBy        *uint64    `db:"held_by" json:"-"`
    HoldExpiresAt *time.Time `db:"hold_expires_at" json:"-"`
    Version       uint64     `db:"version" json:"-"`
}
