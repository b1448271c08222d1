package service

import (
	"context"
	"time"

	"github.com/iliyamo/concert-seat-reservation/internal/model"
	"github.com/iliyamo/concert-seat-reservation/internal/repository"
)

// CatalogStore reads and writes concerts, schedules and seats.
type CatalogStore interface {
	CreateConcert(ctx context.Context, c *model.Concert) error
	ListConcerts(ctx context.Context) ([]model.Concert, error)
	GetConcert(ctx context.Context, id uint64) (model.Concert, error)
	CreateSchedule(ctx context.Context, sc *model.Schedule, specs []repository.SeatSpec) error
	GetSchedule(ctx context.Context, id uint64) (model.Schedule, error)
	ListSchedules(ctx context.Context, concertID uint64) ([]model.Schedule, error)
	GetSeat(ctx context.Context, id uint64) (model.Seat, error)
	ListSeats(ctx context.Context, scheduleID uint64) ([]model.Seat, error)
	UpdateSeatPrice(ctx context.Context, seatID uint64, price int64) error
}

// LedgerStore applies seat and reservation state changes atomically.
type LedgerStore interface {
	TryHold(ctx context.Context, req repository.HoldRequest) (repository.HoldResult, error)
	ApplyTransition(ctx context.Context, t repository.Transition) (model.Reservation, error)
	ForceRelease(ctx context.Context, seatID uint64, cutoff, now time.Time) (repository.ForceReleaseResult, error)
	ListStaleHolds(ctx context.Context, cutoff time.Time, limit int) ([]model.Seat, error)
	Audit(ctx context.Context) ([]repository.Violation, error)
}

// ReservationStore reads reservations.
type ReservationStore interface {
	GetReservation(ctx context.Context, id uint64) (model.Reservation, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error)
	ListReservationViews(ctx context.Context, userID uint64) ([]model.ReservationView, error)
}

// PaymentStore reads and writes payment orders.
type PaymentStore interface {
	IssueOrder(ctx context.Context, o model.PaymentOrder, now time.Time) (repository.IssueResult, error)
	GetOrder(ctx context.Context, ref string) (model.PaymentOrder, error)
	GetOrderByTxn(ctx context.Context, txnID string) (model.PaymentOrder, error)
	UpdateOrder(ctx context.Context, u repository.OrderUpdate) (model.PaymentOrder, error)
	ListRefundPending(ctx context.Context, limit int) ([]model.PaymentOrder, error)

	RecordStrayRefund(ctx context.Context, r model.StrayRefund) error
	ListStrayRefunds(ctx context.Context, limit int) ([]model.StrayRefund, error)
	SettleStrayRefund(ctx context.Context, orderRef, txnID string, status model.StrayRefundStatus, at time.Time) error
}

// Store is everything the services need. Both repository.SQLStore and
// repository.MemoryStore satisfy it.
type Store interface {
	CatalogStore
	LedgerStore
	ReservationStore
	PaymentStore
	Ping(ctx context.Context) error
}

var (
	_ Store = (*repository.SQLStore)(nil)
	_ Store = (*repository.MemoryStore)(nil)
)
