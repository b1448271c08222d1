package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/concert-seat-reservation/internal/model"
)

// IssueResult is returned by IssueOrder. Superseded counts the earlier
// ISSUED orders of the reservation that were failed in the same step.
type IssueResult struct {
	Reservation model.Reservation
	Superseded  int64
}

// SQLStore composes the MySQL repositories and runs every ledger
// transition in one transaction. Rows are always locked seat first, then
// reservation, then payment orders.
type SQLStore struct {
	db           *sqlx.DB
	concerts     *ConcertRepo
	schedules    *ScheduleRepo
	seats        *SeatRepo
	reservations *ReservationRepo
	orders       *PaymentOrderRepo
}

// NewSQLStore wires the repositories around one DB handle.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{
		db:           db,
		concerts:     NewConcertRepo(db),
		schedules:    NewScheduleRepo(db),
		seats:        NewSeatRepo(db),
		reservations: NewReservationRepo(db),
		orders:       NewPaymentOrderRepo(db),
	}
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, rbErr)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

// ----- catalog -----

func (s *SQLStore) CreateConcert(ctx context.Context, c *model.Concert) error {
	return s.concerts.Create(ctx, c)
}

func (s *SQLStore) ListConcerts(ctx context.Context) ([]model.Concert, error) {
	return s.concerts.List(ctx)
}

func (s *SQLStore) GetConcert(ctx context.Context, id uint64) (model.Concert, error) {
	return s.concerts.GetByID(ctx, id)
}

// CreateSchedule inserts a schedule and its fixed seat layout atomically.
func (s *SQLStore) CreateSchedule(ctx context.Context, sc *model.Schedule, specs []SeatSpec) error {
	if _, err := s.concerts.GetByID(ctx, sc.ConcertID); err != nil {
		return err
	}
	sc.TotalSeats = len(specs)
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.schedules.CreateTx(ctx, tx, sc); err != nil {
			return err
		}
		return s.seats.CreateBulkTx(ctx, tx, sc.ID, specs)
	})
}

func (s *SQLStore) GetSchedule(ctx context.Context, id uint64) (model.Schedule, error) {
	return s.schedules.GetByID(ctx, id)
}

func (s *SQLStore) ListSchedules(ctx context.Context, concertID uint64) ([]model.Schedule, error) {
	return s.schedules.ListByConcert(ctx, concertID)
}

func (s *SQLStore) GetSeat(ctx context.Context, id uint64) (model.Seat, error) {
	return s.seats.GetByID(ctx, id)
}

func (s *SQLStore) ListSeats(ctx context.Context, scheduleID uint64) ([]model.Seat, error) {
	return s.seats.ListBySchedule(ctx, scheduleID)
}

func (s *SQLStore) UpdateSeatPrice(ctx context.Context, seatID uint64, price int64) error {
	return s.seats.UpdatePrice(ctx, seatID, price)
}

// ----- ledger -----

// TryHold claims a seat for a user. An elapsed PENDING hold on the seat
// is expired in the same transaction. When the seat is already held by
// the same user the existing reservation is returned with ErrHeldBySelf.
func (s *SQLStore) TryHold(ctx context.Context, req HoldRequest) (HoldResult, error) {
	var out HoldResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		seat, err := s.seats.LockTx(ctx, tx, req.SeatID)
		if err != nil {
			return err
		}
		if seat.ScheduleID != req.ScheduleID {
			return ErrNotFound
		}
		switch seat.Status {
		case model.SeatSold:
			return ErrSeatUnavailable
		case model.SeatHeld:
			live, err := s.reservations.LiveBySeatTx(ctx, tx, seat.ID)
			if err != nil {
				return err
			}
			expire, err := holdDecision(seat, live, req)
			if errors.Is(err, ErrHeldBySelf) {
				out.Reservation = *live
				return err
			}
			if err != nil {
				return err
			}
			if expire {
				t := expireTransition(live.ID, req.Now)
				t.apply(live)
				if err := s.reservations.UpdateStateTx(ctx, tx, *live); err != nil {
					return err
				}
				out.Expired = live
			}
			if err := s.seats.ReleaseTx(ctx, tx, seat.ID); err != nil {
				return err
			}
		}

		ok, err := s.seats.HoldTx(ctx, tx, seat.ID, req.UserID, req.ExpiresAt)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSeatUnavailable
		}
		expiresAt := req.ExpiresAt
		res := model.Reservation{
			SeatID:     seat.ID,
			ScheduleID: seat.ScheduleID,
			UserID:     req.UserID,
			Status:     model.ReservationPending,
			Price:      seat.Price,
			Currency:   req.Currency,
			ExpiresAt:  &expiresAt,
			CreatedAt:  req.Now,
			UpdatedAt:  req.Now,
		}
		if err := s.reservations.CreateTx(ctx, tx, &res); err != nil {
			return err
		}
		out.Reservation = res
		return nil
	})
	if err != nil && !errors.Is(err, ErrHeldBySelf) {
		return HoldResult{}, err
	}
	return out, err
}

// ApplyTransition validates and applies one reservation transition
// together with the seat write and, for PAID, the order confirmation.
// On ErrStateConflict, ErrHoldElapsed and ErrHoldNotElapsed the current
// reservation is returned alongside the error.
func (s *SQLStore) ApplyTransition(ctx context.Context, t Transition) (model.Reservation, error) {
	peek, err := s.reservations.GetByID(ctx, t.ReservationID)
	if err != nil {
		return model.Reservation{}, err
	}
	var out model.Reservation
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.seats.LockTx(ctx, tx, peek.SeatID); err != nil {
			return err
		}
		res, err := s.reservations.LockTx(ctx, tx, t.ReservationID)
		if err != nil {
			return err
		}
		out = res
		if err := t.validate(res); err != nil {
			return err
		}
		if t.Confirm != nil {
			ok, err := s.orders.ConfirmTx(ctx, tx, t.Confirm.OrderRef, res.ID, t.Confirm.ExternalTxnID, t.At)
			if err != nil {
				return err
			}
			if !ok {
				return ErrOrderNotIssued
			}
		}
		t.apply(&res)
		if err := s.reservations.UpdateStateTx(ctx, tx, res); err != nil {
			return err
		}
		if t.seatStatus() == model.SeatSold {
			err = s.seats.MarkSoldTx(ctx, tx, res.SeatID)
		} else {
			err = s.seats.ReleaseTx(ctx, tx, res.SeatID)
		}
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// ForceRelease returns a seat that is still HELD with a hold that ended
// at or before cutoff to AVAILABLE, expiring its PENDING reservation.
func (s *SQLStore) ForceRelease(ctx context.Context, seatID uint64, cutoff, now time.Time) (ForceReleaseResult, error) {
	var out ForceReleaseResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		seat, err := s.seats.LockTx(ctx, tx, seatID)
		if err != nil {
			return err
		}
		if seat.Status != model.SeatHeld || (seat.HoldExpiresAt != nil && seat.HoldExpiresAt.After(cutoff)) {
			return nil
		}
		live, err := s.reservations.LiveBySeatTx(ctx, tx, seat.ID)
		if err != nil {
			return err
		}
		if live != nil {
			if live.Status == model.ReservationPaid {
				return s.seats.MarkSoldTx(ctx, tx, seat.ID)
			}
			t := expireTransition(live.ID, now)
			t.RequireElapsed = true
			if err := t.validate(*live); err != nil {
				return nil
			}
			t.apply(live)
			if err := s.reservations.UpdateStateTx(ctx, tx, *live); err != nil {
				return err
			}
			out.Expired = live
		}
		if err := s.seats.ReleaseTx(ctx, tx, seat.ID); err != nil {
			return err
		}
		out.Released = true
		return nil
	})
	if err != nil {
		return ForceReleaseResult{}, err
	}
	return out, nil
}

func (s *SQLStore) ListStaleHolds(ctx context.Context, cutoff time.Time, limit int) ([]model.Seat, error) {
	return s.seats.ListStaleHolds(ctx, cutoff, limit)
}

func (s *SQLStore) Audit(ctx context.Context) ([]Violation, error) {
	return s.seats.Audit(ctx)
}

// ----- reservations -----

func (s *SQLStore) GetReservation(ctx context.Context, id uint64) (model.Reservation, error) {
	return s.reservations.GetByID(ctx, id)
}

func (s *SQLStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	return s.reservations.ListExpiredPending(ctx, now, limit)
}

func (s *SQLStore) ListReservationViews(ctx context.Context, userID uint64) ([]model.ReservationView, error) {
	return s.reservations.ListByUser(ctx, userID)
}

// ----- payment orders -----

// IssueOrder inserts a new ISSUED order for a PENDING reservation whose
// hold is still live, failing any earlier ISSUED order of it.
func (s *SQLStore) IssueOrder(ctx context.Context, o model.PaymentOrder, now time.Time) (IssueResult, error) {
	peek, err := s.reservations.GetByID(ctx, o.ReservationID)
	if err != nil {
		return IssueResult{}, err
	}
	var out IssueResult
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.seats.LockTx(ctx, tx, peek.SeatID); err != nil {
			return err
		}
		res, err := s.reservations.LockTx(ctx, tx, o.ReservationID)
		if err != nil {
			return err
		}
		out.Reservation = res
		live := Transition{From: []model.ReservationStatus{model.ReservationPending}, At: now, RequireLive: true}
		if err := live.validate(res); err != nil {
			return err
		}
		n, err := s.orders.SupersedeTx(ctx, tx, res.ID, now)
		if err != nil {
			return err
		}
		out.Superseded = n
		return s.orders.CreateTx(ctx, tx, o)
	})
	return out, err
}

func (s *SQLStore) GetOrder(ctx context.Context, ref string) (model.PaymentOrder, error) {
	return s.orders.GetByRef(ctx, ref)
}

func (s *SQLStore) GetOrderByTxn(ctx context.Context, txnID string) (model.PaymentOrder, error) {
	return s.orders.GetByTxn(ctx, txnID)
}

func (s *SQLStore) UpdateOrder(ctx context.Context, u OrderUpdate) (model.PaymentOrder, error) {
	return s.orders.Update(ctx, u)
}

func (s *SQLStore) ListRefundPending(ctx context.Context, limit int) ([]model.PaymentOrder, error) {
	return s.orders.ListRefundPending(ctx, limit)
}

func (s *SQLStore) RecordStrayRefund(ctx context.Context, r model.StrayRefund) error {
	return s.orders.RecordStray(ctx, r)
}

func (s *SQLStore) ListStrayRefunds(ctx context.Context, limit int) ([]model.StrayRefund, error) {
	return s.orders.ListOwedStrays(ctx, limit)
}

func (s *SQLStore) SettleStrayRefund(ctx context.Context, orderRef, txnID string, status model.StrayRefundStatus, at time.Time) error {
	return s.orders.SettleStray(ctx, orderRef, txnID, status, at)
}
