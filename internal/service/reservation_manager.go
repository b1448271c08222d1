package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/concert-seat-reservation/internal/clock"
	"github.com/iliyamo/concert-seat-reservation/internal/metrics"
	"github.com/iliyamo/concert-seat-reservation/internal/model"
	"github.com/iliyamo/concert-seat-reservation/internal/queue"
	"github.com/iliyamo/concert-seat-reservation/internal/repository"
)

const defaultHoldTTL = 5 * time.Minute

// ManagerStore is what the ReservationManager reads and writes.
type ManagerStore interface {
	LedgerStore
	ReservationStore
	GetSchedule(ctx context.Context, id uint64) (model.Schedule, error)
	GetSeat(ctx context.Context, id uint64) (model.Seat, error)
}

// ReservationManager owns the reservation state machine:
//
//	PENDING -> PAID       confirmPayment, seat SOLD
//	PENDING -> CANCELLED  cancel, seat released
//	PAID    -> CANCELLED  cancel, seat released
//	PENDING -> EXPIRED    expiry, seat released
//
// CANCELLED and EXPIRED are terminal. Every transition is a conditional
// store write, so concurrent cancel and expiry resolve to whichever lands
// first.
type ReservationManager struct {
	store       ManagerStore
	ledger      *SeatLedger
	clock       clock.Clock
	log         logrus.FieldLogger
	events      EventPublisher
	holdTTL     time.Duration
	selfReclaim bool
}

// ManagerOption configures a ReservationManager.
type ManagerOption func(*ReservationManager)

// WithHoldTTL overrides the default hold window.
func WithHoldTTL(d time.Duration) ManagerOption {
	return func(m *ReservationManager) {
		if d > 0 {
			m.holdTTL = d
		}
	}
}

// WithSelfReclaim decides what a second claim by the current holder
// returns: the existing reservation (true) or ALREADY_HELD_BY_SELF.
func WithSelfReclaim(allow bool) ManagerOption {
	return func(m *ReservationManager) { m.selfReclaim = allow }
}

// WithEvents sets the publisher used after committed transitions.
func WithEvents(p EventPublisher) ManagerOption {
	return func(m *ReservationManager) {
		if p != nil {
			m.events = p
		}
	}
}

func NewReservationManager(store ManagerStore, ledger *SeatLedger, clk clock.Clock, log logrus.FieldLogger, opts ...ManagerOption) *ReservationManager {
	m := &ReservationManager{
		store:       store,
		ledger:      ledger,
		clock:       clk,
		log:         log,
		events:      NopPublisher,
		holdTTL:     defaultHoldTTL,
		selfReclaim: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HoldTTL returns the configured hold window.
func (m *ReservationManager) HoldTTL() time.Duration { return m.holdTTL }

// CreateHold claims a seat for userID and returns the PENDING reservation
// with the seat price snapshotted into it.
func (m *ReservationManager) CreateHold(ctx context.Context, userID, scheduleID, seatID uint64) (model.Reservation, error) {
	if userID == 0 {
		return model.Reservation{}, ErrAuthRequired
	}
	if _, err := m.store.GetSchedule(ctx, scheduleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Reservation{}, ErrScheduleNotFound
		}
		return model.Reservation{}, fmt.Errorf("get schedule %d: %w", scheduleID, err)
	}
	seat, err := m.store.GetSeat(ctx, seatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Reservation{}, ErrSeatNotFound
		}
		return model.Reservation{}, fmt.Errorf("get seat %d: %w", seatID, err)
	}
	if seat.ScheduleID != scheduleID {
		return model.Reservation{}, ErrSeatNotFound
	}

	res, err := m.ledger.TryHold(ctx, scheduleID, seatID, userID, m.holdTTL)
	if errors.Is(err, ErrAlreadyHeldBySelf) {
		if m.selfReclaim {
			return res.Reservation, nil
		}
		return model.Reservation{}, err
	}
	if err != nil {
		return model.Reservation{}, err
	}
	if res.Expired != nil {
		m.afterTransition(ctx, *res.Expired, queue.TypeReservationExpired, "claim")
	}
	m.log.WithFields(logrus.Fields{
		"reservation_id": res.Reservation.ID,
		"seat_id":        seatID,
		"user_id":        userID,
	}).Info("seat held")
	return res.Reservation, nil
}

// ConfirmPayment moves a PENDING reservation to PAID, marks its seat SOLD
// and confirms the payment order in one step. A replay with the same
// external transaction id after success returns the PAID reservation.
func (m *ReservationManager) ConfirmPayment(ctx context.Context, reservationID uint64, orderRef, txnID string) (model.Reservation, error) {
	now := m.clock.Now()
	res, err := m.store.ApplyTransition(ctx, repository.Transition{
		ReservationID: reservationID,
		From:          []model.ReservationStatus{model.ReservationPending},
		To:            model.ReservationPaid,
		At:            now,
		RequireLive:   true,
		Confirm:       &repository.OrderConfirmation{OrderRef: orderRef, ExternalTxnID: txnID},
	})
	switch {
	case err == nil:
		m.afterTransition(ctx, res, queue.TypeReservationPaid, "payment")
		return res, nil
	case errors.Is(err, repository.ErrNotFound):
		return model.Reservation{}, ErrReservationNotFound
	case errors.Is(err, repository.ErrHoldElapsed):
		// The hold ran out before the payment landed; expire it now so the
		// seat is released without waiting for the sweeper.
		if _, xerr := m.Expire(ctx, reservationID); xerr != nil {
			m.log.WithError(xerr).WithField("reservation_id", reservationID).Warn("expire after late payment failed")
		}
		return res, ErrReservationExpired
	case errors.Is(err, repository.ErrStateConflict):
		if res.Status == model.ReservationPaid && res.PaymentRef != nil && *res.PaymentRef == txnID {
			return res, nil
		}
		if res.Status == model.ReservationExpired {
			return res, ErrReservationExpired
		}
		return res, ErrReservationNotPending
	case errors.Is(err, repository.ErrOrderNotIssued):
		return res, ErrOrderNotIssued
	default:
		return model.Reservation{}, fmt.Errorf("confirm reservation %d: %w", reservationID, err)
	}
}

// Cancel cancels a PENDING or PAID reservation owned by requesterID and
// releases its seat. The returned reservation has ReservedAt set when it
// had been paid for.
func (m *ReservationManager) Cancel(ctx context.Context, reservationID, requesterID uint64) (model.Reservation, error) {
	if requesterID == 0 {
		return model.Reservation{}, ErrAuthRequired
	}
	return m.cancel(ctx, reservationID, requesterID, "user")
}

// ForceCancel cancels any live reservation regardless of its owner.
func (m *ReservationManager) ForceCancel(ctx context.Context, reservationID uint64) (model.Reservation, error) {
	return m.cancel(ctx, reservationID, 0, "operator")
}

func (m *ReservationManager) cancel(ctx context.Context, reservationID, requesterID uint64, trigger string) (model.Reservation, error) {
	cur, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Reservation{}, ErrReservationNotFound
		}
		return model.Reservation{}, fmt.Errorf("get reservation %d: %w", reservationID, err)
	}
	if requesterID != 0 && cur.UserID != requesterID {
		return model.Reservation{}, ErrNotOwner
	}
	if cur.Status.Terminal() {
		return cur, ErrAlreadyTerminal
	}

	res, err := m.store.ApplyTransition(ctx, repository.Transition{
		ReservationID: reservationID,
		From:          []model.ReservationStatus{model.ReservationPending, model.ReservationPaid},
		To:            model.ReservationCancelled,
		At:            m.clock.Now(),
	})
	if errors.Is(err, repository.ErrStateConflict) {
		// Lost the race against expiry or another cancel.
		return res, ErrAlreadyTerminal
	}
	if err != nil {
		return model.Reservation{}, fmt.Errorf("cancel reservation %d: %w", reservationID, err)
	}
	m.afterTransition(ctx, res, queue.TypeReservationCancelled, trigger)
	return res, nil
}

// Get returns a reservation owned by requesterID.
func (m *ReservationManager) Get(ctx context.Context, reservationID, requesterID uint64) (model.Reservation, error) {
	res, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Reservation{}, ErrReservationNotFound
		}
		return model.Reservation{}, err
	}
	if res.UserID != requesterID {
		return model.Reservation{}, ErrNotOwner
	}
	if res.Status == model.ReservationPending && res.ExpiresAt != nil && !m.clock.Now().Before(*res.ExpiresAt) {
		if expired, err := m.Expire(ctx, res.ID); err == nil && expired {
			return m.store.GetReservation(ctx, res.ID)
		}
	}
	return res, nil
}

// Expire moves a PENDING reservation whose hold has ended to EXPIRED. It
// reports false, without error, when the reservation already left PENDING
// or its hold is still running.
func (m *ReservationManager) Expire(ctx context.Context, reservationID uint64) (bool, error) {
	res, err := m.store.ApplyTransition(ctx, repository.Transition{
		ReservationID:  reservationID,
		From:           []model.ReservationStatus{model.ReservationPending},
		To:             model.ReservationExpired,
		At:             m.clock.Now(),
		RequireElapsed: true,
	})
	switch {
	case err == nil:
		m.afterTransition(ctx, res, queue.TypeReservationExpired, "expiry")
		return true, nil
	case errors.Is(err, repository.ErrStateConflict), errors.Is(err, repository.ErrHoldNotElapsed):
		return false, nil
	case errors.Is(err, repository.ErrNotFound):
		return false, ErrReservationNotFound
	default:
		return false, fmt.Errorf("expire reservation %d: %w", reservationID, err)
	}
}

// ExpireDue expires up to limit overdue PENDING reservations.
func (m *ReservationManager) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := m.store.ListExpiredPending(ctx, m.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired pending: %w", err)
	}
	n := 0
	var errs []error
	for _, r := range due {
		ok, err := m.Expire(ctx, r.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// ReservationList is a user's history partitioned by status.
type ReservationList struct {
	Pending   []model.ReservationView `json:"pending"`
	Paid      []model.ReservationView `json:"paid"`
	Cancelled []model.ReservationView `json:"cancelled"`
	Expired   []model.ReservationView `json:"expired"`
}

// ListByUser returns every reservation of userID, newest first. Overdue
// holds are expired before listing so they never show as PENDING.
func (m *ReservationManager) ListByUser(ctx context.Context, userID uint64) ([]model.ReservationView, error) {
	if userID == 0 {
		return nil, ErrAuthRequired
	}
	views, err := m.store.ListReservationViews(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	now := m.clock.Now()
	expired := 0
	for _, v := range views {
		if v.Status == model.ReservationPending && v.ExpiresAt != nil && !now.Before(*v.ExpiresAt) {
			ok, err := m.Expire(ctx, v.ReservationID)
			if err != nil {
				return nil, err
			}
			if ok {
				expired++
			}
		}
	}
	if expired > 0 {
		if views, err = m.store.ListReservationViews(ctx, userID); err != nil {
			return nil, fmt.Errorf("list reservations: %w", err)
		}
	}
	for i := range views {
		if views[i].Status == model.ReservationPending && views[i].ExpiresAt != nil {
			views[i].RemainingSeconds = remainingSeconds(*views[i].ExpiresAt, now)
		}
	}
	return views, nil
}

// ListByUserGrouped is ListByUser partitioned by status.
func (m *ReservationManager) ListByUserGrouped(ctx context.Context, userID uint64) (ReservationList, error) {
	views, err := m.ListByUser(ctx, userID)
	if err != nil {
		return ReservationList{}, err
	}
	out := ReservationList{
		Pending:   []model.ReservationView{},
		Paid:      []model.ReservationView{},
		Cancelled: []model.ReservationView{},
		Expired:   []model.ReservationView{},
	}
	for _, v := range views {
		switch v.Status {
		case model.ReservationPending:
			out.Pending = append(out.Pending, v)
		case model.ReservationPaid:
			out.Paid = append(out.Paid, v)
		case model.ReservationCancelled:
			out.Cancelled = append(out.Cancelled, v)
		case model.ReservationExpired:
			out.Expired = append(out.Expired, v)
		}
	}
	return out, nil
}

// remainingSeconds rounds up so a hold with 200ms left still shows 1.
func remainingSeconds(expiresAt, now time.Time) int64 {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func (m *ReservationManager) afterTransition(ctx context.Context, r model.Reservation, typ, trigger string) {
	metrics.ReservationTransitions.WithLabelValues(string(r.Status), trigger).Inc()
	m.log.WithFields(logrus.Fields{
		"reservation_id": r.ID,
		"seat_id":        r.SeatID,
		"status":         r.Status,
		"trigger":        trigger,
	}).Info("reservation transition")
	publish(ctx, m.events, m.log, reservationEvent(typ, r, m.clock.Now()))
}
