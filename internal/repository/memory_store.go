package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/concert-seat-reservation/internal/model"
)

// MemoryStore keeps the whole catalog and ledger in process memory. It
// backs STORE_DRIVER=memory and the service tests.
//
// Locking mirrors the row locks SQLStore takes. Every seat has its own
// mutex, and every change to a seat, to the reservations on it or to the
// payment orders of those reservations runs with that mutex held, so
// claims on different seats never wait for each other. mu only protects
// the maps: it is taken for the short read and write of each step and is
// never held while waiting for a seat mutex.
type MemoryStore struct {
	mu sync.RWMutex

	concerts     map[uint64]model.Concert
	schedules    map[uint64]model.Schedule
	seats        map[uint64]model.Seat
	reservations map[uint64]model.Reservation
	orders       map[string]model.PaymentOrder
	strays       map[strayKey]model.StrayRefund

	seatLocks       map[uint64]*sync.Mutex
	seatsBySchedule map[uint64][]uint64
	liveBySeat      map[uint64]uint64 // seat -> its PENDING or PAID reservation
	ordersByRes     map[uint64][]string
	orderByTxn      map[string]string

	nextConcert, nextSchedule, nextSeat, nextReservation uint64
}

type strayKey struct{ orderRef, txnID string }

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		concerts:        map[uint64]model.Concert{},
		schedules:       map[uint64]model.Schedule{},
		seats:           map[uint64]model.Seat{},
		reservations:    map[uint64]model.Reservation{},
		orders:          map[string]model.PaymentOrder{},
		strays:          map[strayKey]model.StrayRefund{},
		seatLocks:       map[uint64]*sync.Mutex{},
		seatsBySchedule: map[uint64][]uint64{},
		liveBySeat:      map[uint64]uint64{},
		ordersByRes:     map[uint64][]string{},
		orderByTxn:      map[string]string{},
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// ----- locking and indexes -----

// lockSeat takes the mutex of one seat. It reports false for an unknown
// seat.
func (m *MemoryStore) lockSeat(seatID uint64) (func(), bool) {
	m.mu.RLock()
	l, ok := m.seatLocks[seatID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	l.Lock()
	return l.Unlock, true
}

// lockReservation takes the mutex of the seat a reservation is on. The
// seat of a reservation never changes, so reading it first is safe.
func (m *MemoryStore) lockReservation(id uint64) (func(), error) {
	m.mu.RLock()
	r, ok := m.reservations[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	unlock, ok := m.lockSeat(r.SeatID)
	if !ok {
		return nil, ErrNotFound
	}
	return unlock, nil
}

// putReservationLocked stores r and keeps liveBySeat in step. mu must be
// held for writing.
func (m *MemoryStore) putReservationLocked(r model.Reservation) {
	m.reservations[r.ID] = r
	if r.Status.Live() {
		m.liveBySeat[r.SeatID] = r.ID
	} else if m.liveBySeat[r.SeatID] == r.ID {
		delete(m.liveBySeat, r.SeatID)
	}
}

// putOrderLocked stores o and keeps orderByTxn in step. mu must be held
// for writing.
func (m *MemoryStore) putOrderLocked(o model.PaymentOrder) {
	if prev, ok := m.orders[o.Ref]; ok && prev.ExternalTxnID != nil {
		if o.ExternalTxnID == nil || *o.ExternalTxnID != *prev.ExternalTxnID {
			delete(m.orderByTxn, *prev.ExternalTxnID)
		}
	}
	m.orders[o.Ref] = o
	if o.ExternalTxnID != nil {
		m.orderByTxn[*o.ExternalTxnID] = o.Ref
	}
}

// liveLocked returns the live reservation on a seat, or nil. mu must be
// held.
func (m *MemoryStore) liveLocked(seatID uint64) *model.Reservation {
	id, ok := m.liveBySeat[seatID]
	if !ok {
		return nil
	}
	r := m.reservations[id]
	return &r
}

func (m *MemoryStore) availableLocked(scheduleID uint64) int {
	n := 0
	for _, id := range m.seatsBySchedule[scheduleID] {
		if m.seats[id].Status == model.SeatAvailable {
			n++
		}
	}
	return n
}

func releasedSeat(s model.Seat) model.Seat {
	if s.Status == model.SeatAvailable {
		return s
	}
	s.Status = model.SeatAvailable
	s.HeldBy = nil
	s.HoldExpiresAt = nil
	s.Version++
	return s
}

func soldSeat(s model.Seat) model.Seat {
	if s.Status == model.SeatSold {
		return s
	}
	s.Status = model.SeatSold
	s.HoldExpiresAt = nil
	s.Version++
	return s
}

// ----- catalog -----

func (m *MemoryStore) CreateConcert(_ context.Context, c *model.Concert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextConcert++
	c.ID = m.nextConcert
	m.concerts[c.ID] = *c
	return nil
}

func (m *MemoryStore) ListConcerts(context.Context) ([]model.Concert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Concert, 0, len(m.concerts))
	for _, c := range m.concerts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetConcert(_ context.Context, id uint64) (model.Concert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.concerts[id]
	if !ok {
		return model.Concert{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) CreateSchedule(_ context.Context, sc *model.Schedule, specs []SeatSpec) error {
	seen := make(map[string]bool, len(specs))
	for _, sp := range specs {
		key := fmt.Sprintf("%s/%d", sp.Row, sp.Col)
		if seen[key] {
			return fmt.Errorf("duplicate seat %s", key)
		}
		seen[key] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.concerts[sc.ConcertID]; !ok {
		return ErrNotFound
	}
	m.nextSchedule++
	sc.ID = m.nextSchedule
	sc.TotalSeats = len(specs)
	m.schedules[sc.ID] = *sc
	ids := make([]uint64, 0, len(specs))
	for _, sp := range specs {
		m.nextSeat++
		m.seats[m.nextSeat] = model.Seat{
			ID:         m.nextSeat,
			ScheduleID: sc.ID,
			Row:        sp.Row,
			Col:        sp.Col,
			Label:      sp.Label,
			Grade:      sp.Grade,
			Price:      sp.Price,
			Status:     model.SeatAvailable,
		}
		m.seatLocks[m.nextSeat] = &sync.Mutex{}
		ids = append(ids, m.nextSeat)
	}
	m.seatsBySchedule[sc.ID] = ids
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id uint64) (model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.schedules[id]
	if !ok {
		return model.Schedule{}, ErrNotFound
	}
	sc.AvailableSeats = m.availableLocked(id)
	return sc, nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, concertID uint64) ([]model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Schedule{}
	for _, sc := range m.schedules {
		if sc.ConcertID == concertID {
			sc.AvailableSeats = m.availableLocked(sc.ID)
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetSeat(_ context.Context, id uint64) (model.Seat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.seats[id]
	if !ok {
		return model.Seat{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListSeats(_ context.Context, scheduleID uint64) ([]model.Seat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.seatsBySchedule[scheduleID]
	out := make([]model.Seat, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.seats[id])
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if len(a.Row) != len(b.Row) {
			return len(a.Row) < len(b.Row)
		}
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})
	return out, nil
}

func (m *MemoryStore) UpdateSeatPrice(_ context.Context, seatID uint64, price int64) error {
	unlock, ok := m.lockSeat(seatID)
	if !ok {
		return ErrNotFound
	}
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.seats[seatID]
	s.Price = price
	m.seats[seatID] = s
	return nil
}

// ----- ledger -----

func (m *MemoryStore) TryHold(_ context.Context, req HoldRequest) (HoldResult, error) {
	unlock, ok := m.lockSeat(req.SeatID)
	if !ok {
		return HoldResult{}, ErrNotFound
	}
	defer unlock()

	m.mu.RLock()
	seat := m.seats[req.SeatID]
	live := m.liveLocked(seat.ID)
	m.mu.RUnlock()
	if seat.ScheduleID != req.ScheduleID {
		return HoldResult{}, ErrNotFound
	}

	var out HoldResult
	switch seat.Status {
	case model.SeatSold:
		return HoldResult{}, ErrSeatUnavailable
	case model.SeatHeld:
		expire, err := holdDecision(seat, live, req)
		if errors.Is(err, ErrHeldBySelf) {
			return HoldResult{Reservation: *live}, err
		}
		if err != nil {
			return HoldResult{}, err
		}
		if expire {
			t := expireTransition(live.ID, req.Now)
			t.apply(live)
			out.Expired = live
		}
		seat = releasedSeat(seat)
	case model.SeatAvailable:
		if live != nil {
			return HoldResult{}, ErrSeatUnavailable
		}
	}

	holder := req.UserID
	expiresAt := req.ExpiresAt
	seat.Status = model.SeatHeld
	seat.HeldBy = &holder
	seat.HoldExpiresAt = &expiresAt
	seat.Version++

	m.mu.Lock()
	defer m.mu.Unlock()
	if out.Expired != nil {
		m.putReservationLocked(*out.Expired)
	}
	m.nextReservation++
	resExpires := req.ExpiresAt
	res := model.Reservation{
		ID:         m.nextReservation,
		SeatID:     seat.ID,
		ScheduleID: seat.ScheduleID,
		UserID:     req.UserID,
		Status:     model.ReservationPending,
		Price:      seat.Price,
		Currency:   req.Currency,
		ExpiresAt:  &resExpires,
		CreatedAt:  req.Now,
		UpdatedAt:  req.Now,
	}
	m.seats[seat.ID] = seat
	m.putReservationLocked(res)
	out.Reservation = res
	return out, nil
}

func (m *MemoryStore) ApplyTransition(_ context.Context, t Transition) (model.Reservation, error) {
	unlock, err := m.lockReservation(t.ReservationID)
	if err != nil {
		return model.Reservation{}, err
	}
	defer unlock()

	m.mu.RLock()
	res := m.reservations[t.ReservationID]
	seat := m.seats[res.SeatID]
	var (
		order    model.PaymentOrder
		hasOrder bool
	)
	if t.Confirm != nil {
		order, hasOrder = m.orders[t.Confirm.OrderRef]
	}
	m.mu.RUnlock()

	if err := t.validate(res); err != nil {
		return res, err
	}
	if t.Confirm != nil && (!hasOrder || order.ReservationID != res.ID || order.Status != model.PaymentIssued) {
		return res, ErrOrderNotIssued
	}
	next := res
	t.apply(&next)
	if t.seatStatus() == model.SeatSold {
		seat = soldSeat(seat)
	} else {
		seat = releasedSeat(seat)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Confirm != nil {
		// Transactions are unique across all orders, not just this seat's,
		// so the check and the write share one critical section.
		txn := t.Confirm.ExternalTxnID
		if _, bound := m.orderByTxn[txn]; bound {
			return res, ErrOrderNotIssued
		}
		order.Status = model.PaymentConfirmed
		order.ExternalTxnID = &txn
		order.UpdatedAt = t.At
		m.putOrderLocked(order)
	}
	m.putReservationLocked(next)
	m.seats[seat.ID] = seat
	return next, nil
}

func (m *MemoryStore) ForceRelease(_ context.Context, seatID uint64, cutoff, now time.Time) (ForceReleaseResult, error) {
	unlock, ok := m.lockSeat(seatID)
	if !ok {
		return ForceReleaseResult{}, ErrNotFound
	}
	defer unlock()

	m.mu.RLock()
	seat := m.seats[seatID]
	live := m.liveLocked(seatID)
	m.mu.RUnlock()
	if seat.Status != model.SeatHeld || (seat.HoldExpiresAt != nil && seat.HoldExpiresAt.After(cutoff)) {
		return ForceReleaseResult{}, nil
	}

	var out ForceReleaseResult
	if live != nil {
		if live.Status == model.ReservationPaid {
			m.mu.Lock()
			m.seats[seatID] = soldSeat(seat)
			m.mu.Unlock()
			return out, nil
		}
		t := expireTransition(live.ID, now)
		t.RequireElapsed = true
		if err := t.validate(*live); err != nil {
			return out, nil
		}
		t.apply(live)
		out.Expired = live
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if out.Expired != nil {
		m.putReservationLocked(*out.Expired)
	}
	m.seats[seatID] = releasedSeat(seat)
	out.Released = true
	return out, nil
}

func (m *MemoryStore) ListStaleHolds(_ context.Context, cutoff time.Time, limit int) ([]model.Seat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Seat{}
	for _, s := range m.seats {
		if s.Status == model.SeatHeld && (s.HoldExpiresAt == nil || !s.HoldExpiresAt.After(cutoff)) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Audit counts live reservations from the reservations themselves rather
// than from liveBySeat, so a broken index shows up as a violation too.
func (m *MemoryStore) Audit(context.Context) ([]Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	live := map[uint64]int{}
	for _, r := range m.reservations {
		if r.Status.Live() {
			live[r.SeatID]++
		}
	}
	out := []Violation{}
	for _, s := range m.seats {
		n := live[s.ID]
		if (s.Status == model.SeatAvailable && n > 0) || (s.Status != model.SeatAvailable && n != 1) {
			out = append(out, Violation{SeatID: s.ID, SeatStatus: s.Status, LiveReservations: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatID < out[j].SeatID })
	return out, nil
}

// ----- reservations -----

func (m *MemoryStore) GetReservation(_ context.Context, id uint64) (model.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return model.Reservation{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Reservation{}
	for _, id := range m.liveBySeat {
		r := m.reservations[id]
		if r.Status == model.ReservationPending && r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListReservationViews(_ context.Context, userID uint64) ([]model.ReservationView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.ReservationView{}
	for _, r := range m.reservations {
		if r.UserID != userID {
			continue
		}
		seat := m.seats[r.SeatID]
		sc := m.schedules[r.ScheduleID]
		c := m.concerts[sc.ConcertID]
		out = append(out, model.ReservationView{
			ReservationID: r.ID,
			Status:        r.Status,
			ScheduleID:    r.ScheduleID,
			SeatID:        r.SeatID,
			SeatGrade:     seat.Grade,
			SeatLabel:     seat.Label,
			ConcertTitle:  c.Title,
			ConcertDate:   sc.StartsAt,
			Price:         r.Price,
			Currency:      r.Currency,
			CreatedAt:     r.CreatedAt,
			ExpiresAt:     r.ExpiresAt,
			ReservedAt:    r.ReservedAt,
			ClosedAt:      r.ClosedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ReservationID > out[j].ReservationID
	})
	return out, nil
}

// ----- payment orders -----

func (m *MemoryStore) IssueOrder(_ context.Context, o model.PaymentOrder, now time.Time) (IssueResult, error) {
	unlock, err := m.lockReservation(o.ReservationID)
	if err != nil {
		return IssueResult{}, err
	}
	defer unlock()

	m.mu.RLock()
	res := m.reservations[o.ReservationID]
	m.mu.RUnlock()
	out := IssueResult{Reservation: res}
	live := Transition{From: []model.ReservationStatus{model.ReservationPending}, At: now, RequireLive: true}
	if err := live.validate(res); err != nil {
		return out, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.orders[o.Ref]; dup {
		return out, fmt.Errorf("order %s already exists", o.Ref)
	}
	reason := "superseded"
	for _, ref := range m.ordersByRes[res.ID] {
		prev := m.orders[ref]
		if prev.Status == model.PaymentIssued {
			prev.Status = model.PaymentFailed
			prev.FailureReason = &reason
			prev.UpdatedAt = now
			m.putOrderLocked(prev)
			out.Superseded++
		}
	}
	o.Status = model.PaymentIssued
	m.putOrderLocked(o)
	m.ordersByRes[res.ID] = append(m.ordersByRes[res.ID], o.Ref)
	return out, nil
}

func (m *MemoryStore) GetOrder(_ context.Context, ref string) (model.PaymentOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[ref]
	if !ok {
		return model.PaymentOrder{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryStore) GetOrderByTxn(_ context.Context, txnID string) (model.PaymentOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.orderByTxn[txnID]
	if !ok {
		return model.PaymentOrder{}, ErrNotFound
	}
	return m.orders[ref], nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, u OrderUpdate) (model.PaymentOrder, error) {
	m.mu.RLock()
	o, ok := m.orders[u.Ref]
	m.mu.RUnlock()
	if !ok {
		return model.PaymentOrder{}, ErrNotFound
	}
	unlock, err := m.lockReservation(o.ReservationID)
	if err != nil {
		return model.PaymentOrder{}, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	o = m.orders[u.Ref]
	if !slices.Contains(u.From, o.Status) {
		if o.Status == u.To && o.RefundPending == u.RefundPending {
			return o, nil
		}
		return o, ErrStateConflict
	}
	if u.ExternalTxnID != "" {
		if ref, bound := m.orderByTxn[u.ExternalTxnID]; bound && ref != o.Ref {
			return o, ErrStateConflict
		}
		txn := u.ExternalTxnID
		o.ExternalTxnID = &txn
	}
	o.Status = u.To
	if u.Reason != "" {
		reason := u.Reason
		o.FailureReason = &reason
	} else {
		o.FailureReason = nil
	}
	o.RefundPending = u.RefundPending
	o.UpdatedAt = u.At
	m.putOrderLocked(o)
	return o, nil
}

func (m *MemoryStore) ListRefundPending(_ context.Context, limit int) ([]model.PaymentOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.PaymentOrder{}
	for _, o := range m.orders {
		if o.RefundPending {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ----- stray refunds -----

func (m *MemoryStore) RecordStrayRefund(_ context.Context, r model.StrayRefund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[r.OrderRef]; !ok {
		return ErrNotFound
	}
	key := strayKey{r.OrderRef, r.ExternalTxnID}
	if _, ok := m.strays[key]; !ok {
		m.strays[key] = r
	}
	return nil
}

func (m *MemoryStore) ListStrayRefunds(_ context.Context, limit int) ([]model.StrayRefund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.StrayRefund{}
	for _, r := range m.strays {
		if r.Status == model.StrayRefundOwed {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SettleStrayRefund(_ context.Context, orderRef, txnID string, status model.StrayRefundStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strayKey{orderRef, txnID}
	r, ok := m.strays[key]
	if !ok {
		return ErrNotFound
	}
	if r.Status != model.StrayRefundOwed {
		if r.Status == status {
			return nil
		}
		return ErrStateConflict
	}
	r.Status = status
	r.UpdatedAt = at
	m.strays[key] = r
	return nil
}
