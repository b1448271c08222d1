package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/concert-seat-reservation/internal/clock"
	"github.com/iliyamo/concert-seat-reservation/internal/gateway"
	"github.com/iliyamo/concert-seat-reservation/internal/model"
	"github.com/iliyamo/concert-seat-reservation/internal/queue"
	"github.com/iliyamo/concert-seat-reservation/internal/repository"
)

var t0 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

const (
	alice uint64 = 1
	bob   uint64 = 2
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	store       *repository.MemoryStore
	clock       *clock.Manual
	gw          *gateway.Fake
	events      *recordingPublisher
	catalog     *Catalog
	ledger      *SeatLedger
	manager     *ReservationManager
	coordinator *PaymentCoordinator
	sweeper     *Sweeper

	schedule model.Schedule
	seats    []model.Seat
}

// newHarness builds the services over a memory store holding one concert
// with one schedule of 2 rows x 5 seats: row A is VIP at 150000, row B is
// R at 99000.
func newHarness(t *testing.T, opts ...ManagerOption) *harness {
	t.Helper()
	ctx := context.Background()
	log, _ := test.NewNullLogger()

	h := &harness{
		store:  repository.NewMemoryStore(),
		clock:  clock.NewManual(t0),
		gw:     gateway.NewFake(),
		events: &recordingPublisher{},
	}
	h.catalog = NewCatalog(h.store, h.clock)
	h.ledger = NewSeatLedger(h.store, h.clock, "KRW", log)
	opts = append([]ManagerOption{WithHoldTTL(5 * time.Minute), WithEvents(h.events)}, opts...)
	h.manager = NewReservationManager(h.store, h.ledger, h.clock, log, opts...)
	h.coordinator = NewPaymentCoordinator(h.store, h.manager, h.gw, h.clock, log, WithCoordinatorEvents(h.events))
	h.sweeper = NewSweeper(h.manager, h.ledger, h.coordinator, log, time.Second, 2*time.Minute, 100)

	con, err := h.catalog.CreateConcert(ctx, ConcertInput{
		Title:     "Spring Tour",
		Venue:     "Olympic Hall",
		StartDate: t0.Add(30 * 24 * time.Hour),
		EndDate:   t0.Add(31 * 24 * time.Hour),
	})
	require.NoError(t, err)
	h.schedule, err = h.catalog.CreateSchedule(ctx, con.ID, t0.Add(30*24*time.Hour), Layout{
		Rows: 2,
		Cols: 5,
		Grades: []GradeBand{
			{Grade: "VIP", Rows: 1, Price: 150000},
			{Grade: "R", Rows: 1, Price: 99000},
		},
	})
	require.NoError(t, err)
	h.seats, err = h.catalog.Seats(ctx, h.schedule.ID)
	require.NoError(t, err)
	require.Len(t, h.seats, 10)
	return h
}

func (h *harness) seat(i int) model.Seat { return h.seats[i] }

func (h *harness) hold(t *testing.T, user uint64, seat int) model.Reservation {
	t.Helper()
	res, err := h.manager.CreateHold(context.Background(), user, h.schedule.ID, h.seat(seat).ID)
	require.NoError(t, err)
	return res
}

func (h *harness) seatStatus(t *testing.T, seat int) model.SeatStatus {
	t.Helper()
	s, err := h.store.GetSeat(context.Background(), h.seat(seat).ID)
	require.NoError(t, err)
	return s.Status
}

func (h *harness) reservation(t *testing.T, id uint64) model.Reservation {
	t.Helper()
	r, err := h.store.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (h *harness) order(t *testing.T, ref string) model.PaymentOrder {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), ref)
	require.NoError(t, err)
	return o
}

// requireConsistent fails the test when any seat disagrees with its live
// reservations.
func (h *harness) requireConsistent(t *testing.T) {
	t.Helper()
	v, err := h.ledger.Audit(context.Background())
	require.NoError(t, err)
	require.Empty(t, v)
}

// checkout issues an order for res and pays it at the fake gateway.
func (h *harness) checkout(t *testing.T, user uint64, res model.Reservation) (Checkout, string) {
	t.Helper()
	co, err := h.coordinator.IssueOrderID(context.Background(), user, res.ID)
	require.NoError(t, err)
	txn, err := h.gw.ChargeExpected(co.OrderRef, co.Currency)
	require.NoError(t, err)
	return co, txn
}
