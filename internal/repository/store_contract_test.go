package repository_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/concert-seat-reservation/internal/database"
	"github.com/iliyamo/concert-seat-reservation/internal/model"
	"github.com/iliyamo/concert-seat-reservation/internal/repository"
)

var now0 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

// ledgerStore is the slice of the store surface exercised here; both
// MemoryStore and SQLStore must behave the same through it.
type ledgerStore interface {
	CreateConcert(ctx context.Context, c *model.Concert) error
	CreateSchedule(ctx context.Context, sc *model.Schedule, specs []repository.SeatSpec) error
	GetSchedule(ctx context.Context, id uint64) (model.Schedule, error)
	GetSeat(ctx context.Context, id uint64) (model.Seat, error)
	ListSeats(ctx context.Context, scheduleID uint64) ([]model.Seat, error)
	TryHold(ctx context.Context, req repository.HoldRequest) (repository.HoldResult, error)
	ApplyTransition(ctx context.Context, t repository.Transition) (model.Reservation, error)
	ForceRelease(ctx context.Context, seatID uint64, cutoff, now time.Time) (repository.ForceReleaseResult, error)
	ListStaleHolds(ctx context.Context, cutoff time.Time, limit int) ([]model.Seat, error)
	Audit(ctx context.Context) ([]repository.Violation, error)
	GetReservation(ctx context.Context, id uint64) (model.Reservation, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error)
	IssueOrder(ctx context.Context, o model.PaymentOrder, now time.Time) (repository.IssueResult, error)
	GetOrder(ctx context.Context, ref string) (model.PaymentOrder, error)
	GetOrderByTxn(ctx context.Context, txnID string) (model.PaymentOrder, error)
	UpdateOrder(ctx context.Context, u repository.OrderUpdate) (model.PaymentOrder, error)
	ListRefundPending(ctx context.Context, limit int) ([]model.PaymentOrder, error)
	RecordStrayRefund(ctx context.Context, r model.StrayRefund) error
	ListStrayRefunds(ctx context.Context, limit int) ([]model.StrayRefund, error)
	SettleStrayRefund(ctx context.Context, orderRef, txnID string, status model.StrayRefundStatus, at time.Time) error
}

func TestMemoryStoreContract(t *testing.T) {
	runContract(t, func(t *testing.T) ledgerStore { return repository.NewMemoryStore() })
}

// TestSQLStoreContract runs against a real MySQL when TEST_MYSQL_DSN is
// set, e.g. "root:secret@tcp(127.0.0.1:3306)/concert_test?parseTime=true".
func TestSQLStoreContract(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}
	db, err := database.OpenDSN(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db))

	runContract(t, func(t *testing.T) ledgerStore {
		for _, table := range []string{"stray_refunds", "payment_orders", "reservations", "seats", "schedules", "concerts"} {
			_, err := db.Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		return repository.NewSQLStore(db)
	})
}

type fixture struct {
	store ledgerStore
	seats []model.Seat
}

func newFixture(t *testing.T, s ledgerStore) *fixture {
	t.Helper()
	ctx := context.Background()
	c := &model.Concert{Title: "Spring Tour", Venue: "Hall", StartDate: now0, EndDate: now0, CreatedAt: now0}
	require.NoError(t, s.CreateConcert(ctx, c))
	sc := &model.Schedule{ConcertID: c.ID, StartsAt: now0.Add(24 * time.Hour), CreatedAt: now0}
	require.NoError(t, s.CreateSchedule(ctx, sc, []repository.SeatSpec{
		{Row: "A", Col: 1, Label: "A-1", Grade: "VIP", Price: 100},
		{Row: "A", Col: 2, Label: "A-2", Grade: "VIP", Price: 100},
		{Row: "B", Col: 1, Label: "B-1", Grade: "R", Price: 50},
	}))
	seats, err := s.ListSeats(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, seats, 3)
	return &fixture{store: s, seats: seats}
}

func (f *fixture) hold(t *testing.T, seat int, user uint64, at time.Time) (repository.HoldResult, error) {
	t.Helper()
	s := f.seats[seat]
	return f.store.TryHold(context.Background(), repository.HoldRequest{
		ScheduleID: s.ScheduleID,
		SeatID:     s.ID,
		UserID:     user,
		Currency:   "KRW",
		Now:        at,
		ExpiresAt:  at.Add(5 * time.Minute),
	})
}

func (f *fixture) seatStatus(t *testing.T, seat int) model.SeatStatus {
	t.Helper()
	s, err := f.store.GetSeat(context.Background(), f.seats[seat].ID)
	require.NoError(t, err)
	return s.Status
}

func (f *fixture) requireAudit(t *testing.T) {
	t.Helper()
	v, err := f.store.Audit(context.Background())
	require.NoError(t, err)
	require.Empty(t, v)
}

func runContract(t *testing.T, newStore func(t *testing.T) ledgerStore) {
	ctx := context.Background()

	t.Run("hold", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		res, err := f.hold(t, 0, 1, now0)
		require.NoError(t, err)
		assert.Nil(t, res.Expired)
		assert.Equal(t, model.ReservationPending, res.Reservation.Status)
		assert.EqualValues(t, 100, res.Reservation.Price)
		assert.Equal(t, model.SeatHeld, f.seatStatus(t, 0))

		sc, err := f.store.GetSchedule(ctx, f.seats[0].ScheduleID)
		require.NoError(t, err)
		assert.Equal(t, 3, sc.TotalSeats)
		assert.Equal(t, 2, sc.AvailableSeats)

		_, err = f.hold(t, 0, 2, now0.Add(time.Minute))
		assert.ErrorIs(t, err, repository.ErrSeatUnavailable)

		own, err := f.hold(t, 0, 1, now0.Add(time.Minute))
		assert.ErrorIs(t, err, repository.ErrHeldBySelf)
		assert.Equal(t, res.Reservation.ID, own.Reservation.ID)
		f.requireAudit(t)
	})

	t.Run("hold reclaims an elapsed hold", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		first, err := f.hold(t, 0, 1, now0)
		require.NoError(t, err)

		second, err := f.hold(t, 0, 2, now0.Add(5*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, second.Expired)
		assert.Equal(t, first.Reservation.ID, second.Expired.ID)
		assert.Equal(t, model.ReservationExpired, second.Expired.Status)

		old, err := f.store.GetReservation(ctx, first.Reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ReservationExpired, old.Status)
		assert.Nil(t, old.ExpiresAt)
		f.requireAudit(t)
	})

	t.Run("concurrent holds", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(user uint64) {
				defer wg.Done()
				if _, err := f.hold(t, 2, user, now0); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(uint64(10 + i))
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		f.requireAudit(t)
	})

	t.Run("transition guards", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		held, err := f.hold(t, 0, 1, now0)
		require.NoError(t, err)
		id := held.Reservation.ID

		_, err = f.store.ApplyTransition(ctx, repository.Transition{
			ReservationID: id, From: []model.ReservationStatus{model.ReservationPending},
			To: model.ReservationExpired, At: now0.Add(time.Minute), RequireElapsed: true,
		})
		assert.ErrorIs(t, err, repository.ErrHoldNotElapsed)

		_, err = f.store.ApplyTransition(ctx, repository.Transition{
			ReservationID: id, From: []model.ReservationStatus{model.ReservationPending},
			To: model.ReservationPaid, At: now0.Add(5 * time.Minute), RequireLive: true,
		})
		assert.ErrorIs(t, err, repository.ErrHoldElapsed)

		got, err := f.store.ApplyTransition(ctx, repository.Transition{
			ReservationID: id, From: []model.ReservationStatus{model.ReservationPending},
			To: model.ReservationCancelled, At: now0.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, model.ReservationCancelled, got.Status)
		assert.Equal(t, model.SeatAvailable, f.seatStatus(t, 0))

		cur, err := f.store.ApplyTransition(ctx, repository.Transition{
			ReservationID: id, From: []model.ReservationStatus{model.ReservationPending},
			To: model.ReservationExpired, At: now0.Add(time.Hour),
		})
		assert.ErrorIs(t, err, repository.ErrStateConflict)
		assert.Equal(t, model.ReservationCancelled, cur.Status, "current row comes back with the conflict")

		_, err = f.store.ApplyTransition(ctx, repository.Transition{ReservationID: 9999, From: []model.ReservationStatus{model.ReservationPending}, To: model.ReservationExpired, At: now0})
		assert.ErrorIs(t, err, repository.ErrNotFound)
		f.requireAudit(t)
	})

	t.Run("confirm binds order and transaction", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		a, err := f.hold(t, 0, 1, now0)
		require.NoError(t, err)
		b, err := f.hold(t, 1, 1, now0)
		require.NoError(t, err)

		issue := func(ref string, res model.Reservation) repository.IssueResult {
			out, err := f.store.IssueOrder(ctx, model.PaymentOrder{
				Ref: ref, ReservationID: res.ID, UserID: 1, Amount: res.Price, Currency: "KRW",
				Status: model.PaymentIssued, CreatedAt: now0, UpdatedAt: now0,
			}, now0.Add(time.Minute))
			require.NoError(t, err)
			return out
		}
		issue("order_old", a.Reservation)
		out := issue("order_a", a.Reservation)
		assert.EqualValues(t, 1, out.Superseded)
		old, err := f.store.GetOrder(ctx, "order_old")
		require.NoError(t, err)
		assert.Equal(t, model.PaymentFailed, old.Status)
		issue("order_b", b.Reservation)

		confirm := func(res model.Reservation, ref, txn string) (model.Reservation, error) {
			return f.store.ApplyTransition(ctx, repository.Transition{
				ReservationID: res.ID, From: []model.ReservationStatus{model.ReservationPending},
				To: model.ReservationPaid, At: now0.Add(2 * time.Minute), RequireLive: true,
				Confirm: &repository.OrderConfirmation{OrderRef: ref, ExternalTxnID: txn},
			})
		}

		_, err = confirm(a.Reservation, "order_old", "imp_1")
		assert.ErrorIs(t, err, repository.ErrOrderNotIssued)
		_, err = confirm(a.Reservation, "order_b", "imp_1")
		assert.ErrorIs(t, err, repository.ErrOrderNotIssued, "order of another reservation")

		paid, err := confirm(a.Reservation, "order_a", "imp_1")
		require.NoError(t, err)
		assert.Equal(t, model.ReservationPaid, paid.Status)
		require.NotNil(t, paid.PaymentRef)
		assert.Equal(t, "imp_1", *paid.PaymentRef)
		assert.Equal(t, model.SeatSold, f.seatStatus(t, 0))

		o, err := f.store.GetOrderByTxn(ctx, "imp_1")
		require.NoError(t, err)
		assert.Equal(t, "order_a", o.Ref)
		assert.Equal(t, model.PaymentConfirmed, o.Status)

		_, err = confirm(b.Reservation, "order_b", "imp_1")
		assert.ErrorIs(t, err, repository.ErrOrderNotIssued, "transaction already bound")
		f.requireAudit(t)

		_, err = f.store.IssueOrder(ctx, model.PaymentOrder{Ref: "order_late", ReservationID: a.Reservation.ID, UserID: 1, Amount: 100, Currency: "KRW", Status: model.PaymentIssued, CreatedAt: now0, UpdatedAt: now0}, now0.Add(3*time.Minute))
		assert.ErrorIs(t, err, repository.ErrStateConflict)
	})

	t.Run("order updates", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		a, err := f.hold(t, 0, 1, now0)
		require.NoError(t, err)
		_, err = f.store.IssueOrder(ctx, model.PaymentOrder{
			Ref: "order_x", ReservationID: a.Reservation.ID, UserID: 1, Amount: 100, Currency: "KRW",
			Status: model.PaymentIssued, CreatedAt: now0, UpdatedAt: now0,
		}, now0)
		require.NoError(t, err)

		failed := repository.OrderUpdate{
			Ref: "order_x", From: []model.PaymentStatus{model.PaymentIssued}, To: model.PaymentFailed,
			ExternalTxnID: "imp_x", Reason: "hold expired", RefundPending: true, At: now0.Add(time.Minute),
		}
		o, err := f.store.UpdateOrder(ctx, failed)
		require.NoError(t, err)
		assert.True(t, o.RefundPending)

		_, err = f.store.UpdateOrder(ctx, failed)
		assert.NoError(t, err, "repeating an applied update is a no-op")

		pending, err := f.store.ListRefundPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "imp_x", *pending[0].ExternalTxnID)

		o, err = f.store.UpdateOrder(ctx, repository.OrderUpdate{
			Ref: "order_x", From: []model.PaymentStatus{model.PaymentFailed}, To: model.PaymentRefunded,
			Reason: "hold expired", At: now0.Add(2 * time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, model.PaymentRefunded, o.Status)
		assert.False(t, o.RefundPending)

		_, err = f.store.UpdateOrder(ctx, repository.OrderUpdate{
			Ref: "order_x", From: []model.PaymentStatus{model.PaymentIssued}, To: model.PaymentConfirmed, At: now0,
		})
		assert.ErrorIs(t, err, repository.ErrStateConflict)

		_, err = f.store.UpdateOrder(ctx, repository.OrderUpdate{Ref: "order_missing", From: []model.PaymentStatus{model.PaymentIssued}, To: model.PaymentFailed, At: now0})
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("stray refunds", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		a, err := f.hold(t, 0, 1, now0)
		require.NoError(t, err)
		_, err = f.store.IssueOrder(ctx, model.PaymentOrder{
			Ref: "order_s", ReservationID: a.Reservation.ID, UserID: 1, Amount: 100, Currency: "KRW",
			Status: model.PaymentIssued, CreatedAt: now0, UpdatedAt: now0,
		}, now0)
		require.NoError(t, err)

		owed := model.StrayRefund{
			OrderRef: "order_s", ExternalTxnID: "imp_second", Amount: 100, Currency: "KRW",
			Reason: "order already settled", Status: model.StrayRefundOwed, CreatedAt: now0, UpdatedAt: now0,
		}
		require.NoError(t, f.store.RecordStrayRefund(ctx, owed))
		require.NoError(t, f.store.RecordStrayRefund(ctx, owed), "recording twice keeps one row")

		list, err := f.store.ListStrayRefunds(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "imp_second", list[0].ExternalTxnID)
		assert.EqualValues(t, 100, list[0].Amount)

		require.NoError(t, f.store.SettleStrayRefund(ctx, "order_s", "imp_second", model.StrayRefundRefunded, now0.Add(time.Minute)))
		assert.NoError(t, f.store.SettleStrayRefund(ctx, "order_s", "imp_second", model.StrayRefundRefunded, now0.Add(time.Minute)), "settling again is a no-op")
		assert.ErrorIs(t, f.store.SettleStrayRefund(ctx, "order_s", "imp_second", model.StrayRefundVoid, now0), repository.ErrStateConflict)
		assert.ErrorIs(t, f.store.SettleStrayRefund(ctx, "order_s", "imp_other", model.StrayRefundVoid, now0), repository.ErrNotFound)

		list, err = f.store.ListStrayRefunds(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("stale holds and force release", func(t *testing.T) {
		f := newFixture(t, newStore(t))
		held, err := f.hold(t, 0, 1, now0)
		require.NoError(t, err)

		due, err := f.store.ListExpiredPending(ctx, now0.Add(5*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, held.Reservation.ID, due[0].ID)

		cutoff := now0.Add(4 * time.Minute)
		stale, err := f.store.ListStaleHolds(ctx, cutoff, 10)
		require.NoError(t, err)
		assert.Empty(t, stale)

		now := now0.Add(8 * time.Minute)
		cutoff = now.Add(-2 * time.Minute)
		stale, err = f.store.ListStaleHolds(ctx, cutoff, 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)

		r, err := f.store.ForceRelease(ctx, stale[0].ID, cutoff, now)
		require.NoError(t, err)
		assert.True(t, r.Released)
		require.NotNil(t, r.Expired)
		assert.Equal(t, held.Reservation.ID, r.Expired.ID)
		assert.Equal(t, model.SeatAvailable, f.seatStatus(t, 0))

		again, err := f.store.ForceRelease(ctx, stale[0].ID, cutoff, now)
		require.NoError(t, err)
		assert.False(t, again.Released)
		f.requireAudit(t)
	})
}
