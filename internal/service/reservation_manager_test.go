package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/concert-seat-reservation/internal/model"
	"github.com/iliyamo/concert-seat-reservation/internal/queue"
)

func TestCreateHold(t *testing.T) {
	t.Run("snapshots price and sets expiry", func(t *testing.T) {
		h := newHarness(t)
		res := h.hold(t, alice, 0)

		assert.Equal(t, model.ReservationPending, res.Status)
		assert.EqualValues(t, 150000, res.Price)
		assert.Equal(t, "KRW", res.Currency)
		require.NotNil(t, res.ExpiresAt)
		assert.Equal(t, t0.Add(5*time.Minute), *res.ExpiresAt)
		assert.Equal(t, model.SeatHeld, h.seatStatus(t, 0))
		h.requireConsistent(t)
	})

	t.Run("rejects a seat held by someone else", func(t *testing.T) {
		h := newHarness(t)
		h.hold(t, alice, 0)

		_, err := h.manager.CreateHold(context.Background(), bob, h.schedule.ID, h.seat(0).ID)
		assert.ErrorIs(t, err, ErrSeatUnavailable)
	})

	t.Run("bad references", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		_, err := h.manager.CreateHold(ctx, alice, 999, h.seat(0).ID)
		assert.ErrorIs(t, err, ErrScheduleNotFound)
		_, err = h.manager.CreateHold(ctx, alice, h.schedule.ID, 999)
		assert.ErrorIs(t, err, ErrSeatNotFound)
		_, err = h.manager.CreateHold(ctx, 0, h.schedule.ID, h.seat(0).ID)
		assert.ErrorIs(t, err, ErrAuthRequired)
	})

	t.Run("seat of another schedule is not found", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		other, err := h.catalog.CreateSchedule(ctx, h.schedule.ConcertID, t0.Add(40*24*time.Hour), Layout{
			Rows: 1, Cols: 1, Grades: []GradeBand{{Grade: "S", Rows: 1, Price: 10}},
		})
		require.NoError(t, err)

		_, err = h.manager.CreateHold(ctx, alice, other.ID, h.seat(0).ID)
		assert.ErrorIs(t, err, ErrSeatNotFound)
	})

	t.Run("self reclaim returns the existing hold", func(t *testing.T) {
		h := newHarness(t)
		first := h.hold(t, alice, 0)
		h.clock.Advance(time.Minute)

		again := h.hold(t, alice, 0)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, *first.ExpiresAt, *again.ExpiresAt, "re-claim does not extend the hold")
	})

	t.Run("self reclaim disabled", func(t *testing.T) {
		h := newHarness(t, WithSelfReclaim(false))
		h.hold(t, alice, 0)

		_, err := h.manager.CreateHold(context.Background(), alice, h.schedule.ID, h.seat(0).ID)
		assert.ErrorIs(t, err, ErrAlreadyHeldBySelf)
	})

	t.Run("expired hold is reclaimed by the next claimant", func(t *testing.T) {
		h := newHarness(t)
		first := h.hold(t, alice, 0)
		h.clock.Advance(5 * time.Minute)

		second := h.hold(t, bob, 0)
		assert.NotEqual(t, first.ID, second.ID)
		assert.Equal(t, model.ReservationExpired, h.reservation(t, first.ID).Status)
		assert.Contains(t, h.events.types(), queue.TypeReservationExpired)
		h.requireConsistent(t)
	})

	t.Run("one second before expiry the hold still counts", func(t *testing.T) {
		h := newHarness(t)
		h.hold(t, alice, 0)
		h.clock.Advance(5*time.Minute - time.Second)

		_, err := h.manager.CreateHold(context.Background(), bob, h.schedule.ID, h.seat(0).ID)
		assert.ErrorIs(t, err, ErrSeatUnavailable)
	})
}

func TestCreateHoldConcurrentClaims(t *testing.T) {
	h := newHarness(t)
	const claimants = 64

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    []model.Reservation
		rejects int
	)
	start := make(chan struct{})
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(user uint64) {
			defer wg.Done()
			<-start
			res, err := h.manager.CreateHold(context.Background(), user, h.schedule.ID, h.seat(3).ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins = append(wins, res)
			case errors.Is(err, ErrSeatUnavailable):
				rejects++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(uint64(100 + i))
	}
	close(start)
	wg.Wait()

	require.Len(t, wins, 1)
	assert.Equal(t, claimants-1, rejects)
	h.requireConsistent(t)
}

func TestCancel(t *testing.T) {
	t.Run("owner cancels a pending hold", func(t *testing.T) {
		h := newHarness(t)
		res := h.hold(t, alice, 0)

		got, err := h.manager.Cancel(context.Background(), res.ID, alice)
		require.NoError(t, err)
		assert.Equal(t, model.ReservationCancelled, got.Status)
		assert.Nil(t, got.ExpiresAt)
		assert.NotNil(t, got.ClosedAt)
		assert.Equal(t, model.SeatAvailable, h.seatStatus(t, 0))
		h.requireConsistent(t)
	})

	t.Run("other user is rejected", func(t *testing.T) {
		h := newHarness(t)
		res := h.hold(t, alice, 0)

		_, err := h.manager.Cancel(context.Background(), res.ID, bob)
		assert.ErrorIs(t, err, ErrNotOwner)
		assert.Equal(t, model.SeatHeld, h.seatStatus(t, 0))
	})

	t.Run("terminal reservation", func(t *testing.T) {
		h := newHarness(t)
		res := h.hold(t, alice, 0)
		_, err := h.manager.Cancel(context.Background(), res.ID, alice)
		require.NoError(t, err)

		_, err = h.manager.Cancel(context.Background(), res.ID, alice)
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
	})

	t.Run("unknown reservation", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.manager.Cancel(context.Background(), 42, alice)
		assert.ErrorIs(t, err, ErrReservationNotFound)
	})

	t.Run("operator override", func(t *testing.T) {
		h := newHarness(t)
		res := h.hold(t, alice, 0)

		got, err := h.manager.ForceCancel(context.Background(), res.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ReservationCancelled, got.Status)
	})
}

func TestCancelRacesExpiry(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		res := h.hold(t, alice, 0)
		h.clock.Advance(5 * time.Minute)

		var (
			wg        sync.WaitGroup
			cancelErr error
			expired   bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = h.manager.Cancel(context.Background(), res.ID, alice)
		}()
		go func() {
			defer wg.Done()
			var err error
			expired, err = h.manager.Expire(context.Background(), res.ID)
			assert.NoError(t, err)
		}()
		wg.Wait()

		final := h.reservation(t, res.ID)
		if expired {
			assert.Equal(t, model.ReservationExpired, final.Status)
			assert.ErrorIs(t, cancelErr, ErrAlreadyTerminal)
		} else {
			assert.NoError(t, cancelErr)
			assert.Equal(t, model.ReservationCancelled, final.Status)
		}
		assert.Equal(t, model.SeatAvailable, h.seatStatus(t, 0))
		h.requireConsistent(t)
	}
}

func TestExpire(t *testing.T) {
	h := newHarness(t)
	res := h.hold(t, alice, 0)
	ctx := context.Background()

	ok, err := h.manager.Expire(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, ok, "hold still running")

	h.clock.Advance(5 * time.Minute)
	ok, err = h.manager.Expire(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.manager.Expire(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second expiry is a no-op")
	assert.Equal(t, model.SeatAvailable, h.seatStatus(t, 0))
}

func TestListByUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old := h.hold(t, alice, 0)
	h.clock.Advance(4 * time.Minute)
	fresh := h.hold(t, alice, 1)
	h.hold(t, bob, 2)
	h.clock.Advance(90*time.Second + 200*time.Millisecond)

	views, err := h.manager.ListByUser(ctx, alice)
	require.NoError(t, err)
	require.Len(t, views, 2)

	byID := map[uint64]model.ReservationView{}
	for _, v := range views {
		byID[v.ReservationID] = v
	}
	assert.Equal(t, model.ReservationExpired, byID[old.ID].Status, "overdue hold expired on read")
	assert.Equal(t, model.ReservationPending, byID[fresh.ID].Status)
	assert.EqualValues(t, 210, byID[fresh.ID].RemainingSeconds)
	assert.Equal(t, "Spring Tour", byID[fresh.ID].ConcertTitle)
	assert.Equal(t, "A-2", byID[fresh.ID].SeatLabel)
	assert.Equal(t, model.SeatAvailable, h.seatStatus(t, 0))

	grouped, err := h.manager.ListByUserGrouped(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, grouped.Pending, 1)
	assert.Len(t, grouped.Expired, 1)
	assert.Empty(t, grouped.Paid)
	assert.Empty(t, grouped.Cancelled)
}

func TestRemainingSeconds(t *testing.T) {
	assert.EqualValues(t, 0, remainingSeconds(t0, t0))
	assert.EqualValues(t, 0, remainingSeconds(t0, t0.Add(time.Second)))
	assert.EqualValues(t, 1, remainingSeconds(t0.Add(200*time.Millisecond), t0))
	assert.EqualValues(t, 300, remainingSeconds(t0.Add(5*time.Minute), t0))
}
