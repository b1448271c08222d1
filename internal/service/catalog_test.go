package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowLabel(t *testing.T) {
	cases := map[int]string{0: "A", 1: "B", 25: "Z", 26: "AA", 27: "AB", 51: "AZ", 52: "BA", 701: "ZZ", 702: "AAA"}
	for in, want := range cases {
		assert.Equal(t, want, rowLabel(in), "row %d", in)
	}
}

func TestLayoutSpecs(t *testing.T) {
	specs, err := Layout{
		Rows: 3,
		Cols: 2,
		Grades: []GradeBand{
			{Grade: "vip", Rows: 1, Price: 100},
			{Grade: "R", Rows: 2, Price: 50},
		},
	}.Specs()
	require.NoError(t, err)
	require.Len(t, specs, 6)
	assert.Equal(t, "A-1", specs[0].Label)
	assert.Equal(t, "VIP", specs[0].Grade)
	assert.EqualValues(t, 100, specs[1].Price)
	assert.Equal(t, "C-2", specs[5].Label)
	assert.Equal(t, "R", specs[5].Grade)
	assert.Equal(t, 2, specs[5].Col)

	bad := []Layout{
		{Rows: 0, Cols: 1, Grades: []GradeBand{{Grade: "S", Rows: 1}}},
		{Rows: 1, Cols: 1},
		{Rows: 2, Cols: 1, Grades: []GradeBand{{Grade: "S", Rows: 1}}},
		{Rows: 1, Cols: 1, Grades: []GradeBand{{Grade: " ", Rows: 1}}},
		{Rows: 1, Cols: 1, Grades: []GradeBand{{Grade: "S", Rows: 1, Price: -1}}},
		{Rows: 200, Cols: 200, Grades: []GradeBand{{Grade: "S", Rows: 200}}},
	}
	for i, l := range bad {
		_, err := l.Specs()
		assert.ErrorIs(t, err, ErrInvalidRequest, "layout %d", i)
	}
}

func TestGetSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.hold(t, alice, 0)

	detail, err := h.catalog.GetSchedule(ctx, h.schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, "Spring Tour", detail.ConcertTitle)
	assert.Len(t, detail.Seats, 10)
	assert.Equal(t, 10, detail.TotalSeats)
	assert.Equal(t, 9, detail.AvailableSeats)
	assert.Equal(t, map[string]int64{"VIP": 150000, "R": 99000}, detail.PriceByGrade)

	_, err = h.catalog.GetSchedule(ctx, 999)
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestGetConcert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	detail, err := h.catalog.GetConcert(ctx, h.schedule.ConcertID)
	require.NoError(t, err)
	assert.Equal(t, "Olympic Hall", detail.Venue)
	require.Len(t, detail.Schedules, 1)
	assert.Equal(t, h.schedule.ID, detail.Schedules[0].ID)

	_, err = h.catalog.GetConcert(ctx, 999)
	assert.ErrorIs(t, err, ErrConcertNotFound)

	list, err := h.catalog.ListConcerts(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateConcertValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.catalog.CreateConcert(ctx, ConcertInput{Title: " ", Venue: "x", StartDate: t0, EndDate: t0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.catalog.CreateConcert(ctx, ConcertInput{Title: "x", Venue: "y", StartDate: t0, EndDate: t0.Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.catalog.CreateSchedule(ctx, 999, t0, Layout{Rows: 1, Cols: 1, Grades: []GradeBand{{Grade: "S", Rows: 1}}})
	assert.ErrorIs(t, err, ErrConcertNotFound)
}

func TestUpdateSeatPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.catalog.UpdateSeatPrice(ctx, h.seat(2).ID, 1))
	detail, err := h.catalog.GetSchedule(ctx, h.schedule.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, detail.PriceByGrade["VIP"], "grade shows its lowest price")

	assert.ErrorIs(t, h.catalog.UpdateSeatPrice(ctx, 999, 1), ErrSeatNotFound)
	assert.ErrorIs(t, h.catalog.UpdateSeatPrice(ctx, h.seat(2).ID, -5), ErrInvalidRequest)
}

func TestListConcertsPage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.catalog.CreateConcert(ctx, ConcertInput{
		Title:     "Winter Reunion",
		Venue:     "KSPO Dome",
		StartDate: t0.Add(10 * 24 * time.Hour),
		EndDate:   t0.Add(11 * 24 * time.Hour),
	})
	require.NoError(t, err)

	items, total, page, err := h.catalog.ListConcertsPage(ctx, Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, items, 2)
	assert.Equal(t, Page{Number: 1, Size: 20}, page)

	items, total, _, err = h.catalog.ListConcertsPage(ctx, Page{Number: 2, Size: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, items, 1)

	items, _, page, err = h.catalog.ListConcertsPage(ctx, Page{Number: 3, Size: 1000})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 100, page.Size)
}
