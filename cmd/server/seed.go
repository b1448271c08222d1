package main

import (
	"context"
	"time"

	"github.com/iliyamo/concert-seat-reservation/internal/service"
)

// seedDemo creates one concert with two schedules when the catalog is
// empty, so a fresh memory store has something to book.
func seedDemo(ctx context.Context, catalog *service.Catalog, now time.Time) error {
	existing, err := catalog.ListConcerts(ctx)
	if err != nil || len(existing) > 0 {
		return err
	}
	first := now.Truncate(24*time.Hour).AddDate(0, 0, 30).Add(19 * time.Hour)
	con, err := catalog.CreateConcert(ctx, service.ConcertInput{
		Title:     "Spring Tour",
		Venue:     "Olympic Hall",
		StartDate: first,
		EndDate:   first.AddDate(0, 0, 1),
	})
	if err != nil {
		return err
	}
	layout := service.Layout{
		Rows: 10,
		Cols: 20,
		Grades: []service.GradeBand{
			{Grade: "VIP", Rows: 2, Price: 165000},
			{Grade: "R", Rows: 3, Price: 143000},
			{Grade: "S", Rows: 5, Price: 121000},
		},
	}
	for _, at := range []time.Time{first, first.AddDate(0, 0, 1)} {
		if _, err := catalog.CreateSchedule(ctx, con.ID, at, layout); err != nil {
			return err
		}
	}
	return nil
}
