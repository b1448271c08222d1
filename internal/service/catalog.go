package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/concert-seat-reservation/internal/clock"
	"github.com/iliyamo/concert-seat-reservation/internal/model"
	"github.com/iliyamo/concert-seat-reservation/internal/repository"
)

// Catalog serves concerts, schedules and seats. Prices live on seats;
// availability is always derived from the seat ledger.
type Catalog struct {
	store CatalogStore
	clock clock.Clock
}

func NewCatalog(store CatalogStore, clk clock.Clock) *Catalog {
	return &Catalog{store: store, clock: clk}
}

// GradeBand prices a contiguous block of rows.
type GradeBand struct {
	Grade string `json:"grade"`
	Rows  int    `json:"rows"`
	Price int64  `json:"price"`
}

// Layout is the fixed seat map a schedule is created with. Bands are
// assigned to rows from the front; their row counts must add up to Rows.
type Layout struct {
	Rows   int         `json:"rows"`
	Cols   int         `json:"cols"`
	Grades []GradeBand `json:"grades"`
}

// Specs expands the layout into one SeatSpec per seat.
func (l Layout) Specs() ([]repository.SeatSpec, error) {
	if l.Rows <= 0 || l.Cols <= 0 {
		return nil, Invalid("rows and cols must be positive")
	}
	if l.Rows*l.Cols > 10000 {
		return nil, Invalid("layout too large")
	}
	if len(l.Grades) == 0 {
		return nil, Invalid("at least one grade is required")
	}
	total := 0
	for _, g := range l.Grades {
		if strings.TrimSpace(g.Grade) == "" || g.Rows <= 0 || g.Price < 0 {
			return nil, Invalid("invalid grade band %q", g.Grade)
		}
		total += g.Rows
	}
	if total != l.Rows {
		return nil, Invalid("grade rows add up to %d, layout has %d", total, l.Rows)
	}

	specs := make([]repository.SeatSpec, 0, l.Rows*l.Cols)
	row := 0
	for _, g := range l.Grades {
		for r := 0; r < g.Rows; r++ {
			label := rowLabel(row)
			for c := 1; c <= l.Cols; c++ {
				specs = append(specs, repository.SeatSpec{
					Row:   label,
					Col:   c,
					Label: fmt.Sprintf("%s-%d", label, c),
					Grade: strings.ToUpper(strings.TrimSpace(g.Grade)),
					Price: g.Price,
				})
			}
			row++
		}
	}
	return specs, nil
}

// rowLabel converts a zero-based row index into A..Z, AA..AZ, ...
func rowLabel(i int) string {
	if i < 0 {
		return ""
	}
	res := []rune{}
	for {
		res = append(res, rune('A'+i%26))
		i = i/26 - 1
		if i < 0 {
			break
		}
	}
	for j, k := 0, len(res)-1; j < k; j, k = j+1, k-1 {
		res[j], res[k] = res[k], res[j]
	}
	return string(res)
}

// ConcertInput is the payload for creating a concert.
type ConcertInput struct {
	Title          string    `json:"title"`
	Venue          string    `json:"venue"`
	ImageURL       string    `json:"imageUrl"`
	DetailImageURL string    `json:"detailImageUrl"`
	StartDate      time.Time `json:"startDate"`
	EndDate        time.Time `json:"endDate"`
}

func (c *Catalog) CreateConcert(ctx context.Context, in ConcertInput) (model.Concert, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Venue = strings.TrimSpace(in.Venue)
	if in.Title == "" || in.Venue == "" {
		return model.Concert{}, Invalid("title and venue are required")
	}
	if in.StartDate.IsZero() || in.EndDate.Before(in.StartDate) {
		return model.Concert{}, Invalid("endDate must not be before startDate")
	}
	con := model.Concert{
		Title:          in.Title,
		Venue:          in.Venue,
		ImageURL:       in.ImageURL,
		DetailImageURL: in.DetailImageURL,
		StartDate:      in.StartDate.UTC(),
		EndDate:        in.EndDate.UTC(),
		CreatedAt:      c.clock.Now(),
	}
	if err := c.store.CreateConcert(ctx, &con); err != nil {
		return model.Concert{}, fmt.Errorf("create concert: %w", err)
	}
	return con, nil
}

func (c *Catalog) ListConcerts(ctx context.Context) ([]model.Concert, error) {
	return c.store.ListConcerts(ctx)
}

// Page selects one page of a listing. Zero values mean the first page of
// 20; sizes above 100 are clamped.
type Page struct {
	Number int `json:"page"`
	Size   int `json:"page_size"`
}

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = 20
	}
	if p.Size > 100 {
		p.Size = 100
	}
	return p
}

// ListConcertsPage returns one page of concerts, the total count and the
// page actually served.
func (c *Catalog) ListConcertsPage(ctx context.Context, p Page) ([]model.Concert, int, Page, error) {
	p = p.normalize()
	all, err := c.store.ListConcerts(ctx)
	if err != nil {
		return nil, 0, p, err
	}
	from := min((p.Number-1)*p.Size, len(all))
	to := min(from+p.Size, len(all))
	return all[from:to], len(all), p, nil
}

// GetConcert returns a concert with its schedules.
func (c *Catalog) GetConcert(ctx context.Context, id uint64) (model.ConcertDetail, error) {
	con, err := c.store.GetConcert(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.ConcertDetail{}, ErrConcertNotFound
		}
		return model.ConcertDetail{}, err
	}
	schedules, err := c.store.ListSchedules(ctx, id)
	if err != nil {
		return model.ConcertDetail{}, err
	}
	return model.ConcertDetail{Concert: con, Schedules: schedules}, nil
}

// CreateSchedule adds a performance and its full seat layout.
func (c *Catalog) CreateSchedule(ctx context.Context, concertID uint64, startsAt time.Time, layout Layout) (model.Schedule, error) {
	if startsAt.IsZero() {
		return model.Schedule{}, Invalid("startsAt is required")
	}
	specs, err := layout.Specs()
	if err != nil {
		return model.Schedule{}, err
	}
	sc := model.Schedule{ConcertID: concertID, StartsAt: startsAt.UTC(), CreatedAt: c.clock.Now()}
	if err := c.store.CreateSchedule(ctx, &sc, specs); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Schedule{}, ErrConcertNotFound
		}
		return model.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	sc.AvailableSeats = sc.TotalSeats
	return sc, nil
}

// GetSchedule returns the seats of a schedule, its start time and the
// price of each grade.
func (c *Catalog) GetSchedule(ctx context.Context, id uint64) (model.ScheduleDetail, error) {
	sc, err := c.store.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.ScheduleDetail{}, ErrScheduleNotFound
		}
		return model.ScheduleDetail{}, err
	}
	con, err := c.store.GetConcert(ctx, sc.ConcertID)
	if err != nil {
		return model.ScheduleDetail{}, fmt.Errorf("get concert %d: %w", sc.ConcertID, err)
	}
	seats, err := c.store.ListSeats(ctx, id)
	if err != nil {
		return model.ScheduleDetail{}, err
	}
	return model.ScheduleDetail{
		Schedule:     sc,
		ConcertTitle: con.Title,
		Seats:        seats,
		PriceByGrade: priceByGrade(seats),
	}, nil
}

// Seats returns the seat grid of a schedule.
func (c *Catalog) Seats(ctx context.Context, scheduleID uint64) ([]model.Seat, error) {
	if _, err := c.store.GetSchedule(ctx, scheduleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return c.store.ListSeats(ctx, scheduleID)
}

// UpdateSeatPrice changes the catalog price of one seat. Existing
// reservations keep the price they snapshotted.
func (c *Catalog) UpdateSeatPrice(ctx context.Context, seatID uint64, price int64) error {
	if price < 0 {
		return Invalid("price must not be negative")
	}
	if err := c.store.UpdateSeatPrice(ctx, seatID, price); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSeatNotFound
		}
		return err
	}
	return nil
}

// priceByGrade reports the lowest price seen per grade.
func priceByGrade(seats []model.Seat) map[string]int64 {
	out := map[string]int64{}
	for _, s := range seats {
		if p, ok := out[s.Grade]; !ok || s.Price < p {
			out[s.Grade] = s.Price
		}
	}
	return out
}
