package repository // concerts and their schedules

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/concert-seat-reservation/internal/model"
)

// ConcertRepo encapsulates database operations for concerts.
type ConcertRepo struct {
	db *sqlx.DB
}

// NewConcertRepo constructs a ConcertRepo given a DB handle.
func NewConcertRepo(db *sqlx.DB) *ConcertRepo {
	return &ConcertRepo{db: db}
}

// Create inserts a concert and fills in its ID.
func (r *ConcertRepo) Create(ctx context.Context, c *model.Concert) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO concerts (title, venue, image_url, detail_image_url, start_date, end_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Title, c.Venue, c.ImageURL, c.DetailImageURL, c.StartDate, c.EndDate, c.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = uint64(id)
	return nil
}

// List returns all concerts, soonest first.
func (r *ConcertRepo) List(ctx context.Context) ([]model.Concert, error) {
	out := []model.Concert{}
	err := r.db.SelectContext(ctx, &out,
		`SELECT id, title, venue, image_url, detail_image_url, start_date, end_date, created_at
		 FROM concerts ORDER BY start_date, id`)
	return out, err
}

// GetByID returns one concert or ErrNotFound.
func (r *ConcertRepo) GetByID(ctx context.Context, id uint64) (model.Concert, error) {
	var c model.Concert
	err := r.db.GetContext(ctx, &c,
		`SELECT id, title, venue, image_url, detail_image_url, start_date, end_date, created_at
		 FROM concerts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Concert{}, ErrNotFound
	}
	return c, err
}

// scheduleSelect derives available_seats from the ledger on every read.
const scheduleSelect = `
	SELECT sc.id, sc.concert_id, sc.starts_at, sc.total_seats, sc.created_at,
	       (SELECT COUNT(*) FROM seats s WHERE s.schedule_id = sc.id AND s.status = 'AVAILABLE') AS available_seats
	FROM schedules sc`

// ScheduleRepo encapsulates database operations for schedules.
type ScheduleRepo struct {
	db *sqlx.DB
}

// NewScheduleRepo constructs a ScheduleRepo given a DB handle.
func NewScheduleRepo(db *sqlx.DB) *ScheduleRepo {
	return &ScheduleRepo{db: db}
}

// CreateTx inserts a schedule row and fills in its ID. Seats are added by
// the caller in the same transaction.
func (r *ScheduleRepo) CreateTx(ctx context.Context, tx *sqlx.Tx, s *model.Schedule) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO schedules (concert_id, starts_at, total_seats, created_at) VALUES (?, ?, ?, ?)`,
		s.ConcertID, s.StartsAt, s.TotalSeats, s.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = uint64(id)
	return nil
}

// GetByID returns one schedule with its derived availability.
func (r *ScheduleRepo) GetByID(ctx context.Context, id uint64) (model.Schedule, error) {
	var s model.Schedule
	err := r.db.GetContext(ctx, &s, scheduleSelect+` WHERE sc.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Schedule{}, ErrNotFound
	}
	return s, err
}

// ListByConcert returns the schedules of a concert in start order.
func (r *ScheduleRepo) ListByConcert(ctx context.Context, concertID uint64) ([]model.Schedule, error) {
	out := []model.Schedule{}
	err := r.db.SelectContext(ctx, &out, scheduleSelect+` WHERE sc.concert_id = ? ORDER BY sc.starts_at, sc.id`, concertID)
	return out, err
}
