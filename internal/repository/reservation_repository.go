package repository // reservations table; rows are appended, never deleted

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/concert-seat-reservation/internal/model"
)

const reservationColumns = `id, seat_id, schedule_id, user_id, status, price, currency, expires_at, reserved_at, closed_at, payment_ref, created_at, updated_at`

// ReservationRepo persists reservations. Rows are inserted by a claim and
// afterwards only change status; nothing is ever deleted.
type ReservationRepo struct {
	db *sqlx.DB
}

// NewReservationRepo constructs a ReservationRepo given a DB handle.
func NewReservationRepo(db *sqlx.DB) *ReservationRepo { return &ReservationRepo{db: db} }

// GetByID returns a reservation without locking it.
func (r *ReservationRepo) GetByID(ctx context.Context, id uint64) (model.Reservation, error) {
	var res model.Reservation
	err := r.db.GetContext(ctx, &res, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reservation{}, ErrNotFound
	}
	return res, err
}

// LockTx loads a reservation with SELECT ... FOR UPDATE. Callers lock the
// seat first so that the lock order is always seat, then reservation.
func (r *ReservationRepo) LockTx(ctx context.Context, tx *sqlx.Tx, id uint64) (model.Reservation, error) {
	var res model.Reservation
	err := tx.GetContext(ctx, &res, `SELECT `+reservationColumns+` FROM reservations WHERE id = ? FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reservation{}, ErrNotFound
	}
	return res, err
}

// LiveBySeatTx returns the PENDING or PAID reservation on a seat, or nil.
func (r *ReservationRepo) LiveBySeatTx(ctx context.Context, tx *sqlx.Tx, seatID uint64) (*model.Reservation, error) {
	var res model.Reservation
	err := tx.GetContext(ctx, &res,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE seat_id = ? AND status IN ('PENDING', 'PAID') FOR UPDATE`, seatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateTx inserts a PENDING reservation and fills in its ID. The unique
// index on active_seat_id turns a second live reservation for the same
// seat into a duplicate key error.
func (r *ReservationRepo) CreateTx(ctx context.Context, tx *sqlx.Tx, res *model.Reservation) error {
	out, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (seat_id, schedule_id, user_id, status, price, currency, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.SeatID, res.ScheduleID, res.UserID, res.Status, res.Price, res.Currency, res.ExpiresAt, res.CreatedAt, res.UpdatedAt)
	if err != nil {
		// someone else got a live reservation on this seat first
		if isDuplicateKey(err) {
			return ErrSeatUnavailable
		}
		return err
	}
	id, err := out.LastInsertId()
	if err != nil {
		return err
	}
	res.ID = uint64(id)
	return nil
}

// UpdateStateTx writes the state columns of a reservation after a
// transition has been validated and applied in memory.
func (r *ReservationRepo) UpdateStateTx(ctx context.Context, tx *sqlx.Tx, res model.Reservation) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE reservations
		 SET status = ?, expires_at = ?, reserved_at = ?, closed_at = ?, payment_ref = ?, updated_at = ?
		 WHERE id = ?`,
		res.Status, res.ExpiresAt, res.ReservedAt, res.ClosedAt, res.PaymentRef, res.UpdatedAt, res.ID)
	return err
}

// ListExpiredPending returns PENDING reservations whose hold ended at or
// before now, oldest first.
func (r *ReservationRepo) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	out := []model.Reservation{}
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE status = 'PENDING' AND expires_at <= ?
		 ORDER BY expires_at LIMIT ?`, now, limit)
	return out, err
}

// ListByUser returns every reservation of a user joined with seat and
// concert data, newest first.
func (r *ReservationRepo) ListByUser(ctx context.Context, userID uint64) ([]model.ReservationView, error) {
	out := []model.ReservationView{}
	err := r.db.SelectContext(ctx, &out, `
		SELECT r.id AS reservation_id, r.status, r.schedule_id, r.seat_id,
		       s.grade AS seat_grade, s.label AS seat_label,
		       c.title AS concert_title, sc.starts_at AS concert_date,
		       r.price, r.currency, r.created_at, r.expires_at, r.reserved_at, r.closed_at
		FROM reservations r
		JOIN seats s ON s.id = r.seat_id
		JOIN schedules sc ON sc.id = r.schedule_id
		JOIN concerts c ON c.id = sc.concert_id
		WHERE r.user_id = ?
		ORDER BY r.created_at DESC, r.id DESC`, userID)
	return out, err
}
