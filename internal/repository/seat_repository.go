// Package repository contains the MySQL and in-memory data access for the
// reservation ledger.  This file covers the seats table.  A seat belongs to
// exactly one schedule and carries its own status, so the seat row is the
// single place where concurrent claims for the same seat meet.  The
// version column is bumped on every status write and is only used by
// operators reading the table.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/concert-seat-reservation/internal/model"
)

const seatColumns = `id, schedule_id, seat_row, seat_col, label, grade, price, status, held_by, hold_expires_at, version`

// SeatRepo reads and writes the seats table, which doubles as the seat
// ledger. Every write that changes a seat's status runs inside a
// transaction that first locked the row with LockTx.
type SeatRepo struct {
	db *sqlx.DB
}

// NewSeatRepo constructs a SeatRepo given a DB handle.
func NewSeatRepo(db *sqlx.DB) *SeatRepo {
	return &SeatRepo{db: db}
}

// GetByID returns one seat or ErrNotFound.
func (r *SeatRepo) GetByID(ctx context.Context, id uint64) (model.Seat, error) {
	var s model.Seat
	err := r.db.GetContext(ctx, &s, `SELECT `+seatColumns+` FROM seats WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Seat{}, ErrNotFound
	}
	return s, err
}

// ListBySchedule returns the seats of a schedule ordered by row and column.
func (r *SeatRepo) ListBySchedule(ctx context.Context, scheduleID uint64) ([]model.Seat, error) {
	seats := []model.Seat{}
	err := r.db.SelectContext(ctx, &seats,
		`SELECT `+seatColumns+` FROM seats WHERE schedule_id = ? ORDER BY LENGTH(seat_row), seat_row, seat_col`,
		scheduleID)
	return seats, err
}

// CreateBulkTx inserts the fixed layout of a new schedule in one statement.
func (r *SeatRepo) CreateBulkTx(ctx context.Context, tx *sqlx.Tx, scheduleID uint64, specs []SeatSpec) error {
	if len(specs) == 0 {
		return nil
	}
	// build one multi-row INSERT; layouts are a few hundred seats at most
	var b strings.Builder
	b.WriteString(`INSERT INTO seats (schedule_id, seat_row, seat_col, label, grade, price, status, version) VALUES `)
	args := make([]interface{}, 0, len(specs)*7)
	for i, sp := range specs {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, 'AVAILABLE', 0)")
		args = append(args, scheduleID, sp.Row, sp.Col, sp.Label, sp.Grade, sp.Price)
	}
	_, err := tx.ExecContext(ctx, b.String(), args...)
	return err
}

// UpdatePrice changes the catalog price. Reservations keep the price they
// were created with.
func (r *SeatRepo) UpdatePrice(ctx context.Context, id uint64, price int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE seats SET price = ? WHERE id = ?`, price, id)
	if err != nil {
		return err
	}
	// MySQL reports 0 rows when the price did not change, so look again
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// LockTx loads a seat with SELECT ... FOR UPDATE. All ledger transitions
// start here, which serializes concurrent claims per seat.
func (r *SeatRepo) LockTx(ctx context.Context, tx *sqlx.Tx, id uint64) (model.Seat, error) {
	var s model.Seat
	err := tx.GetContext(ctx, &s, `SELECT `+seatColumns+` FROM seats WHERE id = ? FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Seat{}, ErrNotFound
	}
	return s, err
}

// HoldTx moves an AVAILABLE seat to HELD. It reports false when the seat
// was not AVAILABLE.
func (r *SeatRepo) HoldTx(ctx context.Context, tx *sqlx.Tx, id, userID uint64, expiresAt time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE seats SET status = 'HELD', held_by = ?, hold_expires_at = ?, version = version + 1
		 WHERE id = ? AND status = 'AVAILABLE'`,
		userID, expiresAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseTx returns a seat to AVAILABLE. Releasing an AVAILABLE seat is a
// no-op.
func (r *SeatRepo) ReleaseTx(ctx context.Context, tx *sqlx.Tx, id uint64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE seats SET status = 'AVAILABLE', held_by = NULL, hold_expires_at = NULL, version = version + 1
		 WHERE id = ? AND status <> 'AVAILABLE'`, id)
	return err
}

// MarkSoldTx marks a seat SOLD. Marking a SOLD seat again is a no-op.
func (r *SeatRepo) MarkSoldTx(ctx context.Context, tx *sqlx.Tx, id uint64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE seats SET status = 'SOLD', hold_expires_at = NULL, version = version + 1
		 WHERE id = ? AND status <> 'SOLD'`, id)
	return err
}

// ListStaleHolds returns seats still HELD whose hold ended at or before
// cutoff.
func (r *SeatRepo) ListStaleHolds(ctx context.Context, cutoff time.Time, limit int) ([]model.Seat, error) {
	seats := []model.Seat{}
	err := r.db.SelectContext(ctx, &seats,
		`SELECT `+seatColumns+` FROM seats
		 WHERE status = 'HELD' AND (hold_expires_at IS NULL OR hold_expires_at <= ?)
		 ORDER BY hold_expires_at LIMIT ?`, cutoff, limit)
	return seats, err
}

// Audit lists seats whose status disagrees with their live reservations.
func (r *SeatRepo) Audit(ctx context.Context) ([]Violation, error) {
	// an AVAILABLE seat must have no live reservation, any other exactly one
	out := []Violation{}
	err := r.db.SelectContext(ctx, &out, `
		SELECT s.id AS seat_id, s.status AS seat_status, COUNT(r.id) AS live_reservations
		FROM seats s
		LEFT JOIN reservations r ON r.seat_id = s.id AND r.status IN ('PENDING', 'PAID')
		GROUP BY s.id, s.status
		HAVING (s.status = 'AVAILABLE' AND COUNT(r.id) > 0)
		    OR (s.status <> 'AVAILABLE' AND COUNT(r.id) <> 1)`)
	return out, err
}
