// Package repository contains data access logic separated from the
// services.  This file defines the payment order repository.  An order is
// the merchant-side id handed to the gateway before checkout; it records
// which external transaction paid it and whether money still has to go
// back to the buyer.  Charges that landed on an order which was already
// settled are kept apart in stray_refunds until they are refunded.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/concert-seat-reservation/internal/model"
)

const orderColumns = `order_ref, reservation_id, user_id, amount, currency, status, external_txn_id, failure_reason, refund_pending, created_at, updated_at`

// PaymentOrderRepo persists payment orders.
type PaymentOrderRepo struct {
	db *sqlx.DB
}

// NewPaymentOrderRepo constructs a PaymentOrderRepo given a DB handle.
func NewPaymentOrderRepo(db *sqlx.DB) *PaymentOrderRepo { return &PaymentOrderRepo{db: db} }

// GetByRef returns one order or ErrNotFound.
func (r *PaymentOrderRepo) GetByRef(ctx context.Context, ref string) (model.PaymentOrder, error) {
	return r.get(ctx, r.db, `SELECT `+orderColumns+` FROM payment_orders WHERE order_ref = ?`, ref)
}

// GetByTxn returns the order an external transaction was recorded on.
func (r *PaymentOrderRepo) GetByTxn(ctx context.Context, txnID string) (model.PaymentOrder, error) {
	return r.get(ctx, r.db, `SELECT `+orderColumns+` FROM payment_orders WHERE external_txn_id = ?`, txnID)
}

func (r *PaymentOrderRepo) get(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (model.PaymentOrder, error) {
	var o model.PaymentOrder
	err := sqlx.GetContext(ctx, q, &o, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PaymentOrder{}, ErrNotFound
	}
	return o, err
}

// SupersedeTx fails every ISSUED order of a reservation so that only the
// order about to be inserted can be charged.
func (r *PaymentOrderRepo) SupersedeTx(ctx context.Context, tx *sqlx.Tx, reservationID uint64, at time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE payment_orders SET status = 'FAILED', failure_reason = 'superseded', updated_at = ?
		 WHERE reservation_id = ? AND status = 'ISSUED'`, at, reservationID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateTx inserts a new ISSUED order.
func (r *PaymentOrderRepo) CreateTx(ctx context.Context, tx *sqlx.Tx, o model.PaymentOrder) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO payment_orders (order_ref, reservation_id, user_id, amount, currency, status, refund_pending, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		o.Ref, o.ReservationID, o.UserID, o.Amount, o.Currency, o.Status, o.CreatedAt, o.UpdatedAt)
	return err
}

// ConfirmTx moves an ISSUED order of the given reservation to CONFIRMED.
// It reports false when no such order exists.
func (r *PaymentOrderRepo) ConfirmTx(ctx context.Context, tx *sqlx.Tx, ref string, reservationID uint64, txnID string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE payment_orders SET status = 'CONFIRMED', external_txn_id = ?, updated_at = ?
		 WHERE order_ref = ? AND reservation_id = ? AND status = 'ISSUED'`,
		txnID, at, ref, reservationID)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Update applies an OrderUpdate if the order is in one of the expected
// states and returns the order as stored afterwards.
func (r *PaymentOrderRepo) Update(ctx context.Context, u OrderUpdate) (model.PaymentOrder, error) {
	query, args, err := sqlx.In(
		`UPDATE payment_orders
		 SET status = ?, external_txn_id = COALESCE(NULLIF(?, ''), external_txn_id),
		     failure_reason = NULLIF(?, ''), refund_pending = ?, updated_at = ?
		 WHERE order_ref = ? AND status IN (?)`,
		u.To, u.ExternalTxnID, u.Reason, u.RefundPending, u.At, u.Ref, u.From)
	if err != nil {
		return model.PaymentOrder{}, err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return model.PaymentOrder{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.PaymentOrder{}, err
	}
	cur, err := r.GetByRef(ctx, u.Ref)
	if err != nil {
		return model.PaymentOrder{}, err
	}
	if n == 0 && !(cur.Status == u.To && cur.RefundPending == u.RefundPending) {
		return cur, ErrStateConflict
	}
	return cur, nil
}

// ListRefundPending returns orders whose compensating refund still has to
// go through.
func (r *PaymentOrderRepo) ListRefundPending(ctx context.Context, limit int) ([]model.PaymentOrder, error) {
	out := []model.PaymentOrder{}
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+orderColumns+` FROM payment_orders WHERE refund_pending = 1 ORDER BY updated_at LIMIT ?`, limit)
	return out, err
}

const strayColumns = `order_ref, external_txn_id, amount, currency, reason, status, created_at, updated_at`

// RecordStray stores a refund owed for a charge the order could not take.
// Recording the same (order, transaction) twice keeps the first row.
func (r *PaymentOrderRepo) RecordStray(ctx context.Context, s model.StrayRefund) error {
	// the same stray charge may be reported more than once
	_, err := r.db.ExecContext(ctx,
		`INSERT IGNORE INTO stray_refunds (`+strayColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.OrderRef, s.ExternalTxnID, s.Amount, s.Currency, s.Reason, s.Status, s.CreatedAt, s.UpdatedAt)
	return err
}

// ListOwedStrays returns the stray refunds that still have to go through,
// oldest attempt first.
func (r *PaymentOrderRepo) ListOwedStrays(ctx context.Context, limit int) ([]model.StrayRefund, error) {
	out := []model.StrayRefund{}
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+strayColumns+` FROM stray_refunds WHERE status = 'OWED' ORDER BY updated_at LIMIT ?`, limit)
	return out, err
}

// SettleStray moves an owed stray refund to its final status.
func (r *PaymentOrderRepo) SettleStray(ctx context.Context, orderRef, txnID string, status model.StrayRefundStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE stray_refunds SET status = ?, updated_at = ?
		 WHERE order_ref = ? AND external_txn_id = ? AND status = 'OWED'`,
		status, at, orderRef, txnID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	// nothing updated: missing, already settled the same way, or settled differently
	if n == 0 {
		var cur model.StrayRefundStatus
		err := r.db.GetContext(ctx, &cur,
			`SELECT status FROM stray_refunds WHERE order_ref = ? AND external_txn_id = ?`, orderRef, txnID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if cur != status {
			return ErrStateConflict
		}
	}
	return nil
}
