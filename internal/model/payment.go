package model

import "time"

// PaymentStatus is the lifecycle state of a payment order.
type PaymentStatus string

const (
    PaymentIssued    PaymentStatus = "ISSUED"
    PaymentConfirmed PaymentStatus = "CONFIRMED"
    PaymentFailed    PaymentStatus = "FAILED"
    PaymentRefunded  PaymentStatus = "REFUNDED"
)

// PaymentOrder binds one checkout attempt to a pending reservation.  The
// order reference is what the buyer's browser hands to the gateway as
// the merchant order id.  RefundPending marks orders whose money was
// taken but whose compensating refund has not gone through yet.
type PaymentOrder struct {
    Ref           string        `db:"order_ref" json:"orderRef"`
    ReservationID uint64        `db:"reservation_id" json:"reservationId"`
    UserID        uint64        `db:"user_id" json:"-"`
    Amount        int64         `db:"amount" json:"amount"`
    Currency      string        `db:"currency" json:"currency"`
    Status        PaymentStatus `db:"status" json:"status"`
    ExternalTxnID *string       `db:"external_txn_id" json:"externalTxnId,omitempty"`
    FailureReason *string       `db:"failure_reason" json:"failureReason,omitempty"`
    RefundPending bool          `db:"refund_pending" json:"refundPending"`
    CreatedAt     time.Time     `db:"created_at" json:"createdAt"`
    UpdatedAt     time.Time     `db:"updated_at" json:"updatedAt"`
}

// StrayRefundStatus is the lifecycle state of a refund owed for a charge
// that no order could take.
type StrayRefundStatus string

const (
    StrayRefundOwed     StrayRefundStatus = "OWED"
    StrayRefundRefunded StrayRefundStatus = "REFUNDED"
    // StrayRefundVoid marks a charge the gateway later reported as never
    // taken, so there is nothing to give back.
    StrayRefundVoid StrayRefundStatus = "VOID"
)

// StrayRefund is a charge that arrived on an order already settled by
// another transaction (or confirmed concurrently) and whose refund did
// not go through at once.  The order row cannot carry it, so it is kept
// here, keyed by order and transaction, until the sweeper settles it.
type StrayRefund struct {
    OrderRef      string            `db:"order_ref" json:"orderRef"`
    ExternalTxnID string            `db:"external_txn_id" json:"externalTxnId"`
    Amount        int64             `db:"amount" json:"amount"`
    Currency      string            `db:"currency" json:"currency"`
    Reason        string            `db:"reason" json:"reason"`
    Status        StrayRefundStatus `db:"status" json:"status"`
    CreatedAt     time.Time         `db:"created_at" json:"createdAt"`
    UpdatedAt     time.Time         `db:"updated_at" json:"updatedAt"`
}
