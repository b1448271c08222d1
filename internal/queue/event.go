// Package queue defines the reservation events exchanged over RabbitMQ and
// the publisher and consumer that move them.
package queue

import "time"

// QueueName is the durable queue every reservation event is routed to.
const QueueName = "reservation.events"

// Event types.
const (
    TypeReservationPaid      = "reservation.paid"
    TypeReservationCancelled = "reservation.cancelled"
    TypeReservationExpired   = "reservation.expired"
    TypePaymentRefunded      = "payment.refunded"
)

// Event is published after a reservation or payment transition has been
// committed.  It carries enough data for downstream consumers to log or
// notify without querying the primary database.
type Event struct {
    Type          string    `json:"type"`
    ReservationID uint64    `json:"reservation_id"`
    UserID        uint64    `json:"user_id"`
    ScheduleID    uint64    `json:"schedule_id"`
    SeatID        uint64    `json:"seat_id"`
    OrderRef      string    `json:"order_ref,omitempty"`
    ExternalTxnID string    `json:"external_txn_id,omitempty"`
    Amount        int64     `json:"amount"`
    Currency      string    `json:"currency"`
    Reason        string    `json:"reason,omitempty"`
    OccurredAt    time.Time `json:"occurred_at"`
}
