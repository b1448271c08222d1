package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/concert-seat-reservation/internal/model"
	"github.com/iliyamo/concert-seat-reservation/internal/queue"
)

// EventPublisher sends committed transitions to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, queue.Event) error { return nil }

// NopPublisher drops every event. It is used when EVENTS_ENABLED is off.
var NopPublisher EventPublisher = nopPublisher{}

const publishTimeout = 3 * time.Second

// publish is best effort: the transition is already committed, so a
// broker failure is logged and never returned to the caller.
func publish(ctx context.Context, p EventPublisher, log logrus.FieldLogger, ev queue.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.Publish(ctx, ev); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"type":           ev.Type,
			"reservation_id": ev.ReservationID,
		}).Warn("event publish failed")
	}
}

func reservationEvent(typ string, r model.Reservation, at time.Time) queue.Event {
	ev := queue.Event{
		Type:          typ,
		ReservationID: r.ID,
		UserID:        r.UserID,
		ScheduleID:    r.ScheduleID,
		SeatID:        r.SeatID,
		Amount:        r.Price,
		Currency:      r.Currency,
		OccurredAt:    at,
	}
	if r.PaymentRef != nil {
		ev.ExternalTxnID = *r.PaymentRef
	}
	return ev
}
