package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/concert-seat-reservation/internal/clock"
	"github.com/iliyamo/concert-seat-reservation/internal/gateway"
	"github.com/iliyamo/concert-seat-reservation/internal/metrics"
	"github.com/iliyamo/concert-seat-reservation/internal/model"
	"github.com/iliyamo/concert-seat-reservation/internal/queue"
	"github.com/iliyamo/concert-seat-reservation/internal/repository"
)

// CoordinatorStore is what the PaymentCoordinator reads and writes.
type CoordinatorStore interface {
	PaymentStore
	ReservationStore
}

// PaymentCoordinator runs the payment saga:
//
//	ISSUED -> buyer pays at the gateway -> verify -> confirmPayment
//
// The gateway charge and the reservation write are separate steps. When
// the reservation side fails after money was taken the charge is refunded
// and the order ends REFUNDED, or FAILED with refundPending set when the
// refund itself could not be completed.
type PaymentCoordinator struct {
	store   CoordinatorStore
	manager *ReservationManager
	gw      gateway.Gateway
	clock   clock.Clock
	log     logrus.FieldLogger
	events  EventPublisher
}

// CoordinatorOption configures a PaymentCoordinator.
type CoordinatorOption func(*PaymentCoordinator)

// WithCoordinatorEvents sets the publisher for refund events.
func WithCoordinatorEvents(p EventPublisher) CoordinatorOption {
	return func(c *PaymentCoordinator) {
		if p != nil {
			c.events = p
		}
	}
}

func NewPaymentCoordinator(store CoordinatorStore, manager *ReservationManager, gw gateway.Gateway, clk clock.Clock, log logrus.FieldLogger, opts ...CoordinatorOption) *PaymentCoordinator {
	c := &PaymentCoordinator{
		store:   store,
		manager: manager,
		gw:      gw,
		clock:   clk,
		log:     log,
		events:  NopPublisher,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newOrderRef() string { return "order_" + shortuuid.New() }

// Checkout is what the buyer's browser needs to start the gateway flow.
type Checkout struct {
	OrderRef      string    `json:"orderRef"`
	ReservationID uint64    `json:"reservationId"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// IssueOrderID creates a new ISSUED order for a PENDING reservation of
// userID. Earlier ISSUED orders of the same reservation are failed with
// reason "superseded" so only the newest one can be confirmed.
func (c *PaymentCoordinator) IssueOrderID(ctx context.Context, userID, reservationID uint64) (Checkout, error) {
	if userID == 0 {
		return Checkout{}, ErrAuthRequired
	}
	res, err := c.store.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Checkout{}, ErrReservationNotFound
		}
		return Checkout{}, fmt.Errorf("get reservation %d: %w", reservationID, err)
	}
	if res.UserID != userID {
		return Checkout{}, ErrNotOwner
	}

	now := c.clock.Now()
	order := model.PaymentOrder{
		Ref:           newOrderRef(),
		ReservationID: res.ID,
		UserID:        userID,
		Amount:        res.Price,
		Currency:      res.Currency,
		Status:        model.PaymentIssued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	issued, err := c.store.IssueOrder(ctx, order, now)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrHoldElapsed):
		if _, xerr := c.manager.Expire(ctx, res.ID); xerr != nil {
			c.log.WithError(xerr).WithField("reservation_id", res.ID).Warn("expire on issue failed")
		}
		return Checkout{}, ErrReservationExpired
	case errors.Is(err, repository.ErrStateConflict):
		if issued.Reservation.Status == model.ReservationExpired {
			return Checkout{}, ErrReservationExpired
		}
		return Checkout{}, ErrReservationNotPending
	default:
		return Checkout{}, fmt.Errorf("issue order: %w", err)
	}

	log := c.log.WithFields(logrus.Fields{"order_ref": order.Ref, "reservation_id": res.ID})
	if issued.Superseded > 0 {
		log.WithField("superseded", issued.Superseded).Info("earlier payment orders superseded")
	}

	start := time.Now()
	err = c.gw.Initiate(ctx, gateway.InitiateRequest{OrderRef: order.Ref, Amount: order.Amount, Currency: order.Currency})
	metrics.GatewayLatency.WithLabelValues("initiate").Observe(time.Since(start).Seconds())
	if err != nil {
		// Nothing has been charged yet; the order stays ISSUED and the
		// buyer can ask for a new one.
		log.WithError(err).Warn("gateway initiate failed")
		if errors.Is(err, gateway.ErrUnavailable) {
			return Checkout{}, ErrGatewayUnavailable
		}
		return Checkout{}, fmt.Errorf("initiate payment: %w", err)
	}
	log.Info("payment order issued")

	return Checkout{
		OrderRef:      order.Ref,
		ReservationID: res.ID,
		Amount:        order.Amount,
		Currency:      order.Currency,
		ExpiresAt:     *issued.Reservation.ExpiresAt,
	}, nil
}

// PrepareForUser issues an order for reservationID, or for the newest live
// PENDING reservation of userID when reservationID is zero.
func (c *PaymentCoordinator) PrepareForUser(ctx context.Context, userID, reservationID uint64) (Checkout, error) {
	if userID == 0 {
		return Checkout{}, ErrAuthRequired
	}
	if reservationID != 0 {
		return c.IssueOrderID(ctx, userID, reservationID)
	}
	views, err := c.manager.ListByUser(ctx, userID)
	if err != nil {
		return Checkout{}, err
	}
	for _, v := range views {
		if v.Status == model.ReservationPending {
			return c.IssueOrderID(ctx, userID, v.ReservationID)
		}
	}
	return Checkout{}, ErrNoPendingReservation
}

// ConfirmRequest is a buyer's report that checkout completed.
type ConfirmRequest struct {
	UserID        uint64
	ReservationID uint64
	OrderRef      string
	ExternalTxnID string
}

// Confirm verifies the reported transaction and marks the reservation
// PAID. Failures after the gateway charged the buyer come back as a
// *ChargeError wrapping the domain error.
func (c *PaymentCoordinator) Confirm(ctx context.Context, req ConfirmRequest) (model.Reservation, error) {
	res, err := c.confirm(ctx, req)
	outcome := "ok"
	var se *Error
	if errors.As(err, &se) {
		outcome = se.Code
	} else if err != nil {
		outcome = "error"
	}
	metrics.PaymentConfirmations.WithLabelValues(outcome).Inc()
	return res, err
}

func (c *PaymentCoordinator) confirm(ctx context.Context, req ConfirmRequest) (model.Reservation, error) {
	if req.UserID == 0 {
		return model.Reservation{}, ErrAuthRequired
	}
	if req.OrderRef == "" || req.ExternalTxnID == "" {
		return model.Reservation{}, Invalid("orderRef and externalTxnId are required")
	}
	order, err := c.store.GetOrder(ctx, req.OrderRef)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Reservation{}, ErrOrderNotFound
		}
		return model.Reservation{}, fmt.Errorf("get order: %w", err)
	}
	if order.UserID != req.UserID {
		return model.Reservation{}, ErrNotOwner
	}
	if req.ReservationID != 0 && order.ReservationID != req.ReservationID {
		return model.Reservation{}, ErrOrderMismatch
	}
	log := c.log.WithFields(logrus.Fields{
		"order_ref":      order.Ref,
		"reservation_id": order.ReservationID,
		"txn_id":         req.ExternalTxnID,
	})

	// Replays of an already settled transaction on this order.
	if order.ExternalTxnID != nil && *order.ExternalTxnID == req.ExternalTxnID {
		switch {
		case order.Status == model.PaymentConfirmed:
			return c.replayConfirmed(ctx, order, req.ExternalTxnID)
		case order.Status == model.PaymentRefunded:
			return model.Reservation{}, &ChargeError{Cause: ErrOrderNotIssued, OrderRef: order.Ref, TxnID: req.ExternalTxnID, Refunded: true}
		case order.RefundPending:
			return model.Reservation{}, &ChargeError{Cause: ErrOrderNotIssued, OrderRef: order.Ref, TxnID: req.ExternalTxnID}
		}
	}
	if bound, err := c.store.GetOrderByTxn(ctx, req.ExternalTxnID); err == nil && bound.Ref != order.Ref {
		return model.Reservation{}, ErrDuplicateTransaction
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return model.Reservation{}, fmt.Errorf("lookup transaction: %w", err)
	}

	start := time.Now()
	v, err := c.gw.Verify(ctx, req.ExternalTxnID)
	metrics.GatewayLatency.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	if errors.Is(err, gateway.ErrUnknownTransaction) {
		return model.Reservation{}, ErrPaymentNotCompleted
	}
	if err != nil {
		// We cannot tell whether the buyer was charged. Refund on the
		// assumption that they were; a refund of an unpaid transaction is
		// rejected by the gateway and leaves the order for retry.
		log.WithError(err).Warn("gateway verify failed")
		return model.Reservation{}, c.compensate(ctx, order, req.ExternalTxnID, order.Amount, ErrGatewayUnavailable)
	}
	if v.OrderRef != "" && v.OrderRef != order.Ref {
		// The transaction paid for a different order; it stays confirmable
		// there, so nothing is refunded here.
		return model.Reservation{}, ErrOrderMismatch
	}
	if !v.Paid() {
		if _, err := c.store.UpdateOrder(ctx, repository.OrderUpdate{
			Ref:    order.Ref,
			From:   []model.PaymentStatus{model.PaymentIssued},
			To:     model.PaymentFailed,
			Reason: fmt.Sprintf("transaction %s", v.Status),
			At:     c.clock.Now(),
		}); err != nil && !errors.Is(err, repository.ErrStateConflict) {
			log.WithError(err).Error("mark order failed")
		}
		return model.Reservation{}, ErrPaymentNotCompleted
	}
	if v.Amount != order.Amount || (v.Currency != "" && v.Currency != order.Currency) {
		log.WithFields(logrus.Fields{"paid": v.Amount, "expected": order.Amount}).Warn("amount mismatch")
		return model.Reservation{}, c.compensate(ctx, order, req.ExternalTxnID, v.Amount, ErrAmountMismatch)
	}
	if order.Status != model.PaymentIssued {
		return model.Reservation{}, c.compensate(ctx, order, req.ExternalTxnID, v.Amount, ErrOrderNotIssued)
	}

	res, err := c.manager.ConfirmPayment(ctx, order.ReservationID, order.Ref, req.ExternalTxnID)
	if err != nil {
		log.WithError(err).Warn("reservation confirm failed after charge")
		var cause error = ErrOrderNotIssued
		if errors.As(err, new(*Error)) {
			cause = err
		}
		return res, c.compensate(ctx, order, req.ExternalTxnID, v.Amount, cause)
	}
	log.Info("payment confirmed")
	return res, nil
}

// replayConfirmed answers a repeated confirmation of a CONFIRMED order.
// It is a success only while the reservation is still PAID by that
// transaction; once the reservation was cancelled the replay is rejected,
// with refund details while the cancel refund is still owed.
func (c *PaymentCoordinator) replayConfirmed(ctx context.Context, order model.PaymentOrder, txnID string) (model.Reservation, error) {
	res, err := c.store.GetReservation(ctx, order.ReservationID)
	if err != nil {
		return model.Reservation{}, fmt.Errorf("get reservation %d: %w", order.ReservationID, err)
	}
	if res.Status == model.ReservationPaid && res.PaymentRef != nil && *res.PaymentRef == txnID {
		return res, nil
	}
	if order.RefundPending {
		return model.Reservation{}, &ChargeError{Cause: ErrReservationNotPending, OrderRef: order.Ref, TxnID: txnID}
	}
	return model.Reservation{}, ErrReservationNotPending
}

// compensate refunds a charge that could not be applied and records the
// outcome on the order. It always returns a *ChargeError wrapping cause.
func (c *PaymentCoordinator) compensate(ctx context.Context, order model.PaymentOrder, txnID string, amount int64, cause error) error {
	log := c.log.WithFields(logrus.Fields{"order_ref": order.Ref, "txn_id": txnID})
	refunded := c.refund(ctx, order.Ref, txnID, amount, cause.Error())

	// An order already settled by another transaction cannot carry this
	// charge; neither can one that moved on while we were refunding.
	stray := order.Status == model.PaymentConfirmed || (order.ExternalTxnID != nil && *order.ExternalTxnID != txnID)
	if !stray {
		upd := repository.OrderUpdate{
			Ref:           order.Ref,
			From:          []model.PaymentStatus{model.PaymentIssued, model.PaymentFailed},
			To:            model.PaymentFailed,
			ExternalTxnID: txnID,
			Reason:        cause.Error(),
			RefundPending: !refunded,
			At:            c.clock.Now(),
		}
		if refunded {
			upd.To = model.PaymentRefunded
		}
		_, err := c.store.UpdateOrder(ctx, upd)
		switch {
		case errors.Is(err, repository.ErrStateConflict):
			stray = true
		case err != nil:
			log.WithError(err).Error("record compensation on order")
		}
	}
	if stray {
		log.WithField("refunded", refunded).Warn("stray charge on settled order")
		if !refunded {
			now := c.clock.Now()
			if err := c.store.RecordStrayRefund(ctx, model.StrayRefund{
				OrderRef:      order.Ref,
				ExternalTxnID: txnID,
				Amount:        amount,
				Currency:      order.Currency,
				Reason:        cause.Error(),
				Status:        model.StrayRefundOwed,
				CreatedAt:     now,
				UpdatedAt:     now,
			}); err != nil {
				log.WithError(err).Error("record stray refund")
			}
		}
	}
	if refunded {
		metrics.Refunds.WithLabelValues("issued").Inc()
		publish(ctx, c.events, c.log, queue.Event{
			Type:          queue.TypePaymentRefunded,
			ReservationID: order.ReservationID,
			UserID:        order.UserID,
			OrderRef:      order.Ref,
			ExternalTxnID: txnID,
			Amount:        amount,
			Currency:      order.Currency,
			Reason:        cause.Error(),
			OccurredAt:    c.clock.Now(),
		})
	} else {
		metrics.Refunds.WithLabelValues("pending").Inc()
	}
	return &ChargeError{Cause: cause, OrderRef: order.Ref, TxnID: txnID, Refunded: refunded}
}

// refundKey keeps two different charges against one order from being
// collapsed into a single refund.
func refundKey(orderRef, txnID string) string { return orderRef + ":" + txnID }

func (c *PaymentCoordinator) refund(ctx context.Context, orderRef, txnID string, amount int64, reason string) bool {
	start := time.Now()
	err := c.gw.Refund(ctx, gateway.RefundRequest{
		TxnID:           txnID,
		OrderRef:        orderRef,
		Amount:          amount,
		Reason:          reason,
		DeduplicationID: refundKey(orderRef, txnID),
	})
	metrics.GatewayLatency.WithLabelValues("refund").Observe(time.Since(start).Seconds())
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"order_ref": orderRef, "txn_id": txnID}).Error("refund failed, will retry")
		return false
	}
	return true
}

// CancelAndRefund cancels a reservation and, when it had been paid,
// refunds its confirmed order. With override the ownership check is
// skipped. The refund is best effort: a failed one is flagged on the
// order and retried by the sweeper.
func (c *PaymentCoordinator) CancelAndRefund(ctx context.Context, reservationID, requesterID uint64, override bool) (model.Reservation, error) {
	var (
		res model.Reservation
		err error
	)
	if override {
		res, err = c.manager.ForceCancel(ctx, reservationID)
	} else {
		res, err = c.manager.Cancel(ctx, reservationID, requesterID)
	}
	if err != nil {
		return res, err
	}
	if res.PaymentRef == nil {
		return res, nil
	}
	order, err := c.store.GetOrderByTxn(ctx, *res.PaymentRef)
	if err != nil {
		c.log.WithError(err).WithField("reservation_id", res.ID).Error("cancelled paid reservation without order")
		return res, nil
	}
	refunded := c.refund(ctx, order.Ref, *res.PaymentRef, order.Amount, "reservation cancelled")
	upd := repository.OrderUpdate{
		Ref:           order.Ref,
		From:          []model.PaymentStatus{model.PaymentConfirmed},
		To:            model.PaymentConfirmed,
		Reason:        "reservation cancelled",
		RefundPending: true,
		At:            c.clock.Now(),
	}
	if refunded {
		upd.To, upd.RefundPending = model.PaymentRefunded, false
		metrics.Refunds.WithLabelValues("issued").Inc()
	} else {
		metrics.Refunds.WithLabelValues("pending").Inc()
	}
	if _, err := c.store.UpdateOrder(ctx, upd); err != nil {
		c.log.WithError(err).WithField("order_ref", order.Ref).Error("record refund on order")
	}
	if refunded {
		publish(ctx, c.events, c.log, queue.Event{
			Type:          queue.TypePaymentRefunded,
			ReservationID: res.ID,
			UserID:        res.UserID,
			ScheduleID:    res.ScheduleID,
			SeatID:        res.SeatID,
			OrderRef:      order.Ref,
			ExternalTxnID: *res.PaymentRef,
			Amount:        order.Amount,
			Currency:      order.Currency,
			Reason:        "reservation cancelled",
			OccurredAt:    c.clock.Now(),
		})
	}
	return res, nil
}

// refundOutcome is what a retried refund came to.
type refundOutcome int

const (
	refundRetryLater refundOutcome = iota
	refundIssued
	refundNotOwed
)

// settleRefund re-verifies a transaction before refunding it again. A
// charge the gateway does not know, or never completed, is not owed and
// stops being retried; one it already cancelled counts as refunded.
func (c *PaymentCoordinator) settleRefund(ctx context.Context, orderRef, txnID string, amount int64, reason string) refundOutcome {
	log := c.log.WithFields(logrus.Fields{"order_ref": orderRef, "txn_id": txnID})
	start := time.Now()
	v, err := c.gw.Verify(ctx, txnID)
	metrics.GatewayLatency.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, gateway.ErrUnknownTransaction):
		log.Info("refund not owed, transaction unknown to gateway")
		return refundNotOwed
	case err != nil:
		log.WithError(err).Warn("verify before refund retry failed")
		return refundRetryLater
	case v.Status == gateway.TxnCancelled:
		return refundIssued
	case !v.Paid():
		log.WithField("txn_status", v.Status).Info("refund not owed, transaction not charged")
		return refundNotOwed
	}
	if !c.refund(ctx, orderRef, txnID, amount, reason) {
		return refundRetryLater
	}
	return refundIssued
}

// RetryRefunds settles up to limit owed refunds, first those flagged on
// orders and then stray charges, and returns how many were settled.
func (c *PaymentCoordinator) RetryRefunds(ctx context.Context, limit int) (int, error) {
	pending, err := c.store.ListRefundPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list refund pending: %w", err)
	}
	done := 0
	for _, o := range pending {
		if o.ExternalTxnID == nil {
			continue
		}
		reason := "retry"
		if o.FailureReason != nil {
			reason = *o.FailureReason
		}
		upd := repository.OrderUpdate{
			Ref:    o.Ref,
			From:   []model.PaymentStatus{o.Status},
			To:     model.PaymentRefunded,
			Reason: reason,
			At:     c.clock.Now(),
		}
		switch c.settleRefund(ctx, o.Ref, *o.ExternalTxnID, o.Amount, reason) {
		case refundRetryLater:
			continue
		case refundNotOwed:
			// The status stays; only the owed refund is dropped.
			upd.To, upd.Reason = o.Status, "transaction not charged"
		}
		if _, err := c.store.UpdateOrder(ctx, upd); err != nil {
			c.log.WithError(err).WithField("order_ref", o.Ref).Error("record retried refund")
			continue
		}
		if upd.To == model.PaymentRefunded {
			metrics.Refunds.WithLabelValues("issued").Inc()
		}
		done++
	}

	strays, err := c.store.ListStrayRefunds(ctx, limit)
	if err != nil {
		return done, fmt.Errorf("list stray refunds: %w", err)
	}
	for _, sr := range strays {
		status := model.StrayRefundRefunded
		switch c.settleRefund(ctx, sr.OrderRef, sr.ExternalTxnID, sr.Amount, sr.Reason) {
		case refundRetryLater:
			continue
		case refundNotOwed:
			status = model.StrayRefundVoid
		}
		if err := c.store.SettleStrayRefund(ctx, sr.OrderRef, sr.ExternalTxnID, status, c.clock.Now()); err != nil {
			c.log.WithError(err).WithField("order_ref", sr.OrderRef).Error("record stray refund settled")
			continue
		}
		if status == model.StrayRefundRefunded {
			metrics.Refunds.WithLabelValues("issued").Inc()
		}
		done++
	}
	return done, nil
}
