package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/concert-seat-reservation/internal/clock"
	"github.com/iliyamo/concert-seat-reservation/internal/metrics"
	"github.com/iliyamo/concert-seat-reservation/internal/repository"
)

// SeatLedger is the only way a seat changes hands. Each claim is one
// atomic store call scoped to the seat; there is no read-then-write path.
type SeatLedger struct {
	store    LedgerStore
	clock    clock.Clock
	currency string
	log      logrus.FieldLogger
}

func NewSeatLedger(store LedgerStore, clk clock.Clock, currency string, log logrus.FieldLogger) *SeatLedger {
	return &SeatLedger{store: store, clock: clk, currency: currency, log: log}
}

// TryHold claims seatID for userID for ttl. When the seat is already held
// by the same user the existing reservation is returned together with
// ErrAlreadyHeldBySelf.
func (l *SeatLedger) TryHold(ctx context.Context, scheduleID, seatID, userID uint64, ttl time.Duration) (repository.HoldResult, error) {
	now := l.clock.Now()
	res, err := l.store.TryHold(ctx, repository.HoldRequest{
		ScheduleID: scheduleID,
		SeatID:     seatID,
		UserID:     userID,
		Currency:   l.currency,
		Now:        now,
		ExpiresAt:  now.Add(ttl),
	})
	switch {
	case err == nil:
		metrics.HoldAttempts.WithLabelValues("ok").Inc()
		return res, nil
	case errors.Is(err, repository.ErrHeldBySelf):
		metrics.HoldAttempts.WithLabelValues("self").Inc()
		return res, ErrAlreadyHeldBySelf
	case errors.Is(err, repository.ErrSeatUnavailable):
		metrics.HoldAttempts.WithLabelValues("unavailable").Inc()
		return repository.HoldResult{}, ErrSeatUnavailable
	case errors.Is(err, repository.ErrNotFound):
		return repository.HoldResult{}, ErrSeatNotFound
	default:
		metrics.HoldAttempts.WithLabelValues("error").Inc()
		return repository.HoldResult{}, fmt.Errorf("try hold seat %d: %w", seatID, err)
	}
}

// ReleaseStale force-releases seats still HELD more than grace after their
// hold ended. It returns how many seats were released.
func (l *SeatLedger) ReleaseStale(ctx context.Context, grace time.Duration, limit int) (int, []repository.ForceReleaseResult, error) {
	now := l.clock.Now()
	cutoff := now.Add(-grace)
	seats, err := l.store.ListStaleHolds(ctx, cutoff, limit)
	if err != nil {
		return 0, nil, fmt.Errorf("list stale holds: %w", err)
	}
	released := 0
	var results []repository.ForceReleaseResult
	var errs []error
	for _, s := range seats {
		r, err := l.store.ForceRelease(ctx, s.ID, cutoff, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("seat %d: %w", s.ID, err))
			continue
		}
		if r.Released {
			released++
			results = append(results, r)
			l.log.WithField("seat_id", s.ID).Warn("force-released stale hold")
		}
	}
	return released, results, errors.Join(errs...)
}

// Audit reports every seat whose status disagrees with its live
// reservations and updates the violation gauge.
func (l *SeatLedger) Audit(ctx context.Context) ([]repository.Violation, error) {
	v, err := l.store.Audit(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	metrics.InvariantViolations.Set(float64(len(v)))
	return v, nil
}
