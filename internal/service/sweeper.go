package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/concert-seat-reservation/internal/metrics"
	"github.com/iliyamo/concert-seat-reservation/internal/queue"
	"github.com/iliyamo/concert-seat-reservation/internal/repository"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Expired         int                    `json:"expired"`
	ForceReleased   int                    `json:"forceReleased"`
	RefundsRetried  int                    `json:"refundsRetried"`
	Violations      []repository.Violation `json:"violations"`
	DurationSeconds float64                `json:"durationSeconds"`
}

// Sweeper expires overdue holds on a ticker, force-releases seats stuck in
// HELD past the grace period, retries pending refunds and audits the seat
// ledger. Holds are also expired lazily on claim and on read, so the
// sweeper only bounds how long an abandoned seat can look taken.
type Sweeper struct {
	manager     *ReservationManager
	ledger      *SeatLedger
	coordinator *PaymentCoordinator
	log         logrus.FieldLogger

	interval time.Duration
	grace    time.Duration
	batch    int

	// one sweep at a time, whether from the ticker or an operator call
	mu sync.Mutex
}

func NewSweeper(manager *ReservationManager, ledger *SeatLedger, coordinator *PaymentCoordinator, log logrus.FieldLogger, interval, grace time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batch <= 0 {
		batch = 200
	}
	return &Sweeper{
		manager:     manager,
		ledger:      ledger,
		coordinator: coordinator,
		log:         log,
		interval:    interval,
		grace:       grace,
		batch:       batch,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.log.WithFields(logrus.Fields{"interval": s.interval, "grace": s.grace}).Info("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Step failures are logged and left for the next
// tick; they never stop the remaining steps.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	var rep SweepReport

	n, err := s.manager.ExpireDue(ctx, s.batch)
	rep.Expired = n
	if err != nil {
		s.log.WithError(err).Error("sweep: expire overdue holds")
	}

	released, results, err := s.ledger.ReleaseStale(ctx, s.grace, s.batch)
	rep.ForceReleased = released
	if err != nil {
		s.log.WithError(err).Error("sweep: force release")
	}
	for _, r := range results {
		if r.Expired != nil {
			s.manager.afterTransition(ctx, *r.Expired, queue.TypeReservationExpired, "force_release")
		}
	}

	if s.coordinator != nil {
		retried, err := s.coordinator.RetryRefunds(ctx, s.batch)
		rep.RefundsRetried = retried
		if err != nil {
			s.log.WithError(err).Error("sweep: retry refunds")
		}
	}

	violations, err := s.ledger.Audit(ctx)
	if err != nil {
		s.log.WithError(err).Error("sweep: audit")
	}
	rep.Violations = violations
	for _, v := range violations {
		s.log.WithFields(logrus.Fields{
			"seat_id":           v.SeatID,
			"seat_status":       v.SeatStatus,
			"live_reservations": v.LiveReservations,
		}).Error("seat ledger invariant violated")
	}

	d := time.Since(start)
	metrics.SweepDuration.Observe(d.Seconds())
	rep.DurationSeconds = d.Seconds()
	if rep.Expired+rep.ForceReleased+rep.RefundsRetried > 0 {
		s.log.WithFields(logrus.Fields{
			"expired":         rep.Expired,
			"force_released":  rep.ForceReleased,
			"refunds_retried": rep.RefundsRetried,
		}).Info("sweep done")
	}
	return rep
}
