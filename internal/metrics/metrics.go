// Package metrics holds the Prometheus collectors of the reservation
// service. They register with the default registry, which /metrics serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HoldAttempts counts seat claims by outcome.
	HoldAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concert",
		Name:      "hold_attempts_total",
		Help:      "Seat hold claims by outcome (ok, unavailable, self, error).",
	}, []string{"outcome"})

	// ReservationTransitions counts committed reservation transitions.
	ReservationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concert",
		Name:      "reservation_transitions_total",
		Help:      "Reservation transitions by target status and trigger.",
	}, []string{"to", "trigger"})

	// PaymentConfirmations counts payment confirmations by outcome.
	PaymentConfirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concert",
		Name:      "payment_confirmations_total",
		Help:      "Payment confirmations by outcome code.",
	}, []string{"outcome"})

	// Refunds counts compensating refunds by result.
	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concert",
		Name:      "refunds_total",
		Help:      "Compensating refunds by result (issued, pending).",
	}, []string{"result"})

	// GatewayLatency observes payment gateway calls.
	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "concert",
		Name:      "gateway_call_seconds",
		Help:      "Latency of payment gateway calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"call"})

	// SweepDuration observes one full sweeper pass.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "concert",
		Name:      "sweep_seconds",
		Help:      "Duration of one expiry sweep.",
		Buckets:   prometheus.DefBuckets,
	})

	// InvariantViolations is the number of seats the last audit flagged.
	InvariantViolations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "concert",
		Name:      "invariant_violations",
		Help:      "Seats whose ledger status disagrees with their live reservations at the last audit.",
	})

	// HTTPRequests counts served requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concert",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})
)
