package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	phaseTransitions *prometheus.CounterVec
	listingsCreated  prometheus.Counter
	settled          *prometheus.CounterVec
	valueMoved       prometheus.Counter
	bidsRegistered   prometheus.Counter
	privatePayments  prometheus.Counter
	timeouts         *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_phase_transitions_total",
				Help: "Count of phase machine transitions by target phase.",
			}, []string{"to"}),
			listingsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_listings_created_total",
				Help: "Count of listings created.",
			}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_settled_total",
				Help: "Count of escrows reaching a terminal phase by outcome.",
			}, []string{"outcome"}),
			valueMoved: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_value_moved_total",
				Help: "Cumulative native value paid out of the escrow vault.",
			}),
			bidsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_bids_registered_total",
				Help: "Count of delivery-agent bids entering a registry.",
			}),
			privatePayments: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_private_payments_total",
				Help: "Count of private payment audit records written.",
			}),
			timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_timeouts_total",
				Help: "Count of timeout expirations by window.",
			}, []string{"window"}),
		}
		prometheus.MustRegister(
			escrowRegistry.phaseTransitions,
			escrowRegistry.listingsCreated,
			escrowRegistry.settled,
			escrowRegistry.valueMoved,
			escrowRegistry.bidsRegistered,
			escrowRegistry.privatePayments,
			escrowRegistry.timeouts,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) ObservePhaseTransition(to string) {
	if m == nil {
		return
	}
	if to == "" {
		to = "unknown"
	}
	m.phaseTransitions.WithLabelValues(to).Inc()
}

func (m *EscrowMetrics) ObserveListingCreated() {
	if m == nil {
		return
	}
	m.listingsCreated.Inc()
}

func (m *EscrowMetrics) ObserveSettled(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.settled.WithLabelValues(outcome).Inc()
}

func (m *EscrowMetrics) ObserveValueMoved(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.valueMoved.Add(amount)
}

func (m *EscrowMetrics) ObserveBidRegistered() {
	if m == nil {
		return
	}
	m.bidsRegistered.Inc()
}

func (m *EscrowMetrics) ObservePrivatePayment() {
	if m == nil {
		return
	}
	m.privatePayments.Inc()
}

func (m *EscrowMetrics) ObserveTimeout(window string) {
	if m == nil {
		return
	}
	if window == "" {
		window = "unknown"
	}
	m.timeouts.WithLabelValues(window).Inc()
}
