package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/gauges for the discovery and booking flow.
type EngineMetrics struct {
	pollsTotal         *prometheus.CounterVec
	slotsDiscovered    prometheus.Counter
	slotsEligible      prometheus.Counter
	slotsLost          prometheus.Counter
	bookingAttempts    *prometheus.CounterVec
	rateLimitedCenters prometheus.Gauge
	claimInFlight      prometheus.Gauge
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotgun",
			Subsystem: "poll",
			Name:      "fetches_total",
			Help:      "Total availability fetches by center and outcome",
		}, []string{"center", "status"}),
		slotsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slotgun",
			Subsystem: "poll",
			Name:      "slots_discovered_total",
			Help:      "Total slots returned by the provider",
		}),
		slotsEligible: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slotgun",
			Subsystem: "poll",
			Name:      "slots_eligible_total",
			Help:      "Total slots that passed the eligibility filter",
		}),
		slotsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slotgun",
			Subsystem: "booking",
			Name:      "slots_lost_total",
			Help:      "Total eligible slots lost to the booking race",
		}),
		bookingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotgun",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Total booking attempts by outcome",
		}, []string{"outcome"}),
		rateLimitedCenters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slotgun",
			Subsystem: "poll",
			Name:      "rate_limited_centers",
			Help:      "Centers currently backing off on a rate-limit hint",
		}),
		claimInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slotgun",
			Subsystem: "booking",
			Name:      "claims_in_flight",
			Help:      "Booking attempts currently claiming (must not exceed 1)",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.pollsTotal,
		m.slotsDiscovered,
		m.slotsEligible,
		m.slotsLost,
		m.bookingAttempts,
		m.rateLimitedCenters,
		m.claimInFlight,
	)
	return m
}

func (m *EngineMetrics) ObservePoll(center, status string) {
	if m == nil {
		return
	}
	m.pollsTotal.WithLabelValues(center, status).Inc()
}

func (m *EngineMetrics) ObserveSlotsDiscovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.slotsDiscovered.Add(float64(n))
}

func (m *EngineMetrics) ObserveSlotEligible() {
	if m == nil {
		return
	}
	m.slotsEligible.Inc()
}

func (m *EngineMetrics) ObserveSlotLost() {
	if m == nil {
		return
	}
	m.slotsLost.Inc()
}

func (m *EngineMetrics) ObserveBookingAttempt(outcome string) {
	if m == nil {
		return
	}
	m.bookingAttempts.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) SetRateLimitedCenters(n int) {
	if m == nil {
		return
	}
	m.rateLimitedCenters.Set(float64(n))
}

func (m *EngineMetrics) ClaimStarted() {
	if m == nil {
		return
	}
	m.claimInFlight.Inc()
}

func (m *EngineMetrics) ClaimFinished() {
	if m == nil {
		return
	}
	m.claimInFlight.Dec()
}
