package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentalsvc_transitions_total",
			Help: "Rental state transitions by transition and outcome",
		},
		[]string{"transition", "outcome"}, // confirm|pickup|... , ok|rejected|conflict|error
	)

	OutboxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentalsvc_outbox_events_total",
			Help: "Outbox poller results",
		},
		[]string{"result"}, // published|retried|failed
	)

	PricingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentalsvc_pricing_requests_total",
			Help: "Pricing gateway call results",
		},
		[]string{"result"}, // ok|error|fallback
	)

	PricingBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rentalsvc_pricing_breaker_state",
			Help: "Pricing circuit breaker state (0=closed 1=open 2=half-open)",
		},
	)

	BroadcastDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rentalsvc_broadcast_dropped_total",
			Help: "Availability updates dropped because a client was slow",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		TransitionsTotal,
		OutboxEventsTotal,
		PricingRequestsTotal,
		PricingBreakerState,
		BroadcastDroppedTotal,
	)
}
