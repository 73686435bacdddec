package resilience

import "github.com/prometheus/client_golang/prometheus"

var (
	// BreakerState exports the live breaker state per guarded target
	// (0 closed, 1 open, 2 half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "payrecon",
			Name:      "breaker_state",
			Help:      "Live circuit state per target: 0=closed, 1=open, 2=half-open.",
		},
		[]string{"target"},
	)

	// BreakerTransitions counts every state change, labelled by edge.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrecon",
			Name:      "breaker_transition_total",
			Help:      "Circuit state transitions by from/to edge.",
		},
		[]string{"target", "from", "to"},
	)

	// BreakerOpenedTotal counts trips into the open state, the alerting
	// signal for a gateway outage.
	BreakerOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrecon",
			Name:      "breaker_open_total",
			Help:      "Times the circuit tripped open.",
		},
		[]string{"target"},
	)
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal)
}
