package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// GatewayRequestTotal counts outbound gateway calls by operation and result.
	GatewayRequestTotal *prometheus.CounterVec
	// GatewayRequestDuration records outbound gateway call latency in milliseconds.
	GatewayRequestDuration *prometheus.HistogramVec
	// PollRunsTotal counts status poller runs by terminal result.
	PollRunsTotal *prometheus.CounterVec
	// PollAttemptsTotal counts individual status probes issued by pollers.
	PollAttemptsTotal prometheus.Counter
	// ReconcileTotal counts reconciliation outcomes by mapped status and disposition.
	ReconcileTotal *prometheus.CounterVec
	// CallbackTotal counts inbound gateway callbacks by channel and result.
	CallbackTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		GatewayRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Count of outbound gateway call outcomes.",
		}, []string{"op", "result"})
		GatewayRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_ms",
			Help:      "Latency for outbound gateway calls in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"op"})
		PollRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_runs_total",
			Help:      "Count of status poller runs by result.",
		}, []string{"result"})
		PollAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Total number of status probes issued by pollers.",
		})
		ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Count of reconciliation outcomes by status and disposition.",
		}, []string{"status", "disposition"})
		CallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_total",
			Help:      "Count of inbound gateway callbacks by channel and result.",
		}, []string{"channel", "result"})

		mustRegisterCollector(reg, GatewayRequestTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				GatewayRequestTotal = v
			}
		})
		mustRegisterCollector(reg, GatewayRequestDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				GatewayRequestDuration = v
			}
		})
		mustRegisterCollector(reg, PollRunsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PollRunsTotal = v
			}
		})
		mustRegisterCollector(reg, PollAttemptsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				PollAttemptsTotal = v
			}
		})
		mustRegisterCollector(reg, ReconcileTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ReconcileTotal = v
			}
		})
		mustRegisterCollector(reg, CallbackTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CallbackTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, c prometheus.Collector, replace func(prometheus.Collector)) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			replace(are.ExistingCollector)
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
