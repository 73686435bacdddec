package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	// Depth tracks ready tasks per kind. For the poll-status queue this is
	// the number of transactions with a scheduled status check outstanding.
	Depth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "payrecon",
			Subsystem: "queue",
			Name:      "ready_tasks",
			Help:      "Tasks due or waiting for their scheduled time, per kind.",
		},
		[]string{"kind"},
	)

	// ProcessedTotal counts handler completions by terminal status
	// (ok, retry, dead).
	ProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrecon",
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Task handler completions by kind and result.",
		},
		[]string{"kind", "status"},
	)

	// DLQSize tracks tasks parked after exhausting their attempts. A
	// non-zero value for poll-status means transactions whose polling never
	// ran to completion and need operator attention.
	DLQSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "payrecon",
			Subsystem: "queue",
			Name:      "dead_tasks",
			Help:      "Tasks parked in the dead-letter list, per kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(Depth, ProcessedTotal, DLQSize)
}
