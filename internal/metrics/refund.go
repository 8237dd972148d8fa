package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RefundCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refund",
		Name:      "created_total",
		Help:      "Refund requests opened by buyers.",
	})

	// RefundCreateRejectedTotal is labelled by the API error code.
	RefundCreateRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refund",
		Name:      "create_rejected_total",
		Help:      "Refund creations refused, by error code.",
	}, []string{"code"})

	RefundTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refund",
		Name:      "transitions_total",
		Help:      "Refund state transitions by event and result.",
	}, []string{"event", "result"})

	RefundDecisionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "refund",
		Name:      "decision_duration_seconds",
		Help:      "Time to apply a refund decision, ledger call included.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"event"})

	// RefundLedgerDebitsTotal outcomes: applied, already_applied, failed, reversed.
	RefundLedgerDebitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refund",
		Name:      "ledger_debits_total",
		Help:      "Seller balance debits issued for refunds, by outcome.",
	}, []string{"outcome"})

	RefundConcurrentConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refund",
		Name:      "concurrent_conflicts_total",
		Help:      "Compare-and-swap conflicts while applying refund decisions.",
	})

	RefundEscalationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refund",
		Name:      "escalations_total",
		Help:      "Pending refunds whose seller window lapsed without a decision.",
	})

	LedgerOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations by entry type and result.",
	}, []string{"op", "result"})

	LedgerOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "operation_duration_seconds",
		Help:      "Ledger operation latency by entry type.",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"op"})

	RefundResolutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "refund",
		Name:      "resolution_duration_seconds",
		Help:      "Time from refund creation to a terminal state.",
		Buckets:   []float64{3600, 4 * 3600, 12 * 3600, 86400, 2 * 86400, 4 * 86400, 7 * 86400, 14 * 86400},
	})
)

func registerRefundMetrics() {
	prometheus.MustRegister(
		RefundCreatedTotal,
		RefundCreateRejectedTotal,
		RefundTransitionsTotal,
		RefundDecisionDuration,
		RefundLedgerDebitsTotal,
		RefundConcurrentConflictsTotal,
		RefundEscalationsTotal,
		RefundResolutionDuration,
		LedgerOperationsTotal,
		LedgerOperationDuration,
	)
}
