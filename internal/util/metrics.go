package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileOperationsTotal counts engine operations by operation and result code
	ReconcileOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_operations_total",
		Help: "Total number of reconciliation engine operations",
	}, []string{"operation", "result"})

	ReconcileOperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconcile_operation_latency_seconds",
		Help:    "Latency of reconciliation engine operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_state_transitions_total",
		Help: "Total number of committed payment state transitions",
	}, []string{"from", "to"})

	ManualEscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_manual_escalations_total",
		Help: "Total number of orders moved to manual review",
	}, []string{"return_code"})

	RefundedAmountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_refunded_amount_total",
		Help: "Sum of confirmed refund amounts",
	})

	BackfilledDetailsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_backfilled_details_total",
		Help: "Total number of ledger details created by reconciliation queries",
	}, []string{"type"})

	ProviderCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_call_latency_seconds",
		Help:    "Latency of payment provider calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_calls_total",
		Help: "Total number of payment provider calls by transport outcome",
	}, []string{"operation", "outcome"})

	SweepRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_sweep_requests_total",
		Help: "Total number of reconcile requests emitted by the sweeper",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
