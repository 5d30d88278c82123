package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AccountingInconsistencies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchase_processor_accounting_inconsistencies_total",
		Help: "Provider-confirmed money movements that could not be recorded locally.",
	}, []string{"provider", "operation"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchase_processor_webhook_events_total",
		Help: "Inbound provider events by outcome (applied, duplicate, ignored, failed).",
	}, []string{"provider", "outcome"})

	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchase_processor_operations_total",
		Help: "Orchestrated operations by result status.",
	}, []string{"operation", "provider", "status"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "purchase_processor_provider_call_duration_seconds",
		Help:    "Latency of outbound provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "call"})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchase_processor_reconcile_runs_total",
		Help: "Scheduled reconciliation sweeps by job and result.",
	}, []string{"job", "result"})

	LocksLost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchase_processor_locks_lost_total",
		Help: "Distributed locks whose key expired or changed hands while still held.",
	}, []string{"stage"})
)
