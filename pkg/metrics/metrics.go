// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the point-value store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal tracks the total number of store queries executed
	QueriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pointvault_queries_total",
		Help: "Total number of store queries executed",
	})

	// QueryErrors tracks the number of queries answered with an error
	QueryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pointvault_query_errors_total",
		Help: "Total number of store queries answered with an error",
	})

	// QueryDuration tracks per-query execution latency
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pointvault_query_duration_seconds",
		Help:    "Duration of store query execution in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// UpdatesTotal tracks the number of point values upserted
	UpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pointvault_updates_total",
		Help: "Total number of point values updated",
	})

	// DeletesTotal tracks the number of point values deleted
	DeletesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pointvault_deletes_total",
		Help: "Total number of point values deleted",
	})

	// IgnoredUpdatesTotal tracks updates skipped by per-item validation
	IgnoredUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pointvault_ignored_updates_total",
		Help: "Total number of updates ignored after per-item validation",
	})

	// UpdateBatchDuration tracks update transaction latency
	UpdateBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pointvault_update_batch_duration_seconds",
		Help:    "Duration of update batch transactions in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// NoticesTotal tracks change notices fanned out to subscribers
	NoticesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pointvault_notices_total",
		Help: "Total number of change notices sent",
	})

	// ReplicationErrors tracks replication sink failures (logged, not propagated)
	ReplicationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pointvault_replication_errors_total",
		Help: "Total number of replication sink failures",
	})

	// SessionsActive tracks the number of live sessions per factory
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pointvault_sessions_active",
		Help: "Number of currently open sessions",
	}, []string{"factory"})

	// LoginFailures tracks failed login attempts
	LoginFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pointvault_login_failures_total",
		Help: "Total number of failed login attempts",
	})

	// RegistryBindings tracks names currently bound in the registry
	RegistryBindings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pointvault_registry_bindings",
		Help: "Number of names currently bound in the service registry",
	})

	// SynthesizedValues tracks values produced by inter/extrapolation
	SynthesizedValues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pointvault_synthesized_values_total",
		Help: "Total number of synthesized point values by kind",
	}, []string{"kind"})
)
