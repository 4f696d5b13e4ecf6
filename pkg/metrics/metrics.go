package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheReads counts inventory reads by how they were served (hit|miss|fallback).
	CacheReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lotsync_cache_reads_total",
			Help: "Total number of inventory read requests by cache outcome",
		},
		[]string{"outcome"},
	)

	// RefreshRuns counts completed synchronization runs by kind and result.
	RefreshRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lotsync_refresh_runs_total",
			Help: "Total number of inventory refresh runs",
		},
		[]string{"kind", "result"},
	)

	// RefreshInFlight tracks currently running refresh operations.
	RefreshInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lotsync_refresh_in_flight",
			Help: "Number of refresh operations currently running",
		},
	)

	// RemoteCallDuration measures latency of individual provider page fetches.
	RemoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lotsync_remote_call_seconds",
			Help:    "Remote provider call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// BreakerState exposes the circuit breaker state per provider account
	// (0=closed, 1=half-open, 2=open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lotsync_breaker_state",
			Help: "Circuit breaker state per provider account",
		},
		[]string{"account"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lotsync_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
