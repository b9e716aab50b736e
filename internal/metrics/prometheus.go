// Package metrics provides Prometheus metrics collection for the edge
// proxy. It tracks request latencies, cache effectiveness, origin
// fetches, and capacity-management activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vodedge"

var (
	// RequestsTotal counts object requests by method and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total object requests",
		},
		[]string{"method", "status"},
	)

	// RequestLatency tracks end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	// CacheResults counts cache lookups by outcome.
	CacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_results_total",
			Help:      "Cache lookups by result (hit, miss, bypass)",
		},
		[]string{"result"},
	)

	// OriginLatency tracks origin fetch latency by operation.
	OriginLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "origin_latency_seconds",
			Help:      "Origin request latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// OriginErrors counts classified origin errors.
	OriginErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_errors_total",
			Help:      "Origin errors by classification",
		},
		[]string{"kind"},
	)

	// PlaylistRewrites counts playlist rewrites by outcome.
	PlaylistRewrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playlist_rewrites_total",
			Help:      "HLS playlist rewrites by outcome",
		},
		[]string{"outcome"},
	)

	// CapacityUsage exposes the last observed fill percentage per tier.
	CapacityUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_capacity_used_percentage",
			Help:      "Cache tier fill level in percent",
		},
		[]string{"tier"},
	)

	// CapacityEvictions counts capacity-driven evictions per tier.
	CapacityEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_capacity_evictions_total",
			Help:      "Items evicted by the capacity manager",
		},
		[]string{"tier"},
	)

	// CapacityMigrations counts L1 to L2 migrations by outcome.
	CapacityMigrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_capacity_migrations_total",
			Help:      "L1 to L2 migrations by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordCacheResult records a cache lookup outcome (hit, miss, bypass).
func RecordCacheResult(result string) {
	CacheResults.WithLabelValues(result).Inc()
}

// RecordOriginError records a classified origin error.
func RecordOriginError(kind string) {
	OriginErrors.WithLabelValues(kind).Inc()
}

// RecordCapacityUsage records the observed fill level of a tier.
func RecordCapacityUsage(tier string, pct float64) {
	CapacityUsage.WithLabelValues(tier).Set(pct)
}

// RecordEvictions records capacity-driven evictions on a tier.
func RecordEvictions(tier string, count int) {
	if count > 0 {
		CapacityEvictions.WithLabelValues(tier).Add(float64(count))
	}
}

// RecordMigrations records a migration cycle's successes and failures.
func RecordMigrations(migrated, failed int) {
	if migrated > 0 {
		CapacityMigrations.WithLabelValues("migrated").Add(float64(migrated))
	}
	if failed > 0 {
		CapacityMigrations.WithLabelValues("failed").Add(float64(failed))
	}
}
