package gatekeeper

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors for the engine and resolver.
type Metrics struct {
	DecisionsTotal           *prometheus.CounterVec
	DecisionDuration         prometheus.Histogram
	DecisionCacheHits        prometheus.Counter
	PermissionCacheHits      prometheus.Counter
	PermissionCacheMisses    prometheus.Counter
	PermissionCacheCoalesced prometheus.Counter
	PermissionCacheSize      prometheus.Gauge
}

// NewMetrics creates and registers the collectors on the given registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "decisions_total",
			Help:      "Authorization decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gatekeeper",
			Name:      "decision_duration_seconds",
			Help:      "Time spent evaluating authorization decisions.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		DecisionCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "decision_cache_hits_total",
			Help:      "Decisions served from the decision cache.",
		}),
		PermissionCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "permission_cache_hits_total",
			Help:      "Permission resolutions served from cache.",
		}),
		PermissionCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "permission_cache_misses_total",
			Help:      "Permission resolutions requiring a source fetch.",
		}),
		PermissionCacheCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "permission_cache_coalesced_total",
			Help:      "Permission resolutions coalesced into a shared fetch.",
		}),
		PermissionCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Name:      "permission_cache_entries",
			Help:      "Cached permission sets.",
		}),
	}
	registry.MustRegister(
		m.DecisionsTotal,
		m.DecisionDuration,
		m.DecisionCacheHits,
		m.PermissionCacheHits,
		m.PermissionCacheMisses,
		m.PermissionCacheCoalesced,
		m.PermissionCacheSize,
	)
	return m
}
