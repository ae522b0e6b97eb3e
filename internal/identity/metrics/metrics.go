// Package metrics exposes Prometheus instrumentation for the resolution
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for resolutions.
const (
	OutcomeCreatedPrimary    = "created_primary"
	OutcomeAppendedSecondary = "appended_secondary"
	OutcomeMerged            = "merged"
	OutcomeNoop              = "noop"
)

// Metrics holds the resolution engine's Prometheus collectors.
type Metrics struct {
	ResolutionsTotal     *prometheus.CounterVec
	MergesTotal          prometheus.Counter
	ConflictRetriesTotal prometheus.Counter
	ResolveDuration      prometheus.Histogram
	ViewCacheHitsTotal   prometheus.Counter
	ViewCacheMissesTotal prometheus.Counter
}

// New creates and registers all resolution metrics.
func New() *Metrics {
	return &Metrics{
		ResolutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_resolutions_total",
			Help: "Total identity resolutions, labelled by outcome",
		}, []string{"outcome"}),
		MergesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_cluster_merges_total",
			Help: "Total cluster merges (demoted primaries, not requests)",
		}),
		ConflictRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_conflict_retries_total",
			Help: "Total resolution replays after a serialization conflict",
		}),
		ResolveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconcile_resolve_duration_seconds",
			Help:    "Latency of identity resolutions",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		ViewCacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_view_cache_hits_total",
			Help: "Consolidated views served from the cache",
		}),
		ViewCacheMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_view_cache_misses_total",
			Help: "Resolutions that had to read the contact store",
		}),
	}
}

// RecordResolution increments the outcome counter by 1.
func (m *Metrics) RecordResolution(outcome string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(outcome).Inc()
}

// RecordMerges adds the number of primaries demoted by one resolution.
func (m *Metrics) RecordMerges(demoted int) {
	if m == nil || demoted <= 0 {
		return
	}
	m.MergesTotal.Add(float64(demoted))
}

// RecordConflictRetry increments the retry counter by 1.
func (m *Metrics) RecordConflictRetry() {
	if m == nil {
		return
	}
	m.ConflictRetriesTotal.Inc()
}

// ObserveResolveDuration records one resolution's latency in seconds.
func (m *Metrics) ObserveResolveDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ResolveDuration.Observe(seconds)
}

// RecordViewCacheHit increments the cache hit counter by 1.
func (m *Metrics) RecordViewCacheHit() {
	if m == nil {
		return
	}
	m.ViewCacheHitsTotal.Inc()
}

// RecordViewCacheMiss increments the cache miss counter by 1.
func (m *Metrics) RecordViewCacheMiss() {
	if m == nil {
		return
	}
	m.ViewCacheMissesTotal.Inc()
}
