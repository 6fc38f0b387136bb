// Package metrics provides Prometheus metrics for the recent posts service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordTotal counts publish events by outcome.
	RecordTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recentposts",
			Name:      "record_total",
			Help:      "Total number of publish events by outcome",
		},
		[]string{"outcome"},
	)

	// RenderTotal counts widget renders.
	RenderTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recentposts",
			Name:      "render_total",
			Help:      "Total number of widget renders",
		},
	)

	// RenderedItems observes how many list items a render emitted.
	RenderedItems = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "recentposts",
			Name:      "rendered_items",
			Help:      "Distribution of list items emitted per render",
			Buckets:   []float64{0, 1, 5, 10, 25, 50},
		},
	)

	// StoreConflicts counts compare-and-swap conflicts by storage backend.
	StoreConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recentposts",
			Name:      "store_conflicts_total",
			Help:      "Total number of conflicting concurrent list updates",
		},
		[]string{"backend"},
	)
)

// RecordOutcome records the outcome of a publish event.
func RecordOutcome(outcome string) {
	RecordTotal.WithLabelValues(outcome).Inc()
}

// RecordRender records a render that emitted n list items.
func RecordRender(n int) {
	RenderTotal.Inc()
	RenderedItems.Observe(float64(n))
}

// RecordConflict records a storage conflict.
func RecordConflict(backend string) {
	StoreConflicts.WithLabelValues(backend).Inc()
}
