package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the geometry service.
type Metrics struct {
	BuildDuration  prometheus.Histogram
	BuildOutcomes  *prometheus.CounterVec
	BuildPoints    prometheus.Histogram
	BatchesStarted prometheus.Counter
	BatchesActive  prometheus.Gauge
	Invalidations  prometheus.Counter
	HullsGenerated prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		BuildDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "regions_geometry_build_duration_seconds",
			Help:    "Wall-clock duration of single-region geometry builds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120, 300},
		}),
		BuildOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regions_geometry_build_outcomes_total",
			Help: "Single-region build results by outcome (computed, skipped, timeout, error)",
		}, []string{"outcome"}),
		BuildPoints: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "regions_geometry_build_points",
			Help:    "Point count of the final merged geometry per build",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}),
		BatchesStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regions_geometry_batches_started_total",
			Help: "Hierarchy batch computations started",
		}),
		BatchesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "regions_geometry_batches_active",
			Help: "Hierarchy batch computations currently running",
		}),
		Invalidations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regions_geometry_invalidations_total",
			Help: "Cache invalidation walks triggered by membership or structural changes",
		}),
		HullsGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regions_hulls_generated_total",
			Help: "Enclosing-hull geometries persisted",
		}),
	}
}

// ObserveBuild records one build outcome with its duration.
func (m *Metrics) ObserveBuild(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.BuildOutcomes.WithLabelValues(outcome).Inc()
	m.BuildDuration.Observe(d.Seconds())
}
