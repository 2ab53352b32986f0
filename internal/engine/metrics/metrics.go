// Package metrics exposes prometheus instrumentation for the quad sphere engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	sphereLabel = "sphere"
	pathLabel   = "path"
	kindLabel   = "kind"
)

// Build paths.
const (
	PathBatched = "batched"
	PathLegacy  = "legacy"
)

// Unresolved edge kinds.
const (
	UnresolvedPendingCollapse = "pending_collapse"
	UnresolvedViolation       = "violation"
)

var (
	quadCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quadsphere_quad_count",
		Help: "The number of active quads.",
	}, []string{sphereLabel})

	subdivisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadsphere_subdivisions_total",
		Help: "The total number of successful quad subdivisions.",
	}, []string{sphereLabel})

	collapses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadsphere_collapses_total",
		Help: "The total number of successful quad collapses.",
	}, []string{sphereLabel})

	builds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadsphere_builds_total",
		Help: "The total number of quad builds.",
	}, []string{pathLabel})

	buildErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadsphere_build_errors_total",
		Help: "The total number of failed quad builds.",
	}, []string{pathLabel})

	buildLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quadsphere_build_latency_seconds",
		Help:    "The time to build one quad.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{pathLabel})

	stitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadsphere_stitches_total",
		Help: "The total number of quads whose boundary normals were stitched.",
	}, []string{sphereLabel})

	unresolvedEdges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadsphere_unresolved_edges_total",
		Help: "The total number of boundaries skipped because the neighbor edge could not be resolved.",
	}, []string{kindLabel})

	outOfTime = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadsphere_out_of_time_frames_total",
		Help: "The total number of frames that ran out of subdivision time budget.",
	}, []string{sphereLabel})

	frameLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quadsphere_frame_latency_seconds",
		Help:    "The time spent in one sphere update.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{sphereLabel})
)

// InstrumentBuild records one build on path.
func InstrumentBuild(path string, d time.Duration, err error) {
	builds.With(prometheus.Labels{pathLabel: path}).Inc()
	buildLatency.With(prometheus.Labels{pathLabel: path}).Observe(d.Seconds())
	if err != nil {
		buildErrors.With(prometheus.Labels{pathLabel: path}).Inc()
	}
}

// InstrumentQuadCount sets the active quad gauge.
func InstrumentQuadCount(sphere string, n int) {
	quadCount.With(prometheus.Labels{sphereLabel: sphere}).Set(float64(n))
}

// InstrumentSubdivide counts a subdivision.
func InstrumentSubdivide(sphere string) {
	subdivisions.With(prometheus.Labels{sphereLabel: sphere}).Inc()
}

// InstrumentCollapse counts a collapse.
func InstrumentCollapse(sphere string) {
	collapses.With(prometheus.Labels{sphereLabel: sphere}).Inc()
}

// InstrumentStitch counts a stitched quad.
func InstrumentStitch(sphere string) {
	stitches.With(prometheus.Labels{sphereLabel: sphere}).Inc()
}

// InstrumentUnresolvedEdge counts a skipped boundary.
func InstrumentUnresolvedEdge(kind string) {
	unresolvedEdges.With(prometheus.Labels{kindLabel: kind}).Inc()
}

// InstrumentFrame records one sphere update.
func InstrumentFrame(sphere string, d time.Duration, ranOutOfTime bool) {
	frameLatency.With(prometheus.Labels{sphereLabel: sphere}).Observe(d.Seconds())
	if ranOutOfTime {
		outOfTime.With(prometheus.Labels{sphereLabel: sphere}).Inc()
	}
}
