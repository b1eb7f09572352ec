package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "pdsched_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "scheduler"},
		},
		[]string{"date", "sha", "version"},
	)

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdsched_requests_total",
			Help: "Number of scheduled requests by outcome",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdsched_queue_depth",
			Help: "Requests currently waiting in the admission queue",
		},
	)

	phaseLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdsched_phase_latency_seconds",
			Help:    "Per-phase request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	workersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pdsched_workers",
			Help: "Registered workers by role and status",
		},
		[]string{"role", "status"},
	)

	transfersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdsched_transfers_active",
			Help: "KV cache transfers currently executing",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, requests, queueDepth, phaseLatency, workersByStatus, transfersActive)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordRequest increments the request counter for an outcome.
func RecordRequest(outcome string) {
	requests.WithLabelValues(outcome).Inc()
}

// SetQueueDepth publishes the current queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObservePhase records one phase latency sample.
func ObservePhase(phase string, d time.Duration) {
	phaseLatency.WithLabelValues(phase).Observe(d.Seconds())
}

// SetWorkers publishes the worker count for a role/status pair.
func SetWorkers(role, status string, n int) {
	workersByStatus.WithLabelValues(role, status).Set(float64(n))
}

// SetTransfersActive publishes the number of executing transfers.
func SetTransfersActive(n int) {
	transfersActive.Set(float64(n))
}
