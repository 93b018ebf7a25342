// Package metrics provides Prometheus metrics for the worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished jobs by outcome.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "videogen",
			Name:      "jobs_total",
			Help:      "Total number of jobs by outcome",
		},
		[]string{"outcome"}, // "succeeded" or a failure kind
	)

	// JobsActive tracks jobs currently in the pipeline.
	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "videogen",
			Name:      "jobs_active",
			Help:      "Number of jobs currently being processed",
		},
	)

	// JobDuration tracks end-to-end job duration.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "videogen",
			Name:      "job_duration_seconds",
			Help:      "Job duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"outcome"},
	)

	// StageDuration tracks time spent per pipeline stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "videogen",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"stage"},
	)

	// EnginePolls counts history polls by result.
	EnginePolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "videogen",
			Name:      "engine_polls_total",
			Help:      "Total number of engine history polls",
		},
		[]string{"result"}, // "pending", "done", "failed", "error"
	)

	// ArtifactResolutions counts how artifacts were found.
	ArtifactResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "videogen",
			Name:      "artifact_resolutions_total",
			Help:      "Total number of artifact resolutions by strategy",
		},
		[]string{"strategy"}, // "metadata", "scan", "none"
	)

	// UploadBytes tracks published artifact sizes.
	UploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "videogen",
			Name:      "upload_bytes",
			Help:      "Size of published artifacts in bytes",
			Buckets:   prometheus.ExponentialBuckets(64<<10, 4, 10),
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "videogen",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "videogen",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
