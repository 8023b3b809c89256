// Package metrics provides Prometheus metrics for the pipetrace service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SpansStarted counts spans started by tracer name.
	SpansStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipetrace",
			Subsystem: "tracing",
			Name:      "spans_started_total",
			Help:      "Total number of spans started",
		},
		[]string{"tracer"}, // "Pipeline", "Queue", "Jobs"
	)

	// SpansFinished counts spans finished by tracer name.
	SpansFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipetrace",
			Subsystem: "tracing",
			Name:      "spans_finished_total",
			Help:      "Total number of spans finished",
		},
		[]string{"tracer"},
	)

	// LookupFailures counts span lookups that found nothing.
	LookupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipetrace",
			Subsystem: "correlate",
			Name:      "lookup_failures_total",
			Help:      "Total number of failed span lookups",
		},
		[]string{"component", "kind"},
	)

	// InstrumentationPanics counts recovered panics in correlator entry points.
	InstrumentationPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipetrace",
			Subsystem: "correlate",
			Name:      "recovered_panics_total",
			Help:      "Total number of recovered panics in correlators",
		},
		[]string{"operation"},
	)

	// CacheFlushes counts span cache flushes caused by backend swaps.
	CacheFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pipetrace",
			Subsystem: "spancache",
			Name:      "flushes_total",
			Help:      "Total number of span cache flushes",
		},
	)

	// CacheEvictions counts entries removed by the periodic sweep.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pipetrace",
			Subsystem: "spancache",
			Name:      "evictions_total",
			Help:      "Total number of stale span cache entries evicted",
		},
	)

	// CacheSize tracks live span cache entries.
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipetrace",
			Subsystem: "spancache",
			Name:      "entries",
			Help:      "Number of live span cache entries",
		},
	)

	// ExecutionsActive tracks executions with a live graph correlator.
	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipetrace",
			Subsystem: "correlate",
			Name:      "executions_active",
			Help:      "Number of executions currently being correlated",
		},
	)

	// EventsIngested counts dispatched events by source and type.
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipetrace",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total number of events dispatched",
		},
		[]string{"source", "type"},
	)

	// EventsRejected counts events that failed decoding or validation.
	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipetrace",
			Subsystem: "ingest",
			Name:      "events_rejected_total",
			Help:      "Total number of malformed events",
		},
		[]string{"reason"}, // "decode", "schema", "unknown"
	)

	// BackendSwaps counts tracer backend reconfigurations.
	BackendSwaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipetrace",
			Subsystem: "tracing",
			Name:      "backend_swaps_total",
			Help:      "Total number of tracer backend reconfigurations",
		},
		[]string{"backend", "result"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipetrace",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipetrace",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SimulatedRuns counts pipelines run by the simulator by result.
	SimulatedRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipetrace",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total number of simulated runs by result",
		},
		[]string{"result"},
	)

	// SlotsInUse tracks simulator execution slots held.
	SlotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipetrace",
			Subsystem: "engine",
			Name:      "slots_in_use",
			Help:      "Number of simulator execution slots in use",
		},
	)
)
