// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crypto_pipeline"

var (
	// Registry holds the pipeline collectors plus the Go/process collectors.
	Registry = prometheus.NewRegistry()

	fetchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "Provider requests by outcome.",
		},
		[]string{"outcome"},
	)

	rateLimitWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "rate_limit_waits_total",
			Help:      "Number of HTTP 429 responses waited out.",
		},
	)

	rateLimitWaitSeconds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "rate_limit_wait_seconds_total",
			Help:      "Total time spent sleeping on provider rate limits.",
		},
	)

	fetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "failures_total",
			Help:      "Terminal fetch failures by kind.",
		},
		[]string{"kind"},
	)

	ingestUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "units_total",
			Help:      "Per-date units processed by result.",
		},
		[]string{"result"},
	)

	ingestRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Duration of bulk runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		},
		[]string{"mode"},
	)

	storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by name and result.",
		},
		[]string{"op", "result"},
	)

	storeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of store operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"op"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		fetchAttempts,
		rateLimitWaits,
		rateLimitWaitSeconds,
		fetchFailures,
		ingestUnits,
		ingestRunDuration,
		storeOps,
		storeOpDuration,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Fetch attempt outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeRateLimited  = "rate_limited"
	OutcomeHTTPError    = "http_error"
	OutcomeNetworkError = "network_error"
)

func RecordFetchAttempt(outcome string) {
	fetchAttempts.WithLabelValues(outcome).Inc()
}

func RecordRateLimitWait(d time.Duration) {
	rateLimitWaits.Inc()
	rateLimitWaitSeconds.Add(d.Seconds())
}

func RecordFetchFailure(kind string) {
	fetchFailures.WithLabelValues(kind).Inc()
}

// Unit results.
const (
	UnitSucceeded = "succeeded"
	UnitFailed    = "failed"
	UnitSkipped   = "skipped"
)

func RecordUnit(result string) {
	ingestUnits.WithLabelValues(result).Inc()
}

func ObserveRun(mode string, d time.Duration) {
	ingestRunDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func ObserveStoreOp(op string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storeOps.WithLabelValues(op, result).Inc()
	storeOpDuration.WithLabelValues(op).Observe(d.Seconds())
}
