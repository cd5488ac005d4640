// Package observability wires Prometheus instrumentation for the ingestion
// pipeline and the query API.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges shared by
// the pipeline and the API.
type Metrics struct {
	// Ingestion.
	DatesFetched    *prometheus.CounterVec // labels: source, outcome={ok,not_ready,absent,error}
	TilesWritten    *prometheus.CounterVec // labels: source
	DatesMerged     *prometheus.CounterVec // labels: source
	DatesSkipped    *prometheus.CounterVec // labels: source, reason={schema_drift,fetch_failed}
	RunDuration     *prometheus.HistogramVec
	IngestRunning   prometheus.Gauge

	// Queries.
	QueryDuration *prometheus.HistogramVec // labels: operation
	QueryErrors   *prometheus.CounterVec   // labels: operation
	PoolReloads   *prometheus.CounterVec   // labels: source

	// HTTP surface.
	HTTPDuration *prometheus.HistogramVec // labels: method, route, status
}

// NewMetrics creates and registers all metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in binaries; tests use a private
// registry to avoid duplicate-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DatesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rastermill",
			Name:      "dates_fetched_total",
			Help:      "Daily grids fetched from providers, by outcome.",
		}, []string{"source", "outcome"}),
		TilesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rastermill",
			Name:      "tiles_written_total",
			Help:      "Daily tiles published to the tile directory.",
		}, []string{"source"}),
		DatesMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rastermill",
			Name:      "dates_merged_total",
			Help:      "Dates appended to year archives.",
		}, []string{"source"}),
		DatesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rastermill",
			Name:      "dates_skipped_total",
			Help:      "Dates dropped during a run, by reason.",
		}, []string{"source", "reason"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rastermill",
			Name:      "ingest_run_duration_seconds",
			Help:      "Wall time of one per-source ingestion run.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}, []string{"source"}),
		IngestRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rastermill",
			Name:      "ingest_running",
			Help:      "1 while an ingestion run is active.",
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rastermill",
			Name:      "query_duration_seconds",
			Help:      "Latency of analytical queries by operation.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 10},
		}, []string{"operation"}),
		QueryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rastermill",
			Name:      "query_errors_total",
			Help:      "Failed analytical queries by operation.",
		}, []string{"operation"}),
		PoolReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rastermill",
			Name:      "pool_reloads_total",
			Help:      "Dataset pool reloads triggered by archive publishes.",
		}, []string{"source"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rastermill",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests by route and status.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 10},
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.DatesFetched, m.TilesWritten, m.DatesMerged, m.DatesSkipped,
		m.RunDuration, m.IngestRunning,
		m.QueryDuration, m.QueryErrors, m.PoolReloads,
		m.HTTPDuration,
	)
	return m
}
