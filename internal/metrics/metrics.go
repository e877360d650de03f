// Package metrics provides Prometheus metrics collection for the
// forensic audit engine, grounded on the teacher's infrastructure/metrics
// package shape (a Metrics struct of CounterVec/HistogramVec/Gauge
// fields, registered against a supplied Registerer for test isolation).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors used by the engine.
type Metrics struct {
	// HTTP surface (the thin operator API, §6)
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Ingestion / trigger metrics
	RowsIngestedTotal    *prometheus.CounterVec
	TriggersFiredTotal   *prometheus.CounterVec
	GhostTransactionsTotal *prometheus.CounterVec

	// Reconciliation metrics
	MatchesProposedTotal  *prometheus.CounterVec
	MatchesConfirmedTotal *prometheus.CounterVec

	// Batch orchestrator metrics
	BatchJobsTotal      *prometheus.CounterVec
	BatchJobDuration    *prometheus.HistogramVec
	BatchItemsProcessed *prometheus.CounterVec

	// Database metrics
	DatabaseQueriesTotal  *prometheus.CounterVec
	DatabaseQueryDuration *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// which may be nil to skip registration (used by isolated tests).
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "http_requests_in_flight", Help: "Current number of HTTP requests being processed"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "errors_total", Help: "Total number of errors"},
			[]string{"service", "kind", "operation"},
		),
		RowsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ingestion_rows_total", Help: "Total number of ingested rows"},
			[]string{"project", "kind"},
		),
		TriggersFiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "trigger_rules_fired_total", Help: "Total number of trigger rule firings"},
			[]string{"rule"},
		),
		GhostTransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ghost_transactions_total", Help: "Total number of inferred ghost transactions"},
			[]string{"project"},
		),
		MatchesProposedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "reconciliation_matches_proposed_total", Help: "Total number of reconciliation matches proposed"},
			[]string{"project", "match_type"},
		),
		MatchesConfirmedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "reconciliation_matches_confirmed_total", Help: "Total number of reconciliation matches confirmed"},
			[]string{"project", "match_type"},
		),
		BatchJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "batch_jobs_total", Help: "Total number of batch jobs by terminal status"},
			[]string{"data_type", "status"},
		),
		BatchJobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_job_duration_seconds",
				Help:    "Batch job duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"data_type"},
		),
		BatchItemsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "batch_items_processed_total", Help: "Total number of items processed by batch jobs"},
			[]string{"data_type", "outcome"},
		),
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "database_queries_total", Help: "Total number of database queries"},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "database_connections_open", Help: "Current number of open database connections"},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "service_uptime_seconds", Help: "Service uptime in seconds"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "service_info", Help: "Service information"},
			[]string{"service", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
			m.ErrorsTotal,
			m.RowsIngestedTotal, m.TriggersFiredTotal, m.GhostTransactionsTotal,
			m.MatchesProposedTotal, m.MatchesConfirmedTotal,
			m.BatchJobsTotal, m.BatchJobDuration, m.BatchItemsProcessed,
			m.DatabaseQueriesTotal, m.DatabaseQueryDuration, m.DatabaseConnectionsOpen,
			m.ServiceUptime, m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0").Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError(service, kind, operation string) {
	m.ErrorsTotal.WithLabelValues(service, kind, operation).Inc()
}

// RecordDatabaseQuery records a database query outcome and latency.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the open connection gauge.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime sets the uptime gauge relative to startTime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// RecordBatchJob records a terminal batch job outcome.
func (m *Metrics) RecordBatchJob(dataType, status string, duration time.Duration) {
	m.BatchJobsTotal.WithLabelValues(dataType, status).Inc()
	m.BatchJobDuration.WithLabelValues(dataType).Observe(duration.Seconds())
}
