// Package monitoring exposes the platform's Prometheus metrics and the
// health probe surface. Domain metrics are derived from bus traffic by the
// Observer, so producing packages stay free of instrumentation imports.
package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/partstream/backend/internal/circuitbreaker"
)

// Metrics holds all Prometheus metrics for the enrichment platform
type Metrics struct {
	// Workflow metrics
	WorkflowsFinished *prometheus.CounterVec
	WorkflowSignals   *prometheus.CounterVec

	// Line metrics
	LinesProcessed *prometheus.CounterVec
	QualityScore   *prometheus.HistogramVec

	// Supplier metrics
	SupplierCalls        *prometheus.CounterVec
	SupplierCallDuration *prometheus.HistogramVec
	SupplierBreakerState *prometheus.GaugeVec

	// Bus metrics
	EventsObserved *prometheus.CounterVec

	// Catalog metrics
	SnapshotsPromoted prometheus.Counter
	AuditReports      prometheus.Counter

	// HTTP metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Workflow Finished Counter
		WorkflowsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partstream_workflows_finished_total",
				Help: "Total number of enrichment workflows that reached a terminal state",
			},
			[]string{"state"}, // state: completed, failed, cancelled
		),

		// Workflow Signal Counter
		WorkflowSignals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partstream_workflow_signals_total",
				Help: "Total number of acknowledged workflow control signals",
			},
			[]string{"verb"}, // verb: paused, resumed, cancelled
		),

		// Lines Processed Counter
		LinesProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partstream_lines_processed_total",
				Help: "Total number of BOM line items with a published outcome",
			},
			[]string{"outcome", "supplier"}, // outcome: enriched, failed
		),

		// Quality Score Histogram
		QualityScore: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "partstream_quality_score",
				Help:    "Data quality score of enriched components",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
			[]string{"route"}, // route: catalog, staging
		),

		// Supplier Call Counter
		SupplierCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partstream_supplier_calls_total",
				Help: "Total number of upstream supplier API calls",
			},
			[]string{"supplier", "result"}, // result: success, error
		),

		// Supplier Call Duration Histogram
		SupplierCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "partstream_supplier_call_duration_seconds",
				Help:    "Duration of upstream supplier API calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"supplier"},
		),

		// Supplier Breaker State Gauge
		SupplierBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "partstream_supplier_breaker_state",
				Help: "Circuit breaker state per supplier (0=closed 1=open 2=half-open)",
			},
			[]string{"supplier"},
		),

		// Events Observed Counter
		EventsObserved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partstream_events_observed_total",
				Help: "Total number of bus envelopes seen by the metrics observer",
			},
			[]string{"stream"},
		),

		// Snapshots Promoted Counter
		SnapshotsPromoted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "partstream_snapshots_promoted_total",
				Help: "Total number of staging snapshots promoted into the catalog",
			},
		),

		// Audit Reports Counter
		AuditReports: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "partstream_audit_reports_total",
				Help: "Total number of finalized audit report sets",
			},
		),

		// HTTP Request Counter
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partstream_http_requests_total",
				Help: "Total number of HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),

		// HTTP Request Duration Histogram
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "partstream_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets, // 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10
			},
			[]string{"method", "route"},
		),
	}
}

// RecordLineOutcome records a per-line enrichment result
func (m *Metrics) RecordLineOutcome(outcome, supplier, route string, quality float64) {
	if supplier == "" {
		supplier = "none"
	}
	m.LinesProcessed.WithLabelValues(outcome, supplier).Inc()

	if quality > 0 {
		if route == "" {
			route = "none"
		}
		m.QualityScore.WithLabelValues(route).Observe(quality)
	}
}

// RecordWorkflowFinished records a workflow reaching a terminal state
func (m *Metrics) RecordWorkflowFinished(state string) {
	m.WorkflowsFinished.WithLabelValues(state).Inc()
}

// RecordSignal records an acknowledged pause/resume/cancel
func (m *Metrics) RecordSignal(verb string) {
	m.WorkflowSignals.WithLabelValues(verb).Inc()
}

// RecordSupplierCall records one upstream API call
func (m *Metrics) RecordSupplierCall(supplier string, success bool, duration float64) {
	result := "error"
	if success {
		result = "success"
	}
	m.SupplierCalls.WithLabelValues(supplier, result).Inc()
	m.SupplierCallDuration.WithLabelValues(supplier).Observe(duration)
}

// UpdateBreakerState updates the per-supplier breaker gauge
func (m *Metrics) UpdateBreakerState(supplier string, state circuitbreaker.State) {
	m.SupplierBreakerState.WithLabelValues(supplier).Set(float64(state))
}

// RecordEvent counts an observed bus envelope by stream
func (m *Metrics) RecordEvent(stream string) {
	m.EventsObserved.WithLabelValues(stream).Inc()
}

// RecordHTTPRequest records a served HTTP request
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration float64) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}
