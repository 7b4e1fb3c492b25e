package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "automation"

// PrometheusMetrics contains all Prometheus metrics for the automation engine
type PrometheusMetrics struct {
	// Engine metrics
	InvocationsTotal        *prometheus.CounterVec
	RulesMatched            *prometheus.HistogramVec
	RuleExecutionsTotal     *prometheus.CounterVec
	ActionExecutionsTotal   *prometheus.CounterVec
	ActionExecutionDuration *prometheus.HistogramVec
	AuditWriteFailuresTotal prometheus.Counter

	// Transport metrics
	TransportRequestsTotal   *prometheus.CounterVec
	TransportRequestDuration *prometheus.HistogramVec
	DomainEventsTotal        *prometheus.CounterVec

	// Scheduler metrics
	ScheduledRunsTotal *prometheus.CounterVec

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		InvocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of engine invocations",
			},
			[]string{"trigger", "dry_run"},
		),

		RulesMatched: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rules_matched",
				Help:      "Number of rules whose conditions matched per invocation",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 200},
			},
			[]string{"trigger"},
		),

		RuleExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_executions_total",
				Help:      "Total number of matched rule executions by final status",
			},
			[]string{"trigger", "status", "dry_run"},
		),

		ActionExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_executions_total",
				Help:      "Total number of action executions by outcome",
			},
			[]string{"action", "status"},
		),

		ActionExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_execution_duration_seconds",
				Help:      "Time spent executing individual actions",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),

		AuditWriteFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_write_failures_total",
				Help:      "Total number of automation logs that could not be stored",
			},
		),

		TransportRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_requests_total",
				Help:      "Total number of message transport invocations",
			},
			[]string{"channel", "sender", "status"},
		),

		TransportRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transport_request_duration_seconds",
				Help:      "Duration of message transport invocations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel", "sender"},
		),

		DomainEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "domain_events_total",
				Help:      "Total number of domain events emitted",
			},
			[]string{"event", "status"},
		),

		ScheduledRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_runs_total",
				Help:      "Total number of scheduled trigger runs",
			},
			[]string{"schedule", "status"},
		),

		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "database_operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "database_operation_duration_seconds",
				Help:      "Duration of database operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests received",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "application_uptime_seconds",
				Help:      "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "component_health",
				Help:      "Health status of application components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines",
				Help:      "Number of running goroutines",
			},
		),
	}
}

// RecordTransportRequest records a message transport invocation
func (m *PrometheusMetrics) RecordTransportRequest(channel, sender, status string, duration time.Duration) {
	m.TransportRequestsTotal.WithLabelValues(channel, sender, status).Inc()
	m.TransportRequestDuration.WithLabelValues(channel, sender).Observe(duration.Seconds())
}

// RecordDomainEvent records an emitted domain event
func (m *PrometheusMetrics) RecordDomainEvent(event, status string) {
	m.DomainEventsTotal.WithLabelValues(event, status).Inc()
}

// RecordScheduledRun records a scheduled trigger run
func (m *PrometheusMetrics) RecordScheduledRun(schedule, status string) {
	m.ScheduledRunsTotal.WithLabelValues(schedule, status).Inc()
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime metric
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates the memory usage metric
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count metric
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}
