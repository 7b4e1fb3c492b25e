package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
)

// Manager handles all application metrics
type Manager struct {
	registry   *prometheus.Registry
	prometheus *PrometheusMetrics
	logger     *logrus.Entry
	startTime  time.Time
}

// NewManager creates a new metrics manager with its own registry
func NewManager() *Manager {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Manager{
		registry:   reg,
		prometheus: NewPrometheusMetrics(reg),
		logger:     logrus.WithField("component", "metrics"),
		startTime:  time.Now(),
	}
}

// GetPrometheusMetrics returns the Prometheus metrics instance
func (m *Manager) GetPrometheusMetrics() *PrometheusMetrics {
	return m.prometheus
}

// Registry returns the registry the metrics are registered with
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// UpdateSystemMetrics updates system-level metrics like memory and goroutines
func (m *Manager) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.prometheus.UpdateMemoryUsage(memStats.Alloc)
	m.prometheus.UpdateGoroutineCount(runtime.NumGoroutine())
	m.prometheus.UpdateApplicationUptime(m.startTime)
}

// RecordInvocation records one engine invocation
func (m *Manager) RecordInvocation(trigger string, rulesMatched int, dryRun bool) {
	m.prometheus.InvocationsTotal.WithLabelValues(trigger, strconv.FormatBool(dryRun)).Inc()
	m.prometheus.RulesMatched.WithLabelValues(trigger).Observe(float64(rulesMatched))
}

// RecordRuleExecution records the final status of a matched rule
func (m *Manager) RecordRuleExecution(trigger string, status models.RuleStatus, dryRun bool) {
	m.prometheus.RuleExecutionsTotal.WithLabelValues(trigger, string(status), strconv.FormatBool(dryRun)).Inc()
}

// RecordActionExecution records the outcome of a single action
func (m *Manager) RecordActionExecution(actionType models.ActionType, status models.DetailStatus, seconds float64) {
	m.prometheus.ActionExecutionsTotal.WithLabelValues(string(actionType), string(status)).Inc()
	m.prometheus.ActionExecutionDuration.WithLabelValues(string(actionType)).Observe(seconds)
}

// RecordAuditFailure records an automation log that could not be stored
func (m *Manager) RecordAuditFailure() {
	m.prometheus.AuditWriteFailuresTotal.Inc()
	m.logger.Debug("Audit write failure recorded")
}
