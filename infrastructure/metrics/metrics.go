// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aol-core/control-plane/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Routing metrics
	RouteCallsTotal    *prometheus.CounterVec
	RouteCallDuration  *prometheus.HistogramVec

	// Workflow metrics
	WorkflowNodesTotal    *prometheus.CounterVec
	WorkflowNodeDuration  *prometheus.HistogramVec
	RegisteredInstances   prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
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
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Routing metrics
		RouteCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "route_calls_total",
				Help: "Total number of routed service calls",
			},
			[]string{"service", "target_service", "status"},
		),
		RouteCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "route_call_duration_seconds",
				Help:    "Routed service call duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "target_service"},
		),

		// Workflow metrics
		WorkflowNodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_nodes_executed_total",
				Help: "Total number of workflow node executions",
			},
			[]string{"service", "node_type", "status"},
		),
		WorkflowNodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_node_duration_seconds",
				Help:    "Workflow node execution duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "node_type"},
		),
		RegisteredInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "registered_instances",
				Help: "Current number of registered service instances",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.RouteCallsTotal,
			m.RouteCallDuration,
			m.WorkflowNodesTotal,
			m.WorkflowNodeDuration,
			m.RegisteredInstances,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordRouteCall records a routed service-to-service call
func (m *Metrics) RecordRouteCall(service, targetService, status string, duration time.Duration) {
	m.RouteCallsTotal.WithLabelValues(service, targetService, status).Inc()
	m.RouteCallDuration.WithLabelValues(service, targetService).Observe(duration.Seconds())
}

// RecordWorkflowNode records a workflow node execution
func (m *Metrics) RecordWorkflowNode(service, nodeType, status string, duration time.Duration) {
	m.WorkflowNodesTotal.WithLabelValues(service, nodeType, status).Inc()
	m.WorkflowNodeDuration.WithLabelValues(service, nodeType).Observe(duration.Seconds())
}

// SetRegisteredInstances sets the number of registered service instances
func (m *Metrics) SetRegisteredInstances(count int) {
	m.RegisteredInstances.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
