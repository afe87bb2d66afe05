// Package monitoring exposes Prometheus metrics for the host core: binding
// transitions, remote dispatches, ANR timeouts, template flow outcomes and
// connection gauges.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can run without monitoring in tests.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Binding metrics
	BindTransitions *prometheus.CounterVec
	BindErrors      *prometheus.CounterVec
	SessionsActive  prometheus.Gauge

	// Dispatch metrics
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	ANRTimeouts      *prometheus.CounterVec

	// Flow metrics
	TemplatesValidated *prometheus.CounterVec
	FlowViolations     *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "host_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "host_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		BindTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "host_bind_transitions_total",
				Help: "Binding state transitions by target state",
			},
			[]string{"state"},
		),
		BindErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "host_bind_errors_total",
				Help: "Binding failures by error kind",
			},
			[]string{"kind"},
		),
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "host_sessions_active",
				Help: "Number of live app sessions",
			},
		),
		DispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "host_dispatch_total",
				Help: "Remote one-way calls by API and outcome",
			},
			[]string{"api", "status"},
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "host_dispatch_duration_seconds",
				Help:    "Time from dispatch to done callback",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
			},
			[]string{"api"},
		),
		ANRTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "host_anr_timeouts_total",
				Help: "Remote calls that missed the ANR deadline",
			},
			[]string{"api"},
		),
		TemplatesValidated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "host_templates_validated_total",
				Help: "Template flow classifications",
			},
			[]string{"result"},
		),
		FlowViolations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "host_flow_violations_total",
				Help: "Rejected template updates by violation kind",
			},
			[]string{"kind"},
		),
		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "host_ws_connections",
				Help: "Active WebSocket app connections",
			},
		),
		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "host_uptime_seconds",
				Help: "Host uptime in seconds",
			},
		),
	}
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBindTransition records a binding state change.
func (m *Metrics) RecordBindTransition(state string) {
	if m == nil {
		return
	}
	m.BindTransitions.WithLabelValues(state).Inc()
}

// RecordBindError records a binding failure.
func (m *Metrics) RecordBindError(kind string) {
	if m == nil {
		return
	}
	m.BindErrors.WithLabelValues(kind).Inc()
}

// RecordDispatch records the outcome of a remote call.
func (m *Metrics) RecordDispatch(api, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(api, status).Inc()
	if status == "ok" {
		m.DispatchDuration.WithLabelValues(api).Observe(duration.Seconds())
	}
}

// RecordANRTimeout records a call that missed its ANR deadline.
func (m *Metrics) RecordANRTimeout(api string) {
	if m == nil {
		return
	}
	m.ANRTimeouts.WithLabelValues(api).Inc()
}

// RecordTemplate records a flow classification result.
func (m *Metrics) RecordTemplate(result string) {
	if m == nil {
		return
	}
	m.TemplatesValidated.WithLabelValues(result).Inc()
}

// RecordFlowViolation records a rejected template update.
func (m *Metrics) RecordFlowViolation(kind string) {
	if m == nil {
		return
	}
	m.FlowViolations.WithLabelValues(kind).Inc()
}

// SetSessions updates the live session gauge.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// WSConnected / WSDisconnected track the connection gauge.
func (m *Metrics) WSConnected() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

func (m *Metrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
