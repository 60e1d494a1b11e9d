package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the host
type Metrics struct {
	registry *prometheus.Registry

	// Bridge metrics
	BridgeCallsTotal   *prometheus.CounterVec
	BridgeCallDuration *prometheus.HistogramVec

	// Permission metrics
	PermissionPromptsTotal *prometheus.CounterVec

	// Installer metrics
	InstallerOperationsTotal *prometheus.CounterVec

	// Sandbox metrics
	SandboxWindowsActive    prometheus.Gauge
	SandboxTransitionsTotal *prometheus.CounterVec
	SandboxCrashesTotal     prometheus.Counter

	// Janitor metrics
	JanitorRemovedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		BridgeCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_calls_total",
				Help: "Total number of capability bridge calls by method and result code",
			},
			[]string{"method", "code"},
		),
		BridgeCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_call_duration_seconds",
				Help:    "Duration of capability bridge calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		PermissionPromptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permission_prompts_total",
				Help: "Total number of permission prompts by permission and outcome",
			},
			[]string{"permission", "outcome"},
		),

		InstallerOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "installer_operations_total",
				Help: "Total number of install, update and uninstall operations",
			},
			[]string{"op", "status"},
		),

		SandboxWindowsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_windows_active",
				Help: "Number of registered sandbox windows",
			},
		),
		SandboxTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_transitions_total",
				Help: "Total number of sandbox lifecycle transitions by target state",
			},
			[]string{"state"},
		),
		SandboxCrashesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sandbox_crashes_total",
				Help: "Total number of sandbox windows that crashed",
			},
		),
		JanitorRemovedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "janitor_removed_total",
				Help: "Total number of stale directories removed by the janitor",
			},
			[]string{"kind"},
		),
	}

	m.registerMetrics()

	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.BridgeCallsTotal,
		m.BridgeCallDuration,
		m.PermissionPromptsTotal,
		m.InstallerOperationsTotal,
		m.SandboxWindowsActive,
		m.SandboxTransitionsTotal,
		m.SandboxCrashesTotal,
		m.JanitorRemovedTotal,
	)
}

// ObserveBridgeCall records one completed bridge call
func (m *Metrics) ObserveBridgeCall(method, code string, elapsed time.Duration) {
	m.BridgeCallsTotal.WithLabelValues(method, code).Inc()
	m.BridgeCallDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObservePrompt records one completed permission prompt
func (m *Metrics) ObservePrompt(permission, outcome string) {
	m.PermissionPromptsTotal.WithLabelValues(permission, outcome).Inc()
}

// ObserveInstaller records one installer operation
func (m *Metrics) ObserveInstaller(op, status string) {
	m.InstallerOperationsTotal.WithLabelValues(op, status).Inc()
}

// ObserveSandbox records a lifecycle transition and the resulting number
// of registered windows
func (m *Metrics) ObserveSandbox(state string, active int) {
	m.SandboxTransitionsTotal.WithLabelValues(state).Inc()
	if state == "crashed" {
		m.SandboxCrashesTotal.Inc()
	}
	m.SandboxWindowsActive.Set(float64(active))
}

// ObserveSweep records the directories one janitor sweep removed
func (m *Metrics) ObserveSweep(backups, staging, tempDirs int) {
	m.JanitorRemovedTotal.WithLabelValues("backup").Add(float64(backups))
	m.JanitorRemovedTotal.WithLabelValues("staging").Add(float64(staging))
	m.JanitorRemovedTotal.WithLabelValues("temp").Add(float64(tempDirs))
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
