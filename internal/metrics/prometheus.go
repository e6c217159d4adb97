// Package metrics provides Prometheus-based metrics collection for netsentry.
// Metrics are gathered in a private registry and exported to a node-exporter
// style textfile at the end of a session; nothing is served over the network.
package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all netsentry metrics
	namespace = "netsentry"

	// Subsystems
	subsystemProbe   = "probe"
	subsystemPort    = "port"
	subsystemCheck   = "check"
	subsystemStage   = "stage"
	subsystemSession = "session"
	subsystemSystem  = "system"
)

// Stage label values shared by pools, probes and gauges.
const (
	StageDiscovery = "discovery"
	StageScan      = "scan"
	StageIdentify  = "identify"
	StageCheck     = "check"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Probe metrics
	probesTotal   *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec

	// Result metrics
	portStates    *prometheus.CounterVec
	hostsTotal    *prometheus.CounterVec
	findingsTotal *prometheus.CounterVec
	checksTotal   *prometheus.CounterVec

	// Pipeline metrics
	stageInFlight   *prometheus.GaugeVec
	sessionsTotal   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec

	// System metrics
	goroutines prometheus.Gauge
	uptime     prometheus.Gauge

	startTime time.Time
	mu        sync.Mutex
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initProbeMetrics()
	pm.initResultMetrics()
	pm.initPipelineMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initProbeMetrics() {
	pm.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "total",
			Help:      "Total number of outbound probes by pipeline stage and result",
		},
		[]string{"stage", "result"},
	)

	pm.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "duration_seconds",
			Help:      "Duration of individual probes in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"stage"},
	)
}

func (pm *PrometheusMetrics) initResultMetrics() {
	pm.portStates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPort,
			Name:      "states_total",
			Help:      "Total number of classified ports by protocol and final state",
		},
		[]string{"protocol", "state"},
	)

	pm.hostsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hosts_total",
			Help:      "Total number of hosts recorded by discovery status",
		},
		[]string{"status"},
	)

	pm.findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Total number of findings by severity",
		},
		[]string{"severity"},
	)

	pm.checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCheck,
			Name:      "total",
			Help:      "Total number of check executions by check and status",
		},
		[]string{"check", "status"},
	)
}

func (pm *PrometheusMetrics) initPipelineMetrics() {
	pm.stageInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemStage,
			Name:      "in_flight",
			Help:      "Number of jobs currently executing per pipeline stage",
		},
		[]string{"stage"},
	)

	pm.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSession,
			Name:      "total",
			Help:      "Total number of sealed sessions by final state",
		},
		[]string{"state"},
	)

	pm.sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemSession,
			Name:      "duration_seconds",
			Help:      "Duration of assessment sessions in seconds",
			Buckets:   []float64{1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0, 1800.0, 3600.0},
		},
		[]string{"state"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.probesTotal,
		pm.probeDuration,
		pm.portStates,
		pm.hostsTotal,
		pm.findingsTotal,
		pm.checksTotal,
		pm.stageInFlight,
		pm.sessionsTotal,
		pm.sessionDuration,
		pm.goroutines,
		pm.uptime,
	)
}

// RecordProbe counts one probe attempt and its duration.
func (pm *PrometheusMetrics) RecordProbe(stage, result string, duration time.Duration) {
	pm.probesTotal.WithLabelValues(stage, result).Inc()
	pm.probeDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncrementPortState counts a port reaching a terminal state.
func (pm *PrometheusMetrics) IncrementPortState(protocol, state string) {
	pm.portStates.WithLabelValues(protocol, state).Inc()
}

// IncrementHosts counts a recorded host by status.
func (pm *PrometheusMetrics) IncrementHosts(status string) {
	pm.hostsTotal.WithLabelValues(status).Inc()
}

// IncrementFindings counts a new finding by severity.
func (pm *PrometheusMetrics) IncrementFindings(severity string) {
	pm.findingsTotal.WithLabelValues(severity).Inc()
}

// IncrementChecks counts a check execution. Status is one of
// "passed", "failed", "error".
func (pm *PrometheusMetrics) IncrementChecks(checkID, status string) {
	pm.checksTotal.WithLabelValues(checkID, status).Inc()
}

// StageStarted increments the in-flight gauge for a stage.
func (pm *PrometheusMetrics) StageStarted(stage string) {
	pm.stageInFlight.WithLabelValues(stage).Inc()
}

// StageFinished decrements the in-flight gauge for a stage.
func (pm *PrometheusMetrics) StageFinished(stage string) {
	pm.stageInFlight.WithLabelValues(stage).Dec()
}

// RecordSession records a sealed session.
func (pm *PrometheusMetrics) RecordSession(state string, duration time.Duration) {
	pm.sessionsTotal.WithLabelValues(state).Inc()
	pm.sessionDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// UpdateSystemMetrics refreshes goroutine and uptime gauges.
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
}

// GetUptime returns the time since the metrics were created.
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// WriteTextfile writes all gathered metrics to path in the Prometheus text
// format, replacing the file atomically.
func (pm *PrometheusMetrics) WriteTextfile(path string) error {
	pm.UpdateSystemMetrics()
	return prometheus.WriteToTextfile(path, pm.registry)
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
