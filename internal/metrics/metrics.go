package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Voxgate gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Connection lifecycle metrics.
	ActiveConnections prometheus.Gauge
	AdmissionsTotal   *prometheus.CounterVec
	ClosuresTotal     *prometheus.CounterVec

	// Relay metrics.
	FramesForwardedTotal       prometheus.Counter
	TranscriptionsRelayedTotal prometheus.Counter
	RelayErrorsTotal           *prometheus.CounterVec

	// Billing metrics.
	SettlementsTotal   *prometheus.CounterVec
	AudioSecondsBilled prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal prometheus.Counter

	// Liveness monitor metrics.
	SweepClosuresTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxgate_active_connections",
			Help: "Number of currently live client connections.",
		}),

		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxgate_admissions_total",
			Help: "Total number of connection admission attempts by result.",
		}, []string{"result"}),

		ClosuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxgate_closures_total",
			Help: "Total number of connection closures by reason.",
		}, []string{"reason"}),

		FramesForwardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_frames_forwarded_total",
			Help: "Total number of audio frames forwarded to the provider.",
		}),

		TranscriptionsRelayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_transcriptions_relayed_total",
			Help: "Total number of completed transcriptions relayed to clients.",
		}),

		RelayErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxgate_relay_errors_total",
			Help: "Total number of provider relay errors by type.",
		}, []string{"error_type"}),

		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxgate_settlements_total",
			Help: "Total number of usage settlements by status.",
		}, []string{"status"}),

		AudioSecondsBilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_audio_seconds_billed_total",
			Help: "Total audio seconds settled against account balances.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxgate_auth_failures_total",
			Help: "Total number of authentication failures by reason.",
		}, []string{"reason"}),

		AuthSuccessesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_auth_successes_total",
			Help: "Total number of successful authentications.",
		}),

		SweepClosuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxgate_sweep_closures_total",
			Help: "Total number of connections closed by the liveness sweep.",
		}, []string{"reason"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxgate_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	// Register all metrics.
	reg.MustRegister(
		m.ActiveConnections,
		m.AdmissionsTotal,
		m.ClosuresTotal,
		m.FramesForwardedTotal,
		m.TranscriptionsRelayedTotal,
		m.RelayErrorsTotal,
		m.SettlementsTotal,
		m.AudioSecondsBilled,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.SweepClosuresTotal,
		m.ServerStartTime,
	)

	// Set server start time.
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncAdmission increments the admission counter for the given result.
func (m *Metrics) IncAdmission(result string) {
	m.AdmissionsTotal.WithLabelValues(result).Inc()
}

// IncClosure increments the closure counter for the given reason.
func (m *Metrics) IncClosure(reason string) {
	m.ClosuresTotal.WithLabelValues(reason).Inc()
}

// IncAuthFailure increments the auth failure counter for the given reason.
func (m *Metrics) IncAuthFailure(reason string) {
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// IncSettlement increments the settlement counter for the given status.
func (m *Metrics) IncSettlement(status string) {
	m.SettlementsTotal.WithLabelValues(status).Inc()
}

// IncRelayError increments the relay error counter for the given error type.
func (m *Metrics) IncRelayError(errorType string) {
	m.RelayErrorsTotal.WithLabelValues(errorType).Inc()
}
