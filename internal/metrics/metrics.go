// Package metrics exposes Prometheus instrumentation for the session
// manager: how many instances sit in each supervisor phase, how many
// reconnect attempts have fired, and how many sessions are currently live.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shekohex/openchamber/internal/model"
)

// Registry wraps a dedicated prometheus registry so this package never
// pollutes (or depends on) the global default registry.
type Registry struct {
	registry *prometheus.Registry

	sessionsByPhase      *prometheus.GaugeVec
	reconnectAttempts    *prometheus.CounterVec
	activeSessions       prometheus.Gauge
}

// NewRegistry constructs and registers every gauge/counter this package
// exports.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.sessionsByPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "openchamber",
		Subsystem: "ssh",
		Name:      "sessions_by_phase",
		Help:      "Number of instances currently in each supervisor phase.",
	}, []string{"phase"})

	r.reconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openchamber",
		Subsystem: "ssh",
		Name:      "reconnect_attempts_total",
		Help:      "Total reconnect attempts made by the liveness monitor, per instance.",
	}, []string{"instance_id"})

	r.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "openchamber",
		Subsystem: "ssh",
		Name:      "active_sessions",
		Help:      "Number of instances currently in the ready phase.",
	})

	r.registry.MustRegister(r.sessionsByPhase, r.reconnectAttempts, r.activeSessions)
	return r
}

// Handler returns an http.Handler serving this registry's metrics in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveReconnectAttempt increments the reconnect counter for instanceID.
func (r *Registry) ObserveReconnectAttempt(instanceID string) {
	r.reconnectAttempts.WithLabelValues(instanceID).Inc()
}

// allPhases enumerates every phase sessionsByPhase tracks, so a phase with
// zero instances still reports 0 rather than being absent from scrapes.
var allPhases = []model.Phase{
	model.PhaseIdle,
	model.PhaseConfigResolved,
	model.PhaseAuthCheck,
	model.PhaseMasterConnecting,
	model.PhaseRemoteProbe,
	model.PhaseInstalling,
	model.PhaseUpdating,
	model.PhaseServerDetecting,
	model.PhaseServerStarting,
	model.PhaseForwarding,
	model.PhaseReady,
	model.PhaseDegraded,
	model.PhaseError,
}

// SetSessionCounts recomputes sessionsByPhase and activeSessions from the
// given snapshot of every tracked instance's current status.
func (r *Registry) SetSessionCounts(statuses []model.Status) {
	counts := make(map[model.Phase]int, len(allPhases))
	for _, phase := range allPhases {
		counts[phase] = 0
	}
	ready := 0
	for _, s := range statuses {
		counts[s.Phase]++
		if s.Phase == model.PhaseReady {
			ready++
		}
	}
	for _, phase := range allPhases {
		r.sessionsByPhase.WithLabelValues(string(phase)).Set(float64(counts[phase]))
	}
	r.activeSessions.Set(float64(ready))
}
