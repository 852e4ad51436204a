// Package metrics provides Prometheus metrics for sessions, modules and the
// safety watchdog.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sessiond"

var (
	// SessionsStarted counts sessions accepted by StartSession.
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Total number of sessions started",
		},
	)

	// SessionsEnded counts sessions reaching session_end.
	// Labels: outcome (completed, aborted)
	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Total number of sessions ended by outcome",
		},
		[]string{"outcome"},
	)

	// SessionState is 1 for the orchestrator's current state and 0 otherwise.
	// Labels: state
	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Current orchestrator state (1 = active state)",
		},
		[]string{"state"},
	)

	// ModuleRuns counts module invocations.
	// Labels: module, outcome (completed, incomplete, failed)
	ModuleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "runs_total",
			Help:      "Total number of module invocations by outcome",
		},
		[]string{"module", "outcome"},
	)

	// ModuleDuration tracks module wall-clock time from enter to exit.
	ModuleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "duration_seconds",
			Help:      "Duration of module invocations in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"module"},
	)

	// WatchdogTrips counts heartbeat timeouts.
	WatchdogTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "trips_total",
			Help:      "Total number of watchdog heartbeat timeouts",
		},
	)

	// EmergencyStops counts hardware emergency stops.
	// Labels: source (watchdog, external)
	EmergencyStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "emergency_stops_total",
			Help:      "Total number of emergency stops by source",
		},
		[]string{"source"},
	)

	// HostHealth is 1 for the host monitor's current status and 0 otherwise.
	// Labels: status (healthy, degraded, failed)
	HostHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "health",
			Help:      "Host monitor health status (1 = current status)",
		},
		[]string{"status"},
	)

	// HostTemperature is the hottest sensor reading in degrees Celsius.
	HostTemperature = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "temperature_celsius",
			Help:      "Hottest host temperature sensor reading",
		},
	)
)

// SetCurrent sets the gauge for current to 1 and every other value in all
// to 0.
func SetCurrent(g *prometheus.GaugeVec, current string, all []string) {
	for _, v := range all {
		if v == current {
			g.WithLabelValues(v).Set(1)
		} else {
			g.WithLabelValues(v).Set(0)
		}
	}
}
