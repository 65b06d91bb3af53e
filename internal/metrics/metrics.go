// Package metrics renders Component O's /metrics?format=prometheus
// exposition (§6) through a real prometheus.Registry instead of hand
// formatting text, grounded on the teacher's PrometheusMetricsClient.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is the minimal projection of the JSON /metrics body the
// Prometheus exposition needs. The caller derives it from the exact same
// struct serialized as JSON, so the two representations never drift.
type Snapshot struct {
	UptimeMs       int64
	RestartCount   int
	TasksByState   map[string]int
	BreakerByState map[string]int // service name -> state code (0/1/2)
	WatchdogChecks int64
}

// Registry owns a private prometheus.Registry (never the global
// DefaultRegisterer) so repeated construction in tests never panics on
// duplicate registration.
type Registry struct {
	reg *prometheus.Registry

	uptime       prometheus.Gauge
	restarts     prometheus.Counter
	tasks        *prometheus.GaugeVec
	breakers     *prometheus.GaugeVec
	watchdogChex prometheus.Counter

	lastRestartCount int
	lastWatchdogChex int64
}

// No namespace prefix: §6 names the Prometheus series literally
// (agent_uptime_ms, tasks_completed_total, circuit_breaker_state,
// watchdog_checks_total), so the JSON and Prometheus surfaces agree on name
// as well as value.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_uptime_ms", Help: "Agent process uptime in milliseconds",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_restart_count_total", Help: "Total child restarts",
		}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tasks_completed_total", Help: "Tasks in each terminal/non-terminal state",
		}, []string{"state"}),
		breakers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state", Help: "Circuit breaker state (0 CLOSED, 1 HALF_OPEN, 2 OPEN)",
		}, []string{"service"}),
		watchdogChex: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchdog_checks_total", Help: "Watchdog liveness checks performed",
		}),
	}

	reg.MustRegister(r.uptime, r.restarts, r.tasks, r.breakers, r.watchdogChex)
	return r
}

// Update syncs every collector from snapshot immediately before the
// registry is scraped, so the Prometheus text and the JSON body the
// snapshot came from never disagree.
func (r *Registry) Update(s Snapshot) {
	r.uptime.Set(float64(s.UptimeMs))

	if s.RestartCount > r.lastRestartCount {
		r.restarts.Add(float64(s.RestartCount - r.lastRestartCount))
	}
	r.lastRestartCount = s.RestartCount

	for state, count := range s.TasksByState {
		r.tasks.WithLabelValues(state).Set(float64(count))
	}
	for service, code := range s.BreakerByState {
		r.breakers.WithLabelValues(service).Set(float64(code))
	}

	if s.WatchdogChecks > r.lastWatchdogChex {
		r.watchdogChex.Add(float64(s.WatchdogChecks - r.lastWatchdogChex))
	}
	r.lastWatchdogChex = s.WatchdogChecks
}

// Handler returns the standard Prometheus text-exposition HTTP handler
// for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
