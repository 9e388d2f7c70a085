// Package metrics exposes load generator progress as Prometheus metrics.
package metrics

import (
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cpuload/pkg/shape"
)

const namespace = "cpuload"

// Exporter tracks the configured target, worker lifecycle and duty-cycle
// counters on its own registry.
type Exporter struct {
	registry *prometheus.Registry
	handler  http.Handler

	target      prometheus.Gauge
	window      prometheus.Gauge
	workers     prometheus.Gauge
	running     prometheus.Gauge
	state       *prometheus.GaugeVec
	cycles      prometheus.Counter
	invocations prometheus.Counter
	exits       *prometheus.CounterVec

	stateMu      sync.Mutex
	currentState string

	countExitStats atomic.Bool
}

// NewExporter constructs an Exporter with zeroed metrics.
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	exporter := &Exporter{
		registry: registry,
		target: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_percent",
			Help:      "Target CPU usage per worker in percent.",
		}),
		window: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_window_seconds",
			Help:      "Duty-cycle window length.",
		}),
		workers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Number of workers launched.",
		}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_running",
			Help:      "Number of workers that have not exited yet.",
		}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Coordinator lifecycle state (value set to 1 for the active state).",
		}, []string{"state"}),
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed duty cycles across all workers.",
		}),
		invocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workload_invocations_total",
			Help:      "Workload generator invocations across all workers.",
		}),
		exits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Worker exits by outcome.",
		}, []string{"outcome"}),
	}

	exporter.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})

	return exporter
}

// Registry returns the registry backing the exporter.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// SetTarget stores the configured target percentage.
func (e *Exporter) SetTarget(percent float64) {
	if math.IsNaN(percent) || math.IsInf(percent, 0) {
		percent = 0
	}

	e.target.Set(math.Max(0, math.Min(100, percent)))
}

// SetCycleWindow stores the duty-cycle window length.
func (e *Exporter) SetCycleWindow(window time.Duration) {
	e.window.Set(math.Max(0, window.Seconds()))
}

// SetState marks state as the only active lifecycle state.
func (e *Exporter) SetState(state string) {
	trimmed := strings.TrimSpace(state)
	if trimmed == "" {
		trimmed = "unknown"
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.currentState != "" {
		e.state.WithLabelValues(e.currentState).Set(0)
	}

	e.currentState = trimmed
	e.state.WithLabelValues(trimmed).Set(1)
}

// SetWorkerCount records the number of launched workers.
func (e *Exporter) SetWorkerCount(count int) {
	if count < 0 {
		count = 0
	}

	e.workers.Set(float64(count))
	e.running.Set(float64(count))
}

// ObserveCycle counts one completed duty cycle.
func (e *Exporter) ObserveCycle(_ int, cycle shape.Cycle) {
	e.cycles.Inc()
	e.invocations.Add(float64(cycle.Invocations))
}

// CountExitStats makes ObserveWorkerExit add each worker's final totals to
// the cycle counters. Use it when cycles cannot be observed live.
func (e *Exporter) CountExitStats(enabled bool) {
	e.countExitStats.Store(enabled)
}

// ObserveWorkerExit records a worker exit with its outcome.
func (e *Exporter) ObserveWorkerExit(outcome string, stats shape.Stats) {
	e.exits.WithLabelValues(outcome).Inc()
	e.running.Dec()

	if e.countExitStats.Load() {
		e.cycles.Add(float64(stats.Cycles))
		e.invocations.Add(float64(stats.Invocations))
	}
}

// ServeHTTP implements http.Handler for the metrics exporter.
func (e *Exporter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	e.handler.ServeHTTP(writer, request)
}
