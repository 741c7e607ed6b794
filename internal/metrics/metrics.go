// Package metrics exposes engine activity as Prometheus metrics. A
// Collector plugs into the observer hooks of the event log, the resilience
// controller, the disclosure batcher and the orchestrator. A nil *Collector
// is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

const namespace = "taskflow"

// Collector holds the engine's metrics.
type Collector struct {
	entries            *prometheus.CounterVec
	tasksFinished      *prometheus.CounterVec
	dispatches         *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	phaseDuration      *prometheus.HistogramVec
	batches            *prometheus.CounterVec
	batchSize          prometheus.Histogram
	activeTasks        prometheus.Gauge
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
}

// New creates a Collector and registers its metrics with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_appended_total",
			Help:      "Context entries appended, by operation.",
		}, []string{"operation"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Subtask dispatch attempts, by worker and outcome.",
		}, []string{"worker", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of subtask dispatch attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of phase executions, by resulting status.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"status"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_batches_total",
			Help:      "User-input request batches released to the presentation layer.",
		}, []string{"forced", "reordered"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_batch_size",
			Help:      "Requests per released batch.",
			Buckets:   prometheus.LinearBuckets(1, 2, 8),
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Tasks with an orchestration run in progress.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per worker: 0 closed, 1 half-open, 2 open.",
		}, []string{"worker"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions, by worker and new state.",
		}, []string{"worker", "to"}),
	}

	for _, m := range []prometheus.Collector{
		c.entries, c.tasksFinished, c.dispatches, c.dispatchDuration, c.phaseDuration,
		c.batches, c.batchSize, c.activeTasks, c.breakerState, c.breakerTransitions,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// EntryAppended implements eventlog.Observer.
func (c *Collector) EntryAppended(entry model.ContextEntry, st model.ComputedState) {
	if c == nil {
		return
	}
	c.entries.WithLabelValues(string(entry.Operation)).Inc()
	switch entry.Operation {
	case model.OpTaskCompleted, model.OpTaskFailed:
		c.tasksFinished.WithLabelValues(string(st.Status)).Inc()
	}
}

// DispatchFinished implements resilience.Observer.
func (c *Collector) DispatchFinished(workerID string, outcome resilience.Outcome, d time.Duration) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(workerID, string(outcome)).Inc()
	c.dispatchDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

// PhaseFinished implements orchestrator.Observer.
func (c *Collector) PhaseFinished(_ string, status model.PhaseStatus, d time.Duration) {
	if c == nil {
		return
	}
	c.phaseDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// ActiveTasks implements orchestrator.Observer.
func (c *Collector) ActiveTasks(n int) {
	if c == nil {
		return
	}
	c.activeTasks.Set(float64(n))
}

// BatchReleased implements disclosure.Observer.
func (c *Collector) BatchReleased(_ string, size int, forced, reordered bool) {
	if c == nil {
		return
	}
	c.batches.WithLabelValues(strconv.FormatBool(forced), strconv.FormatBool(reordered)).Inc()
	c.batchSize.Observe(float64(size))
}

// BreakerChanged matches the state-change hook of resilience.NewBreakerRegistry.
func (c *Collector) BreakerChanged(workerID string, _, to gobreaker.State) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(workerID).Set(breakerValue(to))
	c.breakerTransitions.WithLabelValues(workerID, to.String()).Inc()
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
