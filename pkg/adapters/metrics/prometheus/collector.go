package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus
type Collector struct {
	decisions      *prometheus.CounterVec
	runsStarted    prometheus.Counter
	runsFinished   *prometheus.CounterVec
	activeRuns     prometheus.Gauge
	runDuration    *prometheus.HistogramVec
	nodesExecuted  *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	nodeFailures   *prometheus.CounterVec
	governorActive prometheus.Gauge
	governorQueued prometheus.Gauge
	queueWaitTime  *prometheus.HistogramVec
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dago_decisions_total",
				Help: "Total number of validated decisions by verdict",
			},
			[]string{"status"},
		),
		runsStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dago_runs_started_total",
				Help: "Total number of runs started",
			},
		),
		runsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dago_runs_finished_total",
				Help: "Total number of runs finished by terminal status",
			},
			[]string{"status"},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dago_active_runs",
				Help: "Number of runs currently executing",
			},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dago_run_duration_seconds",
				Help:    "Run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		nodesExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dago_nodes_executed_total",
				Help: "Total number of node executions",
			},
			[]string{"capability", "status"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dago_node_duration_seconds",
				Help:    "Node execution duration in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"capability"},
		),
		nodeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dago_node_failures_total",
				Help: "Total number of node failures by category and recovery action",
			},
			[]string{"capability", "category", "action"},
		),
		governorActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dago_governor_active_slots",
				Help: "Number of execution slots in use",
			},
		),
		governorQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dago_governor_queued",
				Help: "Number of nodes waiting for an execution slot",
			},
		),
		queueWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dago_queue_wait_time_seconds",
				Help:    "Time spent waiting for an execution slot",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"category"},
		),
	}
}

// RecordDecision counts a validation verdict
func (c *Collector) RecordDecision(status string) {
	c.decisions.WithLabelValues(status).Inc()
}

// RecordRunStarted counts a started run
func (c *Collector) RecordRunStarted() {
	c.runsStarted.Inc()
	c.activeRuns.Inc()
}

// RecordRunFinished records a run reaching a terminal status
func (c *Collector) RecordRunFinished(status string, duration time.Duration) {
	c.runsFinished.WithLabelValues(status).Inc()
	c.activeRuns.Dec()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordNodeExecuted records a node execution
func (c *Collector) RecordNodeExecuted(capability, status string, duration time.Duration) {
	c.nodesExecuted.WithLabelValues(capability, status).Inc()
	c.nodeDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordNodeFailure records a failed attempt and the action taken
func (c *Collector) RecordNodeFailure(capability, category, action string) {
	c.nodeFailures.WithLabelValues(capability, category, action).Inc()
}

// RecordGovernor records governor utilization
func (c *Collector) RecordGovernor(active, queued int) {
	c.governorActive.Set(float64(active))
	c.governorQueued.Set(float64(queued))
}

// ObserveQueueWait records how long a node waited for its slot
func (c *Collector) ObserveQueueWait(category string, duration time.Duration) {
	c.queueWaitTime.WithLabelValues(category).Observe(duration.Seconds())
}
