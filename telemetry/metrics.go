// Package telemetry provides the Prometheus metrics and tracing surface
// shared by the dispatcher, scheduler, and queue components.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine registers. A single instance is
// shared across the dispatcher, scheduler, and queue so dashboards can
// correlate workflow throughput with queue depth and backpressure state.
type Metrics struct {
	NodesExecutedTotal   *prometheus.CounterVec
	NodeExecutionSeconds *prometheus.HistogramVec
	NodesInFlight        prometheus.Gauge

	InstancesStartedTotal  *prometheus.CounterVec
	InstancesCompletedTotal *prometheus.CounterVec

	ScheduleFiresTotal *prometheus.CounterVec
	ScheduleLagSeconds *prometheus.HistogramVec

	QueueDepth            *prometheus.GaugeVec
	QueueEnqueuedTotal    *prometheus.CounterVec
	QueueDequeuedTotal    *prometheus.CounterVec
	QueueJobLatency       *prometheus.HistogramVec
	WatermarkBand         *prometheus.GaugeVec
	BackpressureActivations *prometheus.CounterVec
	DispatchConcurrency   prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer.
// A nil registerer skips registration, which test code relies on to avoid
// "duplicate metrics collector registration" panics across table tests.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		NodesExecutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_nodes_executed_total",
				Help: "Total number of task-node executions, by executor and outcome.",
			},
			[]string{"executor", "status"},
		),
		NodeExecutionSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowengine_node_execution_seconds",
				Help:    "Task-node execution duration in seconds.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"executor"},
		),
		NodesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowengine_nodes_in_flight",
				Help: "Task nodes currently executing across this engine process.",
			},
		),
		InstancesStartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_instances_started_total",
				Help: "Total number of workflow instances started, by workflow definition.",
			},
			[]string{"workflow"},
		),
		InstancesCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_instances_completed_total",
				Help: "Total number of workflow instances completed, by terminal status.",
			},
			[]string{"workflow", "status"},
		),
		ScheduleFiresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_schedule_fires_total",
				Help: "Total number of schedule firings, by schedule and outcome.",
			},
			[]string{"schedule", "status"},
		),
		ScheduleLagSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowengine_schedule_lag_seconds",
				Help:    "Delay between a schedule's due time and actual dispatch.",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"schedule"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowengine_queue_depth",
				Help: "Current number of pending jobs, by queue group.",
			},
			[]string{"group"},
		),
		QueueEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_queue_enqueued_total",
				Help: "Total number of jobs enqueued, by queue group.",
			},
			[]string{"group"},
		),
		QueueDequeuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_queue_dequeued_total",
				Help: "Total number of jobs dequeued, by queue group and outcome.",
			},
			[]string{"group", "status"},
		),
		QueueJobLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowengine_queue_job_latency_seconds",
				Help:    "Time a job spent in queue between enqueue and dequeue.",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"group"},
		),
		WatermarkBand: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowengine_watermark_band",
				Help: "Current watermark band per group: 0=empty 1=low 2=normal 3=high 4=critical.",
			},
			[]string{"group"},
		),
		BackpressureActivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_backpressure_activations_total",
				Help: "Total number of backpressure stream stop/start transitions, by group and direction.",
			},
			[]string{"group", "direction"},
		),
		DispatchConcurrency: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowengine_dispatch_concurrency",
				Help: "Current effective worker concurrency after backpressure adjustment.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_errors_total",
				Help: "Total number of errors, by component and error kind.",
			},
			[]string{"component", "kind"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.NodesExecutedTotal,
			m.NodeExecutionSeconds,
			m.NodesInFlight,
			m.InstancesStartedTotal,
			m.InstancesCompletedTotal,
			m.ScheduleFiresTotal,
			m.ScheduleLagSeconds,
			m.QueueDepth,
			m.QueueEnqueuedTotal,
			m.QueueDequeuedTotal,
			m.QueueJobLatency,
			m.WatermarkBand,
			m.BackpressureActivations,
			m.DispatchConcurrency,
			m.ErrorsTotal,
		)
	}

	return m
}

// RecordNodeExecution records a single task-node execution outcome.
func (m *Metrics) RecordNodeExecution(executor, status string, duration time.Duration) {
	m.NodesExecutedTotal.WithLabelValues(executor, status).Inc()
	m.NodeExecutionSeconds.WithLabelValues(executor).Observe(duration.Seconds())
}

// RecordInstanceStarted records a workflow instance start.
func (m *Metrics) RecordInstanceStarted(workflow string) {
	m.InstancesStartedTotal.WithLabelValues(workflow).Inc()
}

// RecordInstanceCompleted records a workflow instance reaching a terminal status.
func (m *Metrics) RecordInstanceCompleted(workflow, status string) {
	m.InstancesCompletedTotal.WithLabelValues(workflow, status).Inc()
}

// RecordScheduleFire records a schedule firing and its dispatch lag.
func (m *Metrics) RecordScheduleFire(schedule, status string, lag time.Duration) {
	m.ScheduleFiresTotal.WithLabelValues(schedule, status).Inc()
	m.ScheduleLagSeconds.WithLabelValues(schedule).Observe(lag.Seconds())
}

// SetQueueDepth records the current pending depth for a queue group.
func (m *Metrics) SetQueueDepth(group string, depth int) {
	m.QueueDepth.WithLabelValues(group).Set(float64(depth))
}

// RecordEnqueued records a job enqueue for a queue group.
func (m *Metrics) RecordEnqueued(group string) {
	m.QueueEnqueuedTotal.WithLabelValues(group).Inc()
}

// RecordDequeued records a job dequeue and the time it waited in queue.
func (m *Metrics) RecordDequeued(group, status string, waited time.Duration) {
	m.QueueDequeuedTotal.WithLabelValues(group, status).Inc()
	m.QueueJobLatency.WithLabelValues(group).Observe(waited.Seconds())
}

// SetWatermarkBand records the current watermark band for a queue group.
// band is an ordinal 0-4 matching empty/low/normal/high/critical.
func (m *Metrics) SetWatermarkBand(group string, band int) {
	m.WatermarkBand.WithLabelValues(group).Set(float64(band))
}

// RecordBackpressureTransition records a stream stop or start decision.
func (m *Metrics) RecordBackpressureTransition(group, direction string) {
	m.BackpressureActivations.WithLabelValues(group, direction).Inc()
}

// SetDispatchConcurrency records the dispatcher's current effective concurrency.
func (m *Metrics) SetDispatchConcurrency(n int) {
	m.DispatchConcurrency.Set(float64(n))
}

// RecordError records an error by component and apperror.Kind.
func (m *Metrics) RecordError(component, kind string) {
	m.ErrorsTotal.WithLabelValues(component, kind).Inc()
}
