// Package observability provides Prometheus metrics instrumentation for the engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// PIPELINE METRICS
// =============================================================================

var (
	pipelineExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docengine_pipeline_executions_total",
			Help: "Total number of pipeline executions",
		},
		[]string{"pipeline", "status"}, // status: completed, failed, cancelled
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docengine_pipeline_duration_seconds",
			Help:    "Pipeline execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"pipeline"},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docengine_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"pipeline", "stage", "status"}, // status: completed, failed, skipped
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docengine_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"pipeline", "stage"},
	)
)

// =============================================================================
// TASK METRICS
// =============================================================================

var (
	taskExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docengine_task_executions_total",
			Help: "Total number of worker pool task executions",
		},
		[]string{"processor", "status"}, // status: completed, failed, timeout
	)

	taskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docengine_task_duration_seconds",
			Help:    "Worker pool task duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"processor"},
	)

	taskQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docengine_task_queue_depth",
			Help: "Current depth of the worker pool queues",
		},
		[]string{"queue"}, // queue: priority, default
	)
)

// =============================================================================
// EVENT BUS METRICS
// =============================================================================

var (
	busEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docengine_bus_events_total",
			Help: "Total events accepted by the event bus",
		},
		[]string{"type"},
	)
)

// =============================================================================
// RESOURCE METRICS
// =============================================================================

var (
	resourceRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docengine_resource_rejections_total",
			Help: "Admissions rejected by the resource monitor",
		},
		[]string{"resource"}, // resource: cpu, memory, gpu
	)

	resourceAllocatedCores = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docengine_resource_allocated_cpu_cores",
			Help: "CPU cores currently reserved by running tasks",
		},
	)

	resourceAllocatedMemoryMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docengine_resource_allocated_memory_mb",
			Help: "Memory in MB currently reserved by running tasks",
		},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordPipelineExecution records pipeline execution metrics.
// Called by the manager when a run reaches a terminal state.
func RecordPipelineExecution(pipeline string, status string, durationMS int) {
	pipelineExecutionsTotal.WithLabelValues(pipeline, status).Inc()
	pipelineDurationSeconds.WithLabelValues(pipeline).Observe(float64(durationMS) / 1000.0)
}

// RecordStageExecution records stage execution metrics.
// Called by the executor when a stage settles.
func RecordStageExecution(pipeline, stage, status string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(pipeline, stage, status).Inc()
	stageDurationSeconds.WithLabelValues(pipeline, stage).Observe(float64(durationMS) / 1000.0)
}

// RecordTaskExecution records worker pool task metrics.
func RecordTaskExecution(processor, status string, durationMS int) {
	taskExecutionsTotal.WithLabelValues(processor, status).Inc()
	taskDurationSeconds.WithLabelValues(processor).Observe(float64(durationMS) / 1000.0)
}

// SetQueueDepth publishes the current depth of a worker pool queue.
func SetQueueDepth(queue string, depth int) {
	taskQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordBusEvent counts an event accepted by the bus.
func RecordBusEvent(eventType string) {
	busEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordResourceRejection counts an admission rejected by the monitor.
func RecordResourceRejection(resource string) {
	resourceRejectionsTotal.WithLabelValues(resource).Inc()
}

// SetAllocatedResources publishes the monitor's current reservation totals.
func SetAllocatedResources(cpuCores float64, memoryMB float64) {
	resourceAllocatedCores.Set(cpuCores)
	resourceAllocatedMemoryMB.Set(memoryMB)
}
