package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkflowsActive tracks currently running workflows.
	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "depupgrade_workflow_active",
			Help: "Number of currently active migration workflows",
		},
	)

	// WorkflowQueueDepth tracks workflows waiting for a concurrency slot.
	WorkflowQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "depupgrade_workflow_queue_depth",
			Help: "Number of migrations queued waiting for a worker slot",
		},
	)

	// WorkflowOutcomes tracks terminal phases reached.
	WorkflowOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depupgrade_workflows_total",
			Help: "Total number of workflows by terminal phase",
		},
		[]string{"phase", "project_type"},
	)

	// RetryAttempts tracks Analyzer->Validator retry cycles.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depupgrade_retry_attempts_total",
			Help: "Total number of validation retry attempts",
		},
		[]string{"outcome"},
	)

	// ContainerOperations tracks ContainerRuntime adapter operation counts.
	ContainerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depupgrade_container_operations_total",
			Help: "Total number of container runtime operations",
		},
		[]string{"operation", "status"},
	)

	// ContainerOperationDuration tracks ContainerRuntime adapter latency.
	ContainerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depupgrade_container_operation_duration_seconds",
			Help:    "Duration of container runtime operations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		},
		[]string{"operation"},
	)

	// ReasonerCalls tracks Reasoner invocations by task kind and outcome.
	ReasonerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depupgrade_reasoner_calls_total",
			Help: "Total number of Reasoner calls",
		},
		[]string{"task_kind", "outcome"},
	)

	// ReasonerTokens tracks cumulative token usage by task kind.
	ReasonerTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depupgrade_reasoner_tokens_total",
			Help: "Total input/output tokens spent by the reasoner client",
		},
		[]string{"task_kind", "direction"},
	)

	// EventBusDropped tracks non-terminal events dropped due to a full
	// subscriber buffer.
	EventBusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depupgrade_eventbus_dropped_events_total",
			Help: "Total number of non-terminal events dropped from a subscriber's buffer",
		},
		[]string{"migration_id"},
	)

	// ValidationStageResult tracks each ValidationEngine stage's outcome.
	ValidationStageResult = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depupgrade_validation_stage_result_total",
			Help: "Total number of validation stage results",
		},
		[]string{"stage", "result"},
	)
)

// Metrics provides access to application-level aggregate metrics.
type Metrics struct{}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordWorkflowOutcome records a terminal workflow phase.
func (m *Metrics) RecordWorkflowOutcome(phase, projectType string) {
	WorkflowOutcomes.WithLabelValues(phase, projectType).Inc()
}

// SetActiveWorkflows sets the number of active workflows.
func (m *Metrics) SetActiveWorkflows(count float64) {
	WorkflowsActive.Set(count)
}

// SetQueueDepth sets the number of queued workflows.
func (m *Metrics) SetQueueDepth(count float64) {
	WorkflowQueueDepth.Set(count)
}
