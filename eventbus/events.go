// Package eventbus provides the in-process asynchronous event bus used by
// the document processing engine.
//
// Features:
//   - String-typed events carrying a payload map
//   - Bounded queue drained by a single goroutine (per-bus ordering)
//   - Middleware chain that can transform or drop events before queueing
//   - Handler error isolation: one failing subscriber never blocks another
//   - Per-type and per-handler delivery metrics
//
// Usage:
//
//	bus := eventbus.NewBus(logger, 1024)
//	bus.Start()
//	defer bus.Stop()
//
//	id := bus.Subscribe(eventbus.EventStageCompleted, func(ctx context.Context, e *eventbus.Event) error {
//	    fmt.Println(e.Payload["stage"])
//	    return nil
//	})
//	defer bus.Unsubscribe(eventbus.EventStageCompleted, id)
//
//	bus.Publish(ctx, eventbus.New(eventbus.EventStageCompleted, map[string]any{"stage": "extract"}))
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Event type catalogue
// ============================================================================

// Event type identifiers published by the engine. Embedders may publish
// their own types; these constants cover the engine's lifecycle surface.
const (
	EventPipelineStarted   = "pipeline.started"
	EventPipelineCompleted = "pipeline.completed"
	EventPipelineFailed    = "pipeline.failed"
	EventPipelinePaused    = "pipeline.paused"
	EventPipelineResumed   = "pipeline.resumed"
	EventPipelineCancelled = "pipeline.cancelled"

	EventStageStarted   = "stage.started"
	EventStageCompleted = "stage.completed"
	EventStageFailed    = "stage.failed"
	EventStageSkipped   = "stage.skipped"

	EventTaskSubmitted = "task.submitted"
	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskTimeout   = "task.timeout"

	EventCheckpointSaved    = "checkpoint.saved"
	EventCheckpointRestored = "checkpoint.restored"

	EventResourceWarning  = "resource.warning"
	EventResourceRejected = "resource.rejected"

	EventPoolStarted   = "worker_pool.started"
	EventPoolStopped   = "worker_pool.stopped"
	EventPoolHeartbeat = "worker_pool.heartbeat"

	EventSystemStarted = "system.started"
)

// Priority hints how urgently an event should be handled. The bus delivers
// in queue order regardless; priority travels with the event for consumers.
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityNormal    Priority = "normal"
	PriorityDeferred  Priority = "deferred"
)

// ============================================================================
// Event
// ============================================================================

// Event is one unit published through the bus.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
	Priority      Priority       `json:"priority"`
	Source        string         `json:"source,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	TraceIDs      []string       `json:"trace_ids,omitempty"`
}

// New creates an event with a fresh ID, UTC timestamp and normal priority.
func New(eventType string, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
	}
}

// WithSource sets the publishing component.
func (e *Event) WithSource(source string) *Event {
	e.Source = source
	return e
}

// WithPriority sets the delivery hint.
func (e *Event) WithPriority(p Priority) *Event {
	e.Priority = p
	return e
}

// WithCorrelation ties the event to a run or request.
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithTrace appends a trace ID to the event's trace chain.
func (e *Event) WithTrace(id string) *Event {
	e.TraceIDs = append(e.TraceIDs, id)
	return e
}

// Clone returns a shallow copy with independent payload and metadata maps.
func (e *Event) Clone() *Event {
	clone := *e
	clone.Payload = make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		clone.Payload[k] = v
	}
	if e.Metadata != nil {
		clone.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	if e.TraceIDs != nil {
		clone.TraceIDs = append([]string{}, e.TraceIDs...)
	}
	return &clone
}
